package forward

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fabian4/proxypool-homebrew-go/internal/model"
)

// Options tunes the per-proxy transports.
type Options struct {
	// Dial/keepalive
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	// Pool sizing
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	// Timeouts
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // optional, 0 to disable

	// TLS knobs shared by all proxy transports
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

// DefaultOptions mirrors battle-tested proxy-ish settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		MaxConnsPerHost:       0,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0,
		InsecureSkipVerify:    false,
		RootCAs:               nil,
	}
}

// Registry caches one http.Transport per proxy, so connection pools and
// keepalives are reused across requests routed through the same proxy.
type Registry struct {
	mu    sync.RWMutex
	store map[string]*http.Transport
	opts  Options
}

// NewDefaultRegistry builds a registry with DefaultOptions.
func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

// NewRegistry builds a registry with the given options.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		store: make(map[string]*http.Transport),
		opts:  opts,
	}
}

// Get returns the transport routing through proxy, building it on first use.
func (r *Registry) Get(proxy model.Proxy) http.RoundTripper {
	addr := proxy.Address()

	r.mu.RLock()
	tr, ok := r.store[addr]
	r.mu.RUnlock()
	if ok {
		return tr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tr, ok := r.store[addr]; ok {
		return tr
	}
	tr = r.build(proxy)
	r.store[addr] = tr
	return tr
}

// CloseIdle calls CloseIdleConnections on every cached transport.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tr := range r.store {
		tr.CloseIdleConnections()
	}
}

func (r *Registry) build(proxy model.Proxy) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: r.opts.DialKeepAlive,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyURL(proxy.URL),
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     false,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: r.opts.InsecureSkipVerify, RootCAs: r.opts.RootCAs},
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
	}
	if r.opts.ResponseHeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = r.opts.ResponseHeaderTimeout
	}
	return tr
}
