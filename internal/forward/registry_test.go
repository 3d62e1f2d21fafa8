package forward

import (
	"net/http"
	"testing"
	"time"

	"github.com/fabian4/proxypool-homebrew-go/internal/model"
)

func mustProxy(t *testing.T, raw string) model.Proxy {
	t.Helper()
	p, err := model.ParseProxy(raw)
	if err != nil {
		t.Fatalf("parse proxy: %v", err)
	}
	return p
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.DialTimeout != 5*time.Second {
		t.Errorf("DialTimeout: got %v, want %v", opts.DialTimeout, 5*time.Second)
	}
	if opts.DialKeepAlive != 60*time.Second {
		t.Errorf("DialKeepAlive: got %v, want %v", opts.DialKeepAlive, 60*time.Second)
	}
	if opts.MaxIdleConns != 512 {
		t.Errorf("MaxIdleConns: got %d, want %d", opts.MaxIdleConns, 512)
	}
	if opts.MaxIdleConnsPerHost != 128 {
		t.Errorf("MaxIdleConnsPerHost: got %d, want %d", opts.MaxIdleConnsPerHost, 128)
	}
	if opts.IdleConnTimeout != 90*time.Second {
		t.Errorf("IdleConnTimeout: got %v, want %v", opts.IdleConnTimeout, 90*time.Second)
	}
	if opts.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be false by default")
	}
}

func TestRegistry_GetBuildsProxyTransport(t *testing.T) {
	reg := NewDefaultRegistry()
	proxy := mustProxy(t, "http://a:8080")

	rt := reg.Get(proxy)
	tr, ok := rt.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if tr.Proxy == nil {
		t.Fatal("transport has no proxy function")
	}

	req, _ := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	u, err := tr.Proxy(req)
	if err != nil {
		t.Fatalf("proxy func: %v", err)
	}
	if u == nil || u.Host != "a:8080" {
		t.Errorf("proxy URL: got %v, want a:8080", u)
	}
}

func TestRegistry_GetCachesPerProxy(t *testing.T) {
	reg := NewDefaultRegistry()
	a := mustProxy(t, "http://a:8080")
	b := mustProxy(t, "http://b:8080")

	if reg.Get(a) != reg.Get(a) {
		t.Error("same proxy should reuse one transport")
	}
	if reg.Get(a) == reg.Get(b) {
		t.Error("different proxies must not share a transport")
	}
}

func TestRegistry_OptionsApplied(t *testing.T) {
	opts := Options{
		DialTimeout:         3 * time.Second,
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     time.Minute,
		InsecureSkipVerify:  true,
	}
	reg := NewRegistry(opts)

	tr := reg.Get(mustProxy(t, "http://a:8080")).(*http.Transport)
	if tr.MaxIdleConns != 50 {
		t.Errorf("MaxIdleConns: got %d, want 50", tr.MaxIdleConns)
	}
	if tr.MaxIdleConnsPerHost != 10 {
		t.Errorf("MaxIdleConnsPerHost: got %d, want 10", tr.MaxIdleConnsPerHost)
	}
	if tr.IdleConnTimeout != time.Minute {
		t.Errorf("IdleConnTimeout: got %v, want %v", tr.IdleConnTimeout, time.Minute)
	}
	if !tr.TLSClientConfig.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be true")
	}
}

func TestRegistry_WithResponseHeaderTimeout(t *testing.T) {
	reg := NewRegistry(Options{ResponseHeaderTimeout: 10 * time.Second})

	tr := reg.Get(mustProxy(t, "http://a:8080")).(*http.Transport)
	if tr.ResponseHeaderTimeout != 10*time.Second {
		t.Errorf("ResponseHeaderTimeout: got %v, want %v", tr.ResponseHeaderTimeout, 10*time.Second)
	}
}

func TestRegistry_CloseIdle(t *testing.T) {
	reg := NewDefaultRegistry()
	reg.Get(mustProxy(t, "http://a:8080"))

	// Should not panic
	reg.CloseIdle()
}
