package model

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Proxy is one outbound proxy endpoint in the pool.
type Proxy struct {
	URL *url.URL // normalized, scheme always set
}

// ParseProxy normalizes a configured proxy address. An explicit port is
// required; bare "host:port" defaults to http, matching common proxy
// lists.
func ParseProxy(raw string) (Proxy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Proxy{}, fmt.Errorf("proxy address is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Proxy{}, fmt.Errorf("proxy %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return Proxy{}, fmt.Errorf("proxy %q: unsupported scheme %q", raw, u.Scheme)
	}
	// url.Parse is lenient about the authority (it accepts "::::"), so
	// validate host:port strictly here.
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return Proxy{}, fmt.Errorf("proxy %q: invalid host:port: %w", raw, err)
	}
	if host == "" {
		return Proxy{}, fmt.Errorf("proxy %q: missing host", raw)
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return Proxy{}, fmt.Errorf("proxy %q: malformed host %q", raw, host)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return Proxy{}, fmt.Errorf("proxy %q: invalid port %q", raw, port)
	}
	if u.Path != "" || u.RawQuery != "" {
		return Proxy{}, fmt.Errorf("proxy %q: path/query not allowed", raw)
	}
	return Proxy{URL: u}, nil
}

// Address returns the host:port identity of the proxy.
func (p Proxy) Address() string {
	return p.URL.Host
}

// Key returns the proxy identity in store-key-safe form.
func (p Proxy) Key() string {
	return strings.ReplaceAll(p.URL.Host, ":", "_")
}

func (p Proxy) String() string {
	return p.URL.String()
}

// DestinationOf extracts the authority of a target URL. Rate limiting and
// deactivation are scoped per (proxy, destination), so two hosts behind the
// same proxy are throttled independently.
func DestinationOf(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("destination %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("destination %q: missing host", rawURL)
	}
	return strings.ToLower(u.Host), nil
}

// DestinationKey is the store-key-safe form of a destination.
func DestinationKey(destination string) string {
	return strings.ReplaceAll(destination, ":", "_")
}

// Outcome describes how a request through an acquired proxy ended.
type Outcome int

const (
	Success Outcome = iota
	Failure
	TooManyRequests
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case TooManyRequests:
		return "too_many_requests"
	default:
		return "unknown"
	}
}
