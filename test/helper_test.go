package tests

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fabian4/proxypool-homebrew-go/internal/forward"
	"github.com/fabian4/proxypool-homebrew-go/internal/handler"
	"github.com/fabian4/proxypool-homebrew-go/internal/metrics"
	"github.com/fabian4/proxypool-homebrew-go/internal/model"
	"github.com/fabian4/proxypool-homebrew-go/internal/pool"
	"github.com/fabian4/proxypool-homebrew-go/internal/scraper"
	"github.com/fabian4/proxypool-homebrew-go/internal/store"
)

// fakeProxy starts an HTTP server that stands in for a forward proxy.
// The scraper's transport sends absolute-form requests at it, so a
// plain handler sees the full target URL and can answer for any host.
func fakeProxy(t *testing.T, upstream http.HandlerFunc) model.Proxy {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}
	p, err := model.ParseProxy(u.Host)
	if err != nil {
		t.Fatalf("parse proxy: %v", err)
	}
	return p
}

// redisStore runs a throwaway Redis and returns a store bound to it.
// The miniredis handle is returned too so tests can FastForward TTLs.
func redisStore(t *testing.T) (*miniredis.Miniredis, *store.Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, store.NewRedis(client, time.Second)
}

// sharedStore opens a second, independent connection to the same Redis,
// the way a second process would.
func sharedStore(t *testing.T, mr *miniredis.Miniredis) *store.Redis {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewRedis(client, time.Second)
}

// newStack wires the full service the way cmd/proxypoold does and
// serves it over a test listener.
func newStack(t *testing.T, proxies []model.Proxy, st store.Store, cfg pool.Config) (*httptest.Server, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	pl, err := pool.New(proxies, st, cfg, reg, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	transports := forward.NewDefaultRegistry()
	t.Cleanup(transports.CloseIdle)

	client := scraper.New(pl, transports, scraper.Config{Retries: 1}, nil)
	svc := handler.New(client, reg, nil, nil)
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)
	return srv, reg
}

func fetch(t *testing.T, srv *httptest.Server, target string) (*http.Response, string) {
	t.Helper()
	res, err := http.Get(srv.URL + "/fetch?url=" + url.QueryEscape(target))
	if err != nil {
		t.Fatalf("fetch %s: %v", target, err)
	}
	body, err := io.ReadAll(res.Body)
	_ = res.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, string(body)
}
