package tests

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/fabian4/proxypool-homebrew-go/internal/model"
	"github.com/fabian4/proxypool-homebrew-go/internal/pool"
)

func TestRateLimit_WindowCeiling(t *testing.T) {
	mr, st := redisStore(t)

	proxy := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	srv, _ := newStack(t, []model.Proxy{proxy}, st, pool.Config{
		WindowSize:           time.Minute,
		MaxRequestsPerWindow: 3,
	})

	// 1. The first three requests to the destination go through.
	for i := 0; i < 3; i++ {
		res, _ := fetch(t, srv, "http://origin.test/page")
		if res.StatusCode != 200 {
			t.Fatalf("req %d: want 200, got %d", i+1, res.StatusCode)
		}
	}

	// 2. The fourth is over the per-(proxy, destination) ceiling.
	res, _ := fetch(t, srv, "http://origin.test/page")
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("req 4: want 503, got %d", res.StatusCode)
	}
	secs, err := strconv.Atoi(res.Header.Get("Retry-After"))
	if err != nil || secs < 1 {
		t.Fatalf("Retry-After: %q", res.Header.Get("Retry-After"))
	}

	// 3. A different destination has its own budget.
	res, _ = fetch(t, srv, "http://other.test/page")
	if res.StatusCode != 200 {
		t.Fatalf("other destination: want 200, got %d", res.StatusCode)
	}

	// 4. Once the window counters expire, the destination is admitted
	// again.
	mr.FastForward(2 * time.Minute)
	res, _ = fetch(t, srv, "http://origin.test/page")
	if res.StatusCode != 200 {
		t.Fatalf("after window: want 200, got %d", res.StatusCode)
	}
}

func TestRateLimit_SecondProxyAbsorbsOverflow(t *testing.T) {
	_, st := redisStore(t)

	a := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	b := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	srv, _ := newStack(t, []model.Proxy{a, b}, st, pool.Config{
		WindowSize:           time.Minute,
		MaxRequestsPerWindow: 1,
	})

	// Two proxies with a ceiling of one each: two requests succeed, the
	// third finds every pair capped.
	for i := 0; i < 2; i++ {
		res, _ := fetch(t, srv, "http://origin.test/")
		if res.StatusCode != 200 {
			t.Fatalf("req %d: want 200, got %d", i+1, res.StatusCode)
		}
	}
	res, _ := fetch(t, srv, "http://origin.test/")
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("req 3: want 503, got %d", res.StatusCode)
	}
}
