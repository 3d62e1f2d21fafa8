package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fabian4/proxypool-homebrew-go/internal/metrics"
	"github.com/fabian4/proxypool-homebrew-go/internal/pool"
	"github.com/fabian4/proxypool-homebrew-go/internal/scraper"
)

// Service exposes the pool over HTTP: /fetch proxies a GET through the
// pool, /healthz reports liveness and store degradation, /metrics serves
// Prometheus text.
type Service struct {
	client   *scraper.Client
	metrics  *metrics.Registry
	degraded func() bool
	log      *zap.Logger
	mux      *http.ServeMux
}

func New(client *scraper.Client, m *metrics.Registry, degraded func() bool, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if degraded == nil {
		degraded = func() bool { return false }
	}
	s := &Service{
		client:   client,
		metrics:  m,
		degraded: degraded,
		log:      log,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /fetch", s.handleFetch)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	return s
}

var _ http.Handler = (*Service)(nil)

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}
	s.mux.ServeHTTP(lw, r)

	status := lw.statusCode
	if status == 0 {
		status = http.StatusOK
	}
	s.log.Info("request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Int64("bytes", lw.bytes),
		zap.Duration("duration", time.Since(start)))
}

func (s *Service) handleFetch(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}
	if u, err := url.Parse(target); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		writeError(w, http.StatusBadRequest, "url must be absolute http(s)")
		return
	}

	res, err := s.client.Get(r.Context(), target)
	if err != nil {
		s.writeFetchError(w, target, err)
		return
	}

	if ct := res.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("X-Proxy-Used", res.Proxy.Address())
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}

func (s *Service) writeFetchError(w http.ResponseWriter, target string, err error) {
	s.log.Warn("fetch failed", zap.String("url", target), zap.Error(err))

	// Pool exhaustion bubbles up with a retry hint, even buried under a
	// retries-exhausted wrapper.
	var noProxy *pool.NoProxyError
	if errors.As(err, &noProxy) {
		w.Header().Set("Retry-After", retryAfterSeconds(noProxy.RetryAfter))
		writeError(w, http.StatusServiceUnavailable, "no proxy available")
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"store_degraded": s.degraded(),
	})
}

func (s *Service) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.metrics.WritePrometheus(w)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
