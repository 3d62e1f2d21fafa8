package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fabian4/proxypool-homebrew-go/internal/health"
	"github.com/fabian4/proxypool-homebrew-go/internal/lb"
	"github.com/fabian4/proxypool-homebrew-go/internal/metrics"
	"github.com/fabian4/proxypool-homebrew-go/internal/model"
	"github.com/fabian4/proxypool-homebrew-go/internal/ratelimit"
	"github.com/fabian4/proxypool-homebrew-go/internal/store"
)

// NoProxyError is returned by Acquire when every proxy is deactivated or
// rate-capped for the destination. Non-fatal: back off RetryAfter and
// retry.
type NoProxyError struct {
	Destination string
	RetryAfter  time.Duration
}

func (e *NoProxyError) Error() string {
	return fmt.Sprintf("no proxy available for %s, retry after %s", e.Destination, e.RetryAfter)
}

// Config tunes the pool.
type Config struct {
	// WindowSize is the width of the rolling admission window.
	WindowSize time.Duration
	// MaxRequestsPerWindow is the per-(proxy, destination) ceiling.
	MaxRequestsPerWindow int64
	// Cooldown is how long a proxy stays deactivated after a 429.
	Cooldown time.Duration
}

// Pool hands out proxies for destinations. Eligibility (deactivation,
// rate ceilings) lives in the shared store and holds across processes;
// least-connections ranking uses process-local counters and only spreads
// this process's load.
//
// Admission ordering: candidates are ranked first and quota is committed
// per-candidate in rank order, so an admission slot is only ever consumed
// by the proxy actually handed out.
type Pool struct {
	entries []*entry
	window  *ratelimit.Window
	health  *health.Manager
	metrics *metrics.Registry
	log     *zap.Logger
	now     func() time.Time
}

type entry struct {
	proxy  model.Proxy
	active atomic.Int64
}

func (e *entry) Address() string { return e.proxy.Address() }
func (e *entry) Active() int64   { return e.active.Load() }

// New builds a pool over the given proxies. The store carries all
// cross-process state; pass a *store.Failover to fail open when it is
// unreachable.
func New(proxies []model.Proxy, s store.Store, cfg Config, m *metrics.Registry, log *zap.Logger) (*Pool, error) {
	if len(proxies) == 0 {
		return nil, fmt.Errorf("pool: at least one proxy is required")
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 5 * time.Minute
	}
	if cfg.MaxRequestsPerWindow <= 0 {
		cfg.MaxRequestsPerWindow = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewRegistry()
	}
	entries := make([]*entry, len(proxies))
	seen := make(map[string]struct{}, len(proxies))
	for i, p := range proxies {
		if _, dup := seen[p.Address()]; dup {
			return nil, fmt.Errorf("pool: duplicate proxy %s", p.Address())
		}
		seen[p.Address()] = struct{}{}
		entries[i] = &entry{proxy: p}
	}
	return &Pool{
		entries: entries,
		window:  ratelimit.NewWindow(s, cfg.WindowSize, cfg.MaxRequestsPerWindow),
		health:  health.New(s, cfg.Cooldown, log),
		metrics: m,
		log:     log,
		now:     time.Now,
	}, nil
}

// Proxies returns the configured proxies in pool order.
func (p *Pool) Proxies() []model.Proxy {
	out := make([]model.Proxy, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.proxy
	}
	return out
}

// Handle is one acquired proxy. Callers must Release on every exit path
// or the connection count leaks; Release is idempotent.
type Handle struct {
	pool        *Pool
	entry       *entry
	destination string
	released    atomic.Bool
}

func (h *Handle) Proxy() model.Proxy  { return h.entry.proxy }
func (h *Handle) Destination() string { return h.destination }

// Release returns the proxy to the pool. A TooManyRequests outcome
// deactivates the proxy pool-wide for one cooldown.
func (h *Handle) Release(ctx context.Context, outcome model.Outcome) error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	if v := h.entry.active.Add(-1); v < 0 {
		h.entry.active.Store(0)
	}
	h.pool.metrics.DecActiveConns(h.entry.Address())

	if outcome != model.TooManyRequests {
		return nil
	}
	h.pool.metrics.IncDeactivation(h.entry.Address())
	if err := h.pool.health.ReportTooManyRequests(ctx, h.entry.proxy.Key()); err != nil {
		return fmt.Errorf("release %s: %w", h.entry.Address(), err)
	}
	return nil
}

// Acquire picks a proxy for the target URL, consuming one admission slot
// for it. It never blocks waiting for capacity: when nothing is
// available it returns a *NoProxyError carrying the earliest time worth
// retrying.
func (p *Pool) Acquire(ctx context.Context, rawURL string) (*Handle, error) {
	destination, err := model.DestinationOf(rawURL)
	if err != nil {
		return nil, err
	}
	destKey := model.DestinationKey(destination)
	now := p.now()

	var minRetry time.Duration
	note := func(d time.Duration) {
		if d > 0 && (minRetry == 0 || d < minRetry) {
			minRetry = d
		}
	}

	candidates := make([]lb.Candidate, 0, len(p.entries))
	for _, e := range p.entries {
		start := p.now()
		eligible, remaining, err := p.health.IsEligible(ctx, e.proxy.Key())
		p.metrics.ObserveStoreLatency("eligibility", p.now().Sub(start))
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", destination, err)
		}
		if !eligible {
			note(remaining)
			continue
		}
		candidates = append(candidates, e)
	}

	reason := "deactivated"
	if len(candidates) > 0 {
		reason = "rate_capped"
	}

	// Rank first, then commit admission in rank order: the quota unit is
	// only spent by the proxy that is actually handed out.
	for len(candidates) > 0 {
		chosen := lb.LeastLoaded(candidates).(*entry)

		start := p.now()
		res, err := p.window.TryAdmit(ctx, chosen.proxy.Key(), destKey, now)
		p.metrics.ObserveStoreLatency("admit", p.now().Sub(start))
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", destination, err)
		}
		if res.Admitted {
			chosen.active.Add(1)
			p.metrics.IncActiveConns(chosen.Address())
			p.metrics.IncAcquire(chosen.Address(), destination)
			p.log.Debug("proxy acquired",
				zap.String("proxy", chosen.Address()),
				zap.String("destination", destination),
				zap.Int64("active", chosen.Active()))
			return &Handle{pool: p, entry: chosen, destination: destination}, nil
		}
		note(res.RetryAfter)
		candidates = drop(candidates, chosen)
	}

	if minRetry == 0 {
		minRetry = time.Second
	}
	p.metrics.IncRejection(reason)
	p.log.Debug("no proxy available",
		zap.String("destination", destination),
		zap.Duration("retry_after", minRetry))
	return nil, &NoProxyError{Destination: destination, RetryAfter: minRetry}
}

func drop(candidates []lb.Candidate, victim lb.Candidate) []lb.Candidate {
	out := candidates[:0]
	for _, c := range candidates {
		if c != victim {
			out = append(out, c)
		}
	}
	return out
}
