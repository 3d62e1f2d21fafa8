package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/fabian4/proxypool-homebrew-go/internal/store"
)

// Result is the outcome of one admission attempt.
type Result struct {
	Admitted bool
	// RetryAfter is set on rejection: time until the oldest counted
	// bucket exits the window.
	RetryAfter time.Duration
}

// Window enforces a request ceiling over a rolling interval per
// (proxy, destination) pair, backed by shared bucketed counters.
//
// The window is covered by fixed sub-interval buckets; admission sums the
// trailing buckets and increments the current one in a single atomic
// store operation. Counting one bucket beyond the window makes the check
// conservative: it can reject slightly early near bucket edges but can
// never admit more than the ceiling inside any real window-length
// interval.
type Window struct {
	store   store.Store
	size    time.Duration
	max     int64
	width   time.Duration // bucket width
	buckets int           // full buckets per window, excluding the extra guard bucket
}

const defaultBucketsPerWindow = 10

// NewWindow builds admission control for windows of the given size and
// ceiling. size must be positive and max at least 1.
func NewWindow(s store.Store, size time.Duration, max int64) *Window {
	width := size / defaultBucketsPerWindow
	if width < time.Second {
		width = time.Second
	}
	buckets := int(size / width)
	if buckets < 1 {
		buckets = 1
	}
	return &Window{
		store:   s,
		size:    size,
		max:     max,
		width:   width,
		buckets: buckets,
	}
}

// TryAdmit records one admission for the pair when the ceiling allows it.
// now is passed in so callers and tests share one clock.
func (w *Window) TryAdmit(ctx context.Context, proxyKey, destKey string, now time.Time) (Result, error) {
	cur := now.UnixNano() / int64(w.width)

	// Current bucket last: the store increments the final key.
	keys := make([]string, 0, w.buckets+1)
	for i := cur - int64(w.buckets); i <= cur; i++ {
		keys = append(keys, w.bucketKey(proxyKey, destKey, i))
	}

	// Buckets must outlive their stay in the counted set.
	ttl := w.size + 2*w.width

	_, admitted, err := w.store.Admit(ctx, keys, w.max, ttl)
	if err != nil {
		return Result{}, fmt.Errorf("rate window admit: %w", err)
	}
	if admitted {
		return Result{Admitted: true}, nil
	}

	// The counted set next changes at the upcoming bucket boundary, when
	// the oldest bucket drops out.
	boundary := time.Unix(0, (cur+1)*int64(w.width))
	retry := boundary.Sub(now)
	if retry <= 0 {
		retry = time.Millisecond
	}
	return Result{RetryAfter: retry}, nil
}

func (w *Window) bucketKey(proxyKey, destKey string, idx int64) string {
	return fmt.Sprintf("pool:rw:%s:%s:%d", proxyKey, destKey, idx)
}
