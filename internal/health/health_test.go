package health

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fabian4/proxypool-homebrew-go/internal/store"
)

func newManager(t *testing.T, cooldown time.Duration) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(store.NewRedis(client, time.Second), cooldown, nil), mr
}

func TestManager_EligibleByDefault(t *testing.T) {
	m, _ := newManager(t, time.Minute)

	ok, remaining, err := m.IsEligible(context.Background(), "p1")
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if !ok {
		t.Fatalf("fresh proxy should be eligible")
	}
	if remaining != 0 {
		t.Fatalf("remaining = %v, want 0", remaining)
	}
}

func TestManager_DeactivationAndAutomaticReactivation(t *testing.T) {
	m, mr := newManager(t, time.Minute)
	ctx := context.Background()

	if err := m.ReportTooManyRequests(ctx, "p1"); err != nil {
		t.Fatalf("report: %v", err)
	}

	ok, remaining, err := m.IsEligible(ctx, "p1")
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if ok {
		t.Fatalf("expected p1 deactivated")
	}
	if remaining <= 0 || remaining > time.Minute {
		t.Fatalf("remaining = %v, want within (0, 1m]", remaining)
	}

	// Other proxies are untouched.
	if ok, _, _ := m.IsEligible(ctx, "p2"); !ok {
		t.Fatalf("p2 should stay eligible")
	}

	// Cooldown elapses: eligible again with no explicit transition.
	mr.FastForward(time.Minute + time.Second)
	if ok, _, _ = m.IsEligible(ctx, "p1"); !ok {
		t.Fatalf("expected p1 eligible after cooldown")
	}
}

func TestManager_RepeatReportResetsCooldown(t *testing.T) {
	m, mr := newManager(t, time.Minute)
	ctx := context.Background()

	if err := m.ReportTooManyRequests(ctx, "p1"); err != nil {
		t.Fatalf("report: %v", err)
	}
	mr.FastForward(40 * time.Second)

	// Second 429 restarts the full cooldown rather than extending it.
	if err := m.ReportTooManyRequests(ctx, "p1"); err != nil {
		t.Fatalf("report: %v", err)
	}
	mr.FastForward(40 * time.Second)

	if ok, _, _ := m.IsEligible(ctx, "p1"); ok {
		t.Fatalf("p1 should still be deactivated 40s into a fresh cooldown")
	}
	mr.FastForward(21 * time.Second)
	if ok, _, _ := m.IsEligible(ctx, "p1"); !ok {
		t.Fatalf("p1 should be eligible after the reset cooldown")
	}
}

func TestManager_Reactivate(t *testing.T) {
	m, _ := newManager(t, time.Minute)
	ctx := context.Background()

	if err := m.ReportTooManyRequests(ctx, "p1"); err != nil {
		t.Fatalf("report: %v", err)
	}
	if err := m.Reactivate(ctx, "p1"); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if ok, _, _ := m.IsEligible(ctx, "p1"); !ok {
		t.Fatalf("expected p1 eligible after manual reactivation")
	}
}
