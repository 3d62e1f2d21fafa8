package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fabian4/proxypool-homebrew-go/internal/store"
)

// Manager tracks which proxies are temporarily deactivated after a
// destination rate-limited them (HTTP 429). Records live in the shared
// store so a 429 seen by one process takes the proxy out of rotation
// everywhere. There is no stored "active" state: eligibility is the
// absence of an unexpired record.
type Manager struct {
	store    store.Store
	cooldown time.Duration
	log      *zap.Logger
}

// New builds a manager with the given cooldown. A non-positive cooldown
// defaults to 5 minutes.
func New(s store.Store, cooldown time.Duration, log *zap.Logger) *Manager {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: s, cooldown: cooldown, log: log}
}

// ReportTooManyRequests deactivates the proxy for one full cooldown from
// now. A repeat 429 overwrites the record, restarting the cooldown.
func (m *Manager) ReportTooManyRequests(ctx context.Context, proxyKey string) error {
	until := time.Now().Add(m.cooldown)
	err := m.store.SetWithTTL(ctx, deactivationKey(proxyKey), until.UTC().Format(time.RFC3339Nano), m.cooldown)
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", proxyKey, err)
	}
	m.log.Warn("proxy deactivated after 429",
		zap.String("proxy", proxyKey),
		zap.Duration("cooldown", m.cooldown))
	return nil
}

// IsEligible reports whether the proxy may be selected. Reactivation is
// implicit: once the record's TTL runs out the proxy is eligible again.
// remaining is the time left on an active deactivation, zero otherwise.
func (m *Manager) IsEligible(ctx context.Context, proxyKey string) (eligible bool, remaining time.Duration, err error) {
	ttl, ok, err := m.store.TTL(ctx, deactivationKey(proxyKey))
	if err != nil {
		return false, 0, fmt.Errorf("eligibility %s: %w", proxyKey, err)
	}
	if !ok || ttl <= 0 {
		return true, 0, nil
	}
	return false, ttl, nil
}

// Reactivate drops the deactivation record early. Operational escape
// hatch; normal reactivation is TTL expiry.
func (m *Manager) Reactivate(ctx context.Context, proxyKey string) error {
	if err := m.store.Remove(ctx, deactivationKey(proxyKey)); err != nil {
		return fmt.Errorf("reactivate %s: %w", proxyKey, err)
	}
	return nil
}

func deactivationKey(proxyKey string) string {
	return "pool:deactivated:" + proxyKey
}
