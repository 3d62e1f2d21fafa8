package store

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Failover fails open: every operation goes to the shared primary first
// and degrades to a process-local Memory store when the primary is
// unreachable. While degraded, rate and deactivation state is only
// enforced per process; the pool stays available instead of refusing
// every acquire.
type Failover struct {
	primary  Store
	local    *Memory
	log      *zap.Logger
	degraded atomic.Bool
}

func NewFailover(primary Store, log *zap.Logger) *Failover {
	if log == nil {
		log = zap.NewNop()
	}
	return &Failover{primary: primary, local: NewMemory(), log: log}
}

// Degraded reports whether the last primary operation failed.
func (s *Failover) Degraded() bool {
	return s.degraded.Load()
}

func (s *Failover) observe(err error) bool {
	if err == nil {
		if s.degraded.CompareAndSwap(true, false) {
			s.log.Info("shared store recovered, resuming cross-process state")
		}
		return false
	}
	if s.degraded.CompareAndSwap(false, true) {
		s.log.Warn("shared store unavailable, degrading to process-local state", zap.Error(err))
	}
	return true
}

func (s *Failover) Admit(ctx context.Context, keys []string, max int64, ttl time.Duration) (int64, bool, error) {
	total, admitted, err := s.primary.Admit(ctx, keys, max, ttl)
	if !s.observe(err) {
		return total, admitted, nil
	}
	return s.local.Admit(ctx, keys, max, ttl)
}

func (s *Failover) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	val, err := s.primary.IncrWithTTL(ctx, key, ttl)
	if !s.observe(err) {
		return val, nil
	}
	return s.local.IncrWithTTL(ctx, key, ttl)
}

func (s *Failover) Get(ctx context.Context, key string) (string, bool, error) {
	val, ok, err := s.primary.Get(ctx, key)
	if !s.observe(err) {
		return val, ok, nil
	}
	return s.local.Get(ctx, key)
}

func (s *Failover) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.primary.SetWithTTL(ctx, key, value, ttl)
	if !s.observe(err) {
		// Mirror writes locally so a later degradation still sees them.
		_ = s.local.SetWithTTL(ctx, key, value, ttl)
		return nil
	}
	return s.local.SetWithTTL(ctx, key, value, ttl)
}

func (s *Failover) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, ok, err := s.primary.TTL(ctx, key)
	if !s.observe(err) {
		return ttl, ok, nil
	}
	return s.local.TTL(ctx, key)
}

func (s *Failover) Remove(ctx context.Context, key string) error {
	err := s.primary.Remove(ctx, key)
	if !s.observe(err) {
		_ = s.local.Remove(ctx, key)
		return nil
	}
	return s.local.Remove(ctx, key)
}
