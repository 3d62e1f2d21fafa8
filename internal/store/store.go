package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks failures of the backing store itself (network,
// timeout). Callers can errors.Is against it to pick a degradation path.
var ErrUnavailable = errors.New("store unavailable")

// Store is the persistence contract shared by rate windows and
// deactivation records. All operations must be atomic with respect to
// concurrent callers in other processes; no compound read-then-write
// may race.
type Store interface {
	// Admit sums the counters at keys and, when the total is still below
	// max, increments the last key (creating it with ttl). Returns the
	// total including the new admission, and whether it was admitted.
	// The whole check-and-increment is a single atomic operation.
	Admit(ctx context.Context, keys []string, max int64, ttl time.Duration) (total int64, admitted bool, err error)

	// IncrWithTTL increments a counter, setting ttl when it is created.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// SetWithTTL stores value at key, overwriting any previous value and TTL.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// TTL returns the remaining lifetime of key and whether it exists
	// with an expiry.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}
