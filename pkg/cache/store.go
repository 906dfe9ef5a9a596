package cache

import (
	"context"
	"time"
)

// Store maps keys to cache entries.
//
// Get never returns an overtly dead entry (see CacheEntry.IsDead); dead entries found
// on read are removed. Stale-serving decisions are left to the caller, which reads
// expiry off the returned value. Callers always receive copies.
//
// Storage failures are reported through errors from Set, Clear, Prune and Count only;
// a read that cannot be decoded is a miss.
type Store interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Get returns the entry stored under key.
	Get(ctx context.Context, key string) (*CacheEntry, bool)

	// Set stores entry under key, replacing any previous entry. A positive
	// ttlOverride caps how long the store retains the entry.
	Set(ctx context.Context, key string, entry *CacheEntry, ttlOverride time.Duration) error

	// Has reports whether Get would return an entry.
	Has(ctx context.Context, key string) bool

	// Delete removes key and reports whether it was present.
	Delete(ctx context.Context, key string) bool

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Prune removes every expired entry, ignoring stale windows, and returns the count.
	Prune(ctx context.Context) (int, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
}

// Clock returns the current time. Stores and the orchestrator take one for tests.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// prunable reports whether Prune should remove e: expired with no grace, or past retention.
func prunable(e *CacheEntry, now time.Time) bool {
	if e.RetainUntil != nil && !now.Before(*e.RetainUntil) {
		return true
	}
	return e.IsExpired(now)
}
