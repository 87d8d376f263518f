package cacheutil

import (
	"sync"
	"time"
)

// WriteThrough runs the authoritative write and, only when it succeeds, applies the
// same change to the local mirror. A failed write leaves the mirror untouched.
func WriteThrough(applyLocal func(), operation func() error) error {
	if err := operation(); err != nil {
		return err
	}
	applyLocal()
	return nil
}

// ReadThrough serves from the mirror while checkCache reports it fresh and otherwise
// reloads under the write lock. The freshness check is repeated after the lock is
// taken so concurrent callers trigger a single reload.
func ReadThrough[T any](
	mu *sync.RWMutex,
	now func() time.Time,
	checkCache func(now time.Time) (T, bool),
	fetchAndCache func(now time.Time) (T, error),
) (T, error) {
	mu.RLock()
	if value, ok := checkCache(now()); ok {
		mu.RUnlock()
		return value, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	t := now()
	if value, ok := checkCache(t); ok {
		return value, nil
	}
	return fetchAndCache(t)
}
