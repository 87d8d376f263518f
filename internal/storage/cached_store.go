package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/CedrosPay/entitlements/internal/cacheutil"
	"github.com/CedrosPay/entitlements/internal/purchases"
)

// CachedStore fronts a remote Store with an in-memory mirror so SelectSync never waits
// on the network. Reads that may block go to the backing store and fill in mirror rows
// they find missing; writes go to the backing store first and are mirrored only after
// they succeed. Run keeps the mirror in step with writers on other instances.
type CachedStore struct {
	backing Store
	mirror  *MemoryStore

	// reload is held exclusively while the mirror is swapped and shared by writers,
	// so a write is never lost to a reload that read the backing store before it.
	reload sync.RWMutex

	mu         sync.RWMutex
	loadedAt   time.Time
	maxAge     time.Duration
	retryDelay time.Duration
	now        func() time.Time
}

// CachedStoreOption configures a CachedStore.
type CachedStoreOption func(*CachedStore)

// WithMaxAge sets how long a warmed mirror is considered fresh by Refresh.
func WithMaxAge(d time.Duration) CachedStoreOption {
	return func(c *CachedStore) { c.maxAge = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) CachedStoreOption {
	return func(c *CachedStore) { c.now = now }
}

// WithRetryDelay sets how soon Run retries after a failed reload.
func WithRetryDelay(d time.Duration) CachedStoreOption {
	return func(c *CachedStore) { c.retryDelay = d }
}

func NewCachedStore(backing Store, opts ...CachedStoreOption) *CachedStore {
	c := &CachedStore{
		backing:    backing,
		mirror:     NewMemoryStore(),
		maxAge:     5 * time.Minute,
		retryDelay: 5 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Warm loads every row from the backing store into the mirror.
func (c *CachedStore) Warm(ctx context.Context) error {
	c.reload.Lock()
	rows, err := c.backing.Select(ctx, Filter{})
	if err == nil {
		c.mirror.Replace(rows)
	}
	c.reload.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.loadedAt = c.now()
	c.mu.Unlock()
	return nil
}

// Warmed reports whether the mirror has been loaded at least once.
func (c *CachedStore) Warmed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.loadedAt.IsZero()
}

// Run reloads the mirror every interval until ctx is done. A failed reload is retried
// after the retry delay instead of waiting a full interval; onError may be nil.
func (c *CachedStore) Run(ctx context.Context, every time.Duration, onError func(error)) {
	if every <= 0 {
		every = c.maxAge
	}
	for {
		wait := every
		if err := c.Warm(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if onError != nil {
				onError(err)
			}
			if c.retryDelay < every {
				wait = c.retryDelay
			}
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Refresh reloads the mirror when it is older than maxAge and returns its rows.
func (c *CachedStore) Refresh(ctx context.Context) ([]purchases.Purchase, error) {
	return cacheutil.ReadThrough(
		&c.mu,
		c.now,
		func(now time.Time) ([]purchases.Purchase, bool) {
			if c.loadedAt.IsZero() || now.Sub(c.loadedAt) >= c.maxAge {
				return nil, false
			}
			rows, _ := c.mirror.SelectSync(Filter{})
			return rows, true
		},
		func(now time.Time) ([]purchases.Purchase, error) {
			c.reload.Lock()
			defer c.reload.Unlock()
			rows, err := c.backing.Select(ctx, Filter{})
			if err != nil {
				return nil, err
			}
			c.mirror.Replace(rows)
			c.loadedAt = now
			return rows, nil
		},
	)
}

func (c *CachedStore) Insert(ctx context.Context, p purchases.Purchase) error {
	c.reload.RLock()
	defer c.reload.RUnlock()
	return cacheutil.WriteThrough(
		func() { _ = c.mirror.Insert(ctx, p) },
		func() error { return c.backing.Insert(ctx, p) },
	)
}

// Update mirrors the patch. A row the mirror has not seen yet is fetched from the
// backing store after the write so the mirror holds its updated state.
func (c *CachedStore) Update(ctx context.Context, transactionID string, patch Patch) error {
	c.reload.RLock()
	defer c.reload.RUnlock()
	return cacheutil.WriteThrough(
		func() {
			if err := c.mirror.Update(ctx, transactionID, patch); !errors.Is(err, ErrNotFound) {
				return
			}
			if row, err := c.backing.Get(ctx, transactionID); err == nil {
				_ = c.mirror.Insert(ctx, row)
			}
		},
		func() error { return c.backing.Update(ctx, transactionID, patch) },
	)
}

func (c *CachedStore) Delete(ctx context.Context, transactionID string) error {
	c.reload.RLock()
	defer c.reload.RUnlock()
	err := c.backing.Delete(ctx, transactionID)
	if err == nil || errors.Is(err, ErrNotFound) {
		_ = c.mirror.Delete(ctx, transactionID)
	}
	return err
}

func (c *CachedStore) Select(ctx context.Context, filter Filter) ([]purchases.Purchase, error) {
	rows, err := c.backing.Select(ctx, filter)
	if err != nil {
		return nil, err
	}
	c.fillMissing(rows...)
	return rows, nil
}

func (c *CachedStore) Get(ctx context.Context, transactionID string) (purchases.Purchase, error) {
	row, err := c.backing.Get(ctx, transactionID)
	if err != nil {
		return row, err
	}
	c.fillMissing(row)
	return row, nil
}

// fillMissing adds rows the mirror lacks. Rows already mirrored are left alone since
// a read may race a newer write from this instance.
func (c *CachedStore) fillMissing(rows ...purchases.Purchase) {
	c.reload.RLock()
	defer c.reload.RUnlock()
	for _, row := range rows {
		c.mirror.insertIfAbsent(row)
	}
}

// SelectSync answers from the mirror.
func (c *CachedStore) SelectSync(filter Filter) ([]purchases.Purchase, error) {
	return c.mirror.SelectSync(filter)
}

func (c *CachedStore) Close() error {
	return c.backing.Close()
}

// AsSyncQuerier returns the store's non-blocking reader, wrapping remote backends in a
// CachedStore when needed.
func AsSyncQuerier(s Store) (Store, SyncQuerier) {
	if q, ok := s.(SyncQuerier); ok {
		return s, q
	}
	cached := NewCachedStore(s)
	return cached, cached
}
