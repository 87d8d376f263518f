package storage

import (
	"context"
	"sync"

	"github.com/CedrosPay/entitlements/internal/purchases"
)

// MemoryStore is an in-memory Store suitable for tests and single-device deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]purchases.Purchase
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]purchases.Purchase)}
}

func (m *MemoryStore) Insert(_ context.Context, p purchases.Purchase) error {
	if err := validateForInsert(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.TransactionID] = stripDerived(p)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, transactionID string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[transactionID]
	if !ok {
		return ErrNotFound
	}
	patch.Apply(&row)
	m.rows[transactionID] = row
	return nil
}

func (m *MemoryStore) Select(_ context.Context, filter Filter) ([]purchases.Purchase, error) {
	return m.SelectSync(filter)
}

// SelectSync reads under a read lock and never blocks on I/O.
func (m *MemoryStore) SelectSync(filter Filter) ([]purchases.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]purchases.Purchase, 0, len(m.rows))
	for _, row := range m.rows {
		if filter.Matches(row) {
			out = append(out, row.Clone())
		}
	}
	sortPurchases(out)
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, transactionID string) (purchases.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[transactionID]
	if !ok {
		return purchases.Purchase{}, ErrNotFound
	}
	return row.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[transactionID]; !ok {
		return ErrNotFound
	}
	delete(m.rows, transactionID)
	return nil
}

// Replace swaps the full contents, used by CachedStore when warming its mirror.
func (m *MemoryStore) Replace(rows []purchases.Purchase) {
	next := make(map[string]purchases.Purchase, len(rows))
	for _, row := range rows {
		next[row.TransactionID] = stripDerived(row)
	}
	m.mu.Lock()
	m.rows = next
	m.mu.Unlock()
}

func (m *MemoryStore) insertIfAbsent(p purchases.Purchase) {
	if validateForInsert(p) != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[p.TransactionID]; !ok {
		m.rows[p.TransactionID] = stripDerived(p)
	}
}

// Len returns the row count.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func (m *MemoryStore) Close() error {
	return nil
}

// stripDerived drops fields that are computed on read rather than stored.
func stripDerived(p purchases.Purchase) purchases.Purchase {
	out := p.Clone()
	out.UnlockedFeatures = nil
	return out
}
