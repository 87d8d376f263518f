// Package securestore persists verification provenance separately from the purchase table.
package securestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/CedrosPay/entitlements/internal/purchases"
)

// ErrNotFound is returned when no metadata exists for a transaction.
var ErrNotFound = errors.New("securestore: not found")

// Store holds VerificationMetadata keyed by transaction ID.
type Store interface {
	Save(ctx context.Context, md purchases.VerificationMetadata) error
	Get(ctx context.Context, transactionID string) (purchases.VerificationMetadata, error)
	List(ctx context.Context) ([]purchases.VerificationMetadata, error)
	Delete(ctx context.Context, transactionID string) error
	// Clear removes every entry in a single call.
	Clear(ctx context.Context) error
	Close() error
}

func validate(md purchases.VerificationMetadata) error {
	if md.TransactionID == "" {
		return fmt.Errorf("securestore: metadata requires transaction id")
	}
	return nil
}

func sortMetadata(out []purchases.VerificationMetadata) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].VerifiedAt.Equal(out[j].VerifiedAt) {
			return out[i].VerifiedAt.Before(out[j].VerifiedAt)
		}
		return out[i].TransactionID < out[j].TransactionID
	})
}

// MemoryStore keeps metadata for the process lifetime.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]purchases.VerificationMetadata
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]purchases.VerificationMetadata)}
}

func (m *MemoryStore) Save(_ context.Context, md purchases.VerificationMetadata) error {
	if err := validate(md); err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[md.TransactionID] = md
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, transactionID string) (purchases.VerificationMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.entries[transactionID]
	if !ok {
		return purchases.VerificationMetadata{}, ErrNotFound
	}
	return md, nil
}

func (m *MemoryStore) List(_ context.Context) ([]purchases.VerificationMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]purchases.VerificationMetadata, 0, len(m.entries))
	for _, md := range m.entries {
		out = append(out, md)
	}
	sortMetadata(out)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[transactionID]; !ok {
		return ErrNotFound
	}
	delete(m.entries, transactionID)
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]purchases.VerificationMetadata)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
