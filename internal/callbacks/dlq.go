package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FailedDelivery is an alert that exhausted its attempts.
type FailedDelivery struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	Payload     json.RawMessage `json:"payload"`
	EventType   string          `json:"eventType"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"lastError"`
	LastAttempt time.Time       `json:"lastAttempt"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// DLQStore keeps failed alerts for inspection and manual replay.
type DLQStore interface {
	SaveFailedDelivery(ctx context.Context, d FailedDelivery) error
	// ListFailedDeliveries returns oldest first; limit <= 0 means all.
	ListFailedDeliveries(ctx context.Context, limit int) ([]FailedDelivery, error)
	DeleteFailedDelivery(ctx context.Context, id string) error
}

// MemoryDLQStore keeps failed alerts in process memory.
type MemoryDLQStore struct {
	mu    sync.RWMutex
	items map[string]FailedDelivery
}

func NewMemoryDLQStore() *MemoryDLQStore {
	return &MemoryDLQStore{items: make(map[string]FailedDelivery)}
}

func (m *MemoryDLQStore) SaveFailedDelivery(_ context.Context, d FailedDelivery) error {
	m.mu.Lock()
	m.items[d.ID] = d
	m.mu.Unlock()
	return nil
}

func (m *MemoryDLQStore) ListFailedDeliveries(_ context.Context, limit int) ([]FailedDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return oldestFirst(m.items, limit), nil
}

func (m *MemoryDLQStore) DeleteFailedDelivery(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.items, id)
	m.mu.Unlock()
	return nil
}

// FileDLQStore persists failed alerts as one JSON document, rewritten atomically on
// every change.
type FileDLQStore struct {
	mu    sync.Mutex
	path  string
	items map[string]FailedDelivery
}

func NewFileDLQStore(path string) (*FileDLQStore, error) {
	s := &FileDLQStore{path: path, items: make(map[string]FailedDelivery)}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read dlq file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.items); err != nil {
			return nil, fmt.Errorf("decode dlq file: %w", err)
		}
	}
	return s, nil
}

func (f *FileDLQStore) SaveFailedDelivery(_ context.Context, d FailedDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[d.ID] = d
	return f.persistLocked()
}

func (f *FileDLQStore) ListFailedDeliveries(_ context.Context, limit int) ([]FailedDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return oldestFirst(f.items, limit), nil
}

func (f *FileDLQStore) DeleteFailedDelivery(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[id]; !ok {
		return nil
	}
	delete(f.items, id)
	return f.persistLocked()
}

func (f *FileDLQStore) persistLocked() error {
	data, err := json.MarshalIndent(f.items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode dlq: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create dlq dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write dlq: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace dlq: %w", err)
	}
	return nil
}

func (f *FileDLQStore) Close() error { return nil }

func oldestFirst(items map[string]FailedDelivery, limit int) []FailedDelivery {
	out := make([]FailedDelivery, 0, len(items))
	for _, d := range items {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
