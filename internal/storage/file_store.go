package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/CedrosPay/entitlements/internal/purchases"
)

// FileStore keeps the purchase table in a JSON file next to the app data.
// Every mutation rewrites the file atomically (temp file + rename) before returning.
type FileStore struct {
	filePath string
	mu       sync.RWMutex
	rows     map[string]purchases.Purchase
}

type fileData struct {
	Version   int                           `json:"version"`
	Purchases map[string]purchases.Purchase `json:"purchases"`
}

const fileFormatVersion = 1

// NewFileStore opens or creates the JSON file at filePath.
func NewFileStore(filePath string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	store := &FileStore{
		filePath: filePath,
		rows:     make(map[string]purchases.Purchase),
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var fd fileData
	if err := json.Unmarshal(data, &fd); err != nil {
		return fmt.Errorf("unmarshal purchases: %w", err)
	}
	if fd.Purchases != nil {
		s.rows = fd.Purchases
	}
	return nil
}

// persist must be called with s.mu held for writing.
func (s *FileStore) persist(rows map[string]purchases.Purchase) error {
	data, err := json.MarshalIndent(fileData{Version: fileFormatVersion, Purchases: rows}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal purchases: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.filePath), ".purchases-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace purchases file: %w", err)
	}
	return nil
}

// mutate applies fn to a copy of the rows and commits it only if the file write succeeds.
func (s *FileStore) mutate(fn func(rows map[string]purchases.Purchase) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]purchases.Purchase, len(s.rows)+1)
	for k, v := range s.rows {
		next[k] = v
	}
	if err := fn(next); err != nil {
		return err
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.rows = next
	return nil
}

func (s *FileStore) Insert(_ context.Context, p purchases.Purchase) error {
	if err := validateForInsert(p); err != nil {
		return err
	}
	return s.mutate(func(rows map[string]purchases.Purchase) error {
		rows[p.TransactionID] = stripDerived(p)
		return nil
	})
}

func (s *FileStore) Update(_ context.Context, transactionID string, patch Patch) error {
	return s.mutate(func(rows map[string]purchases.Purchase) error {
		row, ok := rows[transactionID]
		if !ok {
			return ErrNotFound
		}
		patch.Apply(&row)
		rows[transactionID] = row
		return nil
	})
}

func (s *FileStore) Delete(_ context.Context, transactionID string) error {
	return s.mutate(func(rows map[string]purchases.Purchase) error {
		if _, ok := rows[transactionID]; !ok {
			return ErrNotFound
		}
		delete(rows, transactionID)
		return nil
	})
}

func (s *FileStore) Select(_ context.Context, filter Filter) ([]purchases.Purchase, error) {
	return s.SelectSync(filter)
}

// SelectSync serves reads from the in-memory copy of the file.
func (s *FileStore) SelectSync(filter Filter) ([]purchases.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]purchases.Purchase, 0, len(s.rows))
	for _, row := range s.rows {
		if filter.Matches(row) {
			out = append(out, row.Clone())
		}
	}
	sortPurchases(out)
	return out, nil
}

func (s *FileStore) Get(_ context.Context, transactionID string) (purchases.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[transactionID]
	if !ok {
		return purchases.Purchase{}, ErrNotFound
	}
	return row.Clone(), nil
}

func (s *FileStore) Close() error {
	return nil
}
