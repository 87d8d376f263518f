package securestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/CedrosPay/entitlements/internal/purchases"
)

// FileStore keeps all metadata in one sealed file. Any modification of the file on disk
// makes the next open fail with ErrTampered.
type FileStore struct {
	path    string
	sealer  *Sealer
	mu      sync.RWMutex
	entries map[string]purchases.VerificationMetadata
}

func NewFileStore(path string, sealer *Sealer) (*FileStore, error) {
	if sealer == nil {
		return nil, fmt.Errorf("securestore: file backend requires a sealer")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("securestore: create directory: %w", err)
	}
	s := &FileStore{path: path, sealer: sealer, entries: make(map[string]purchases.VerificationMetadata)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	sealed, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("securestore: read file: %w", err)
	}
	plain, err := s.sealer.Open(sealed)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, &s.entries); err != nil {
		return fmt.Errorf("securestore: decode metadata: %w", err)
	}
	if s.entries == nil {
		s.entries = make(map[string]purchases.VerificationMetadata)
	}
	return nil
}

// write must be called with s.mu held.
func (s *FileStore) write(entries map[string]purchases.VerificationMetadata) error {
	plain, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("securestore: encode metadata: %w", err)
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("securestore: write file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("securestore: replace file: %w", err)
	}
	return nil
}

func (s *FileStore) Save(_ context.Context, md purchases.VerificationMetadata) error {
	if err := validate(md); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]purchases.VerificationMetadata, len(s.entries)+1)
	for k, v := range s.entries {
		next[k] = v
	}
	next[md.TransactionID] = md
	if err := s.write(next); err != nil {
		return err
	}
	s.entries = next
	return nil
}

func (s *FileStore) Get(_ context.Context, transactionID string) (purchases.VerificationMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.entries[transactionID]
	if !ok {
		return purchases.VerificationMetadata{}, ErrNotFound
	}
	return md, nil
}

func (s *FileStore) List(_ context.Context) ([]purchases.VerificationMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]purchases.VerificationMetadata, 0, len(s.entries))
	for _, md := range s.entries {
		out = append(out, md)
	}
	sortMetadata(out)
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[transactionID]; !ok {
		return ErrNotFound
	}
	next := make(map[string]purchases.VerificationMetadata, len(s.entries))
	for k, v := range s.entries {
		if k != transactionID {
			next[k] = v
		}
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.entries = next
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("securestore: remove file: %w", err)
	}
	s.entries = make(map[string]purchases.VerificationMetadata)
	return nil
}

func (s *FileStore) Close() error { return nil }
