package securestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/redis/go-redis/v9"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealerFromHex(testKey)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	return s
}

func sample(id string, at time.Time) purchases.VerificationMetadata {
	return purchases.VerificationMetadata{
		TransactionID: id,
		ProductID:     "premium_unlock",
		VerifiedAt:    at,
		SignatureKey:  "sig-" + id,
		Platform:      purchases.PlatformAndroid,
	}
}

// fakeRedis implements hashClient in memory.
type fakeRedis struct {
	mu   sync.Mutex
	hash map[string]map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hash: make(map[string]map[string]string)}
}

func (f *fakeRedis) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hash[key]
	if !ok {
		h = make(map[string]string)
		f.hash[key] = h
	}
	var n int64
	for i := 0; i+1 < len(values); i += 2 {
		field := values[i].(string)
		switch v := values[i+1].(type) {
		case []byte:
			h[field] = string(v)
		case string:
			h[field] = v
		}
		n++
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) HGet(_ context.Context, key, field string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.hash[key][field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hash[key]))
	for k, v := range f.hash[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (f *fakeRedis) HDel(_ context.Context, key string, fields ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, field := range fields {
		if _, ok := f.hash[key][field]; ok {
			delete(f.hash[key], field)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.hash, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (f *fakeRedis) Close() error { return nil }

func runContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Save(ctx, purchases.VerificationMetadata{}); err == nil {
		t.Fatal("expected error for empty transaction id")
	}

	if err := store.Save(ctx, sample("b", base.Add(time.Minute))); err != nil {
		t.Fatalf("save b: %v", err)
	}
	if err := store.Save(ctx, sample("a", base)); err != nil {
		t.Fatalf("save a: %v", err)
	}

	got, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if got.SignatureKey != "sig-a" || !got.VerifiedAt.Equal(base) {
		t.Errorf("unexpected metadata: %+v", got)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].TransactionID != "a" || list[1].TransactionID != "b" {
		t.Fatalf("unexpected list order: %+v", list)
	}

	if err := store.Delete(ctx, "b"); err != nil {
		t.Fatalf("delete b: %v", err)
	}
	if err := store.Delete(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should report ErrNotFound, got %v", err)
	}
	if _, err := store.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("b still present: %v", err)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	list, _ = store.List(ctx)
	if len(list) != 0 {
		t.Fatalf("expected empty store after clear, got %d", len(list))
	}
}

func TestMemoryStoreContract(t *testing.T) {
	runContract(t, NewMemoryStore())
}

func TestFileStoreContract(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "meta.sealed"), testSealer(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	runContract(t, store)
}

func TestRedisStoreContract(t *testing.T) {
	store, err := NewRedisStore(newFakeRedis(), "", testSealer(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	runContract(t, store)
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.sealed")
	sealer := testSealer(t)
	store, err := NewFileStore(path, sealer)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Save(context.Background(), sample("tx-1", time.Unix(1700000000, 0).UTC())); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened, err := NewFileStore(path, sealer)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.Get(context.Background(), "tx-1"); err != nil {
		t.Fatalf("expected entry after reopen: %v", err)
	}
}

func TestFileStoreDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.sealed")
	sealer := testSealer(t)
	store, err := NewFileStore(path, sealer)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Save(context.Background(), sample("tx-1", time.Now())); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := NewFileStore(path, sealer); !errors.Is(err, ErrTampered) {
		t.Fatalf("expected ErrTampered, got %v", err)
	}
}

func TestFileStoreRejectsWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.sealed")
	store, err := NewFileStore(path, testSealer(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Save(context.Background(), sample("tx-1", time.Now())); err != nil {
		t.Fatalf("save: %v", err)
	}

	other, _ := NewSealer(make([]byte, 32))
	if _, err := NewFileStore(path, other); !errors.Is(err, ErrTampered) {
		t.Fatalf("expected ErrTampered for wrong key, got %v", err)
	}
}

func TestSealerRejectsBadKeys(t *testing.T) {
	if _, err := NewSealer(make([]byte, 16)); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := NewSealerFromHex("not-hex"); err == nil {
		t.Error("expected error for non-hex key")
	}
}
