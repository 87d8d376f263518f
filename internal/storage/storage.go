package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/purchases"
)

// ErrNotFound is returned when a requested purchase is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// Store is the local purchase table. Insert of an existing transaction ID updates the row.
type Store interface {
	Insert(ctx context.Context, p purchases.Purchase) error
	Update(ctx context.Context, transactionID string, patch Patch) error
	Select(ctx context.Context, filter Filter) ([]purchases.Purchase, error)
	Get(ctx context.Context, transactionID string) (purchases.Purchase, error)
	Delete(ctx context.Context, transactionID string) error
	Close() error
}

// SyncQuerier serves reads without blocking on I/O.
type SyncQuerier interface {
	SelectSync(filter Filter) ([]purchases.Purchase, error)
}

// Filter is an equality match over purchase columns. Zero values match everything.
type Filter struct {
	ProductID  string
	IsVerified *bool
	IsSynced   *bool
}

// Matches reports whether p satisfies every set field of f.
func (f Filter) Matches(p purchases.Purchase) bool {
	if f.ProductID != "" && p.ProductID != f.ProductID {
		return false
	}
	if f.IsVerified != nil && p.IsVerified != *f.IsVerified {
		return false
	}
	if f.IsSynced != nil && p.IsSynced != *f.IsSynced {
		return false
	}
	return true
}

// Patch is a partial update by transaction ID. Nil fields are left untouched.
type Patch struct {
	IsVerified      *bool
	IsSynced        *bool
	SyncedAt        *time.Time
	VerificationKey *string
}

// Apply writes the set fields of patch onto p.
func (patch Patch) Apply(p *purchases.Purchase) {
	if patch.IsVerified != nil {
		p.IsVerified = *patch.IsVerified
	}
	if patch.IsSynced != nil {
		p.IsSynced = *patch.IsSynced
	}
	if patch.SyncedAt != nil {
		t := *patch.SyncedAt
		p.SyncedAt = &t
	}
	if patch.VerificationKey != nil {
		p.VerificationKey = *patch.VerificationKey
	}
}

// Empty reports whether the patch changes nothing.
func (patch Patch) Empty() bool {
	return patch.IsVerified == nil && patch.IsSynced == nil && patch.SyncedAt == nil && patch.VerificationKey == nil
}

// MarkSynced is the patch restore and recovery apply to rows confirmed by platform history.
func MarkSynced(at time.Time) Patch {
	return Patch{IsSynced: Bool(true), SyncedAt: &at}
}

// Bool returns a pointer to b, for building filters and patches.
func Bool(b bool) *bool {
	return &b
}

// sortPurchases orders rows by purchase time, then transaction ID, so every backend agrees.
func sortPurchases(rows []purchases.Purchase) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].PurchasedAt.Equal(rows[j].PurchasedAt) {
			return rows[i].PurchasedAt.Before(rows[j].PurchasedAt)
		}
		return rows[i].TransactionID < rows[j].TransactionID
	})
}

func validateForInsert(p purchases.Purchase) error {
	if !purchases.ValidPurchase(p) {
		return fmt.Errorf("storage: purchase requires transaction id and product id")
	}
	return nil
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "file", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	FilePath        string
	TableName       string // Table or collection name (default: "purchases")
	QueryTimeout    time.Duration
	PostgresPool    config.PostgresPoolConfig
}

// StoreConfigFrom maps the application config section onto StoreConfig.
func StoreConfigFrom(cfg config.StorageConfig) StoreConfig {
	return StoreConfig{
		Backend:         cfg.Backend,
		PostgresURL:     cfg.PostgresURL,
		MongoDBURL:      cfg.MongoDBURL,
		MongoDBDatabase: cfg.MongoDBDatabase,
		FilePath:        cfg.FilePath,
		TableName:       cfg.TableName,
		QueryTimeout:    cfg.QueryTimeout.Duration,
		PostgresPool:    cfg.PostgresPool,
	}
}

// NewStore creates a Store for the configured backend.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(ctx, cfg, nil)
}

// NewStoreWithDB creates a Store, reusing sharedDB for the postgres backend when non-nil.
func NewStoreWithDB(ctx context.Context, cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	if cfg.TableName == "" {
		cfg.TableName = "purchases"
	}

	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file backend requires file_path")
		}
		return NewFileStore(cfg.FilePath)
	case "postgres":
		var (
			store *PostgresStore
			err   error
		)
		if sharedDB != nil {
			store, err = NewPostgresStoreWithDB(ctx, sharedDB, cfg.TableName)
		} else {
			if cfg.PostgresURL == "" {
				return nil, fmt.Errorf("postgres backend requires postgres_url")
			}
			store, err = NewPostgresStore(ctx, cfg.PostgresURL, cfg.TableName, cfg.PostgresPool)
		}
		if err != nil {
			return nil, err
		}
		store.queryTimeout = cfg.QueryTimeout
		return store, nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		store, err := NewMongoDBStore(ctx, cfg.MongoDBURL, cfg.MongoDBDatabase, cfg.TableName)
		if err != nil {
			return nil, err
		}
		store.queryTimeout = cfg.QueryTimeout
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
