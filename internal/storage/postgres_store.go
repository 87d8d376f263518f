package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. Timestamps are stored as epoch seconds.
type PostgresStore struct {
	db           *sql.DB
	ownsDB       bool // Close only closes pools we opened
	table        string
	queryTimeout time.Duration
}

// NewPostgresStore opens a dedicated pool and creates the purchase table if needed.
func NewPostgresStore(ctx context.Context, connectionString, table string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := &PostgresStore{db: db, ownsDB: true, table: table}
	if err := store.createTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB uses an existing connection pool.
func NewPostgresStoreWithDB(ctx context.Context, db *sql.DB, table string) (*PostgresStore, error) {
	store := &PostgresStore{db: db, table: table}
	if err := store.createTable(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) quotedTable() string {
	return pq.QuoteIdentifier(s.table)
}

func (s *PostgresStore) createTable(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			transaction_id   TEXT PRIMARY KEY,
			product_id       TEXT NOT NULL,
			purchased_at     BIGINT NOT NULL,
			price            DOUBLE PRECISION NOT NULL DEFAULT 0,
			currency_code    TEXT NOT NULL DEFAULT '',
			is_verified      BOOLEAN NOT NULL DEFAULT FALSE,
			is_synced        BOOLEAN NOT NULL DEFAULT FALSE,
			synced_at        BIGINT,
			verification_key TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (product_id);
	`, s.quotedTable(), pq.QuoteIdentifier("idx_"+s.table+"_product_id"))

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create purchases table: %w", err)
	}
	return nil
}

const purchaseColumns = "transaction_id, product_id, purchased_at, price, currency_code, is_verified, is_synced, synced_at, verification_key"

// Insert upserts by transaction_id.
func (s *PostgresStore) Insert(ctx context.Context, p purchases.Purchase) error {
	if err := validateForInsert(p); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (transaction_id) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			purchased_at = EXCLUDED.purchased_at,
			price = EXCLUDED.price,
			currency_code = EXCLUDED.currency_code,
			is_verified = EXCLUDED.is_verified,
			is_synced = EXCLUDED.is_synced,
			synced_at = EXCLUDED.synced_at,
			verification_key = EXCLUDED.verification_key
	`, s.quotedTable(), purchaseColumns)

	_, err := s.db.ExecContext(ctx, query,
		p.TransactionID,
		p.ProductID,
		p.PurchasedAt.Unix(),
		p.Price,
		p.CurrencyCode,
		p.IsVerified,
		p.IsSynced,
		epochOrNull(p.SyncedAt),
		p.VerificationKey,
	)
	if err != nil {
		return fmt.Errorf("upsert purchase: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, transactionID string, patch Patch) error {
	if patch.Empty() {
		_, err := s.Get(ctx, transactionID)
		return err
	}
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.IsVerified != nil {
		add("is_verified", *patch.IsVerified)
	}
	if patch.IsSynced != nil {
		add("is_synced", *patch.IsSynced)
	}
	if patch.SyncedAt != nil {
		add("synced_at", patch.SyncedAt.Unix())
	}
	if patch.VerificationKey != nil {
		add("verification_key", *patch.VerificationKey)
	}
	args = append(args, transactionID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE transaction_id = $%d",
		s.quotedTable(), strings.Join(sets, ", "), len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update purchase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update purchase rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Select(ctx context.Context, filter Filter) ([]purchases.Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		where = append(where, fmt.Sprintf("product_id = $%d", len(args)))
	}
	if filter.IsVerified != nil {
		args = append(args, *filter.IsVerified)
		where = append(where, fmt.Sprintf("is_verified = $%d", len(args)))
	}
	if filter.IsSynced != nil {
		args = append(args, *filter.IsSynced)
		where = append(where, fmt.Sprintf("is_synced = $%d", len(args)))
	}

	query := fmt.Sprintf("SELECT %s FROM %s", purchaseColumns, s.quotedTable())
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY purchased_at, transaction_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", err)
	}
	defer rows.Close()

	var out []purchases.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchases: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, transactionID string) (purchases.Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE transaction_id = $1", purchaseColumns, s.quotedTable())
	p, err := scanPurchase(s.db.QueryRowContext(ctx, query, transactionID))
	if err == sql.ErrNoRows {
		return purchases.Purchase{}, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) Delete(ctx context.Context, transactionID string) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE transaction_id = $1", s.quotedTable()), transactionID)
	if err != nil {
		return fmt.Errorf("delete purchase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete purchase rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (purchases.Purchase, error) {
	var (
		p           purchases.Purchase
		purchasedAt int64
		syncedAt    sql.NullInt64
	)
	err := row.Scan(
		&p.TransactionID,
		&p.ProductID,
		&purchasedAt,
		&p.Price,
		&p.CurrencyCode,
		&p.IsVerified,
		&p.IsSynced,
		&syncedAt,
		&p.VerificationKey,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return purchases.Purchase{}, err
		}
		return purchases.Purchase{}, fmt.Errorf("scan purchase: %w", err)
	}
	p.PurchasedAt = time.Unix(purchasedAt, 0).UTC()
	if syncedAt.Valid {
		t := time.Unix(syncedAt.Int64, 0).UTC()
		p.SyncedAt = &t
	}
	return p, nil
}

func epochOrNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
