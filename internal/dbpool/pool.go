package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/CedrosPay/entitlements/internal/config"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// SharedPool owns the single PostgreSQL pool shared by the purchase store and readiness checks.
type SharedPool struct {
	db *sql.DB
}

// NewSharedPool opens and pings a pool, failing fast when the database is unreachable.
func NewSharedPool(ctx context.Context, connectionString string, poolConfig config.PostgresPoolConfig) (*SharedPool, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)
	return &SharedPool{db: db}, nil
}

func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Ping reports whether the pool can still reach the database.
func (p *SharedPool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Stats exposes pool statistics for the metrics collector.
func (p *SharedPool) Stats() sql.DBStats {
	return p.db.Stats()
}

// Close is safe to call more than once.
func (p *SharedPool) Close() error {
	return p.db.Close()
}
