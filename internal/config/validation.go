package config

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.TableName == "" {
		c.Storage.TableName = "purchases"
	}
	if c.Storage.QueryTimeout.Duration <= 0 {
		c.Storage.QueryTimeout = Duration{Duration: 5 * time.Second}
	}
	if c.Storage.MirrorRefresh.Duration <= 0 {
		c.Storage.MirrorRefresh = Duration{Duration: time.Minute}
	}

	c.SecureStore.Backend = strings.ToLower(strings.TrimSpace(c.SecureStore.Backend))
	if c.SecureStore.Backend == "" {
		c.SecureStore.Backend = "memory"
	}
	if c.SecureStore.RedisKey == "" {
		c.SecureStore.RedisKey = "verification_metadata"
	}

	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	if c.Retry.BaseDelay.Duration <= 0 {
		c.Retry.BaseDelay = Duration{Duration: time.Second}
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = 2.0
	}
	if c.Offline.TTL.Duration <= 0 {
		c.Offline.TTL = Duration{Duration: 24 * time.Hour}
	}
	if c.Monitoring.Window.Duration <= 0 {
		c.Monitoring.Window = Duration{Duration: 5 * time.Minute}
	}
	if c.Monitoring.ErrorRateThreshold <= 0 {
		c.Monitoring.ErrorRateThreshold = 10
	}
	if c.Monitoring.RingSize <= 0 {
		c.Monitoring.RingSize = 1000
	}
	if c.Reconcile.Interval.Duration <= 0 {
		c.Reconcile.Interval = Duration{Duration: 6 * time.Hour}
	}
	if c.RateLimit.GlobalLimit <= 0 {
		c.RateLimit.GlobalLimit = 1000
	}
	if c.RateLimit.GlobalWindow.Duration <= 0 {
		c.RateLimit.GlobalWindow = Duration{Duration: time.Minute}
	}
	if c.RateLimit.RestoreLimit <= 0 {
		c.RateLimit.RestoreLimit = 5
	}
	if c.RateLimit.RestoreWindow.Duration <= 0 {
		c.RateLimit.RestoreWindow = Duration{Duration: time.Minute}
	}

	for i := range c.Features {
		c.Features[i].Level = strings.ToLower(strings.TrimSpace(c.Features[i].Level))
	}
	for i := range c.Products {
		if c.Products[i].CurrencyCode == "" {
			c.Products[i].CurrencyCode = "USD"
		}
		c.Products[i].CurrencyCode = strings.ToUpper(c.Products[i].CurrencyCode)
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "memory":
	case "file":
		if c.Storage.FilePath == "" {
			errs = append(errs, "storage.file_path is required when backend is 'file'")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory, file, postgres, mongodb)", c.Storage.Backend))
	}
	if !validIdentifier(c.Storage.TableName) {
		errs = append(errs, fmt.Sprintf("storage.table_name %q must contain only letters, digits and underscores", c.Storage.TableName))
	}

	switch c.SecureStore.Backend {
	case "memory":
	case "file":
		if c.SecureStore.FilePath == "" {
			errs = append(errs, "secure_store.file_path is required when backend is 'file'")
		}
	case "redis":
		if c.SecureStore.RedisURL == "" {
			errs = append(errs, "secure_store.redis_url is required when backend is 'redis'")
		}
	default:
		errs = append(errs, fmt.Sprintf("secure_store.backend %q is not supported (memory, file, redis)", c.SecureStore.Backend))
	}
	if c.SecureStore.Backend != "memory" {
		key, err := hex.DecodeString(c.SecureStore.SealKey)
		if err != nil || len(key) != 32 {
			errs = append(errs, "ENTITLEMENTS_SECURE_STORE_SEAL_KEY must be 64 hex characters for persistent secure store backends")
		}
	}

	if c.Billing.BridgeURL != "" {
		if u, err := url.Parse(c.Billing.BridgeURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("billing.bridge_url %q is not a valid URL", c.Billing.BridgeURL))
		}
	}

	if c.Alerts.WebhookURL != "" {
		if u, err := url.Parse(c.Alerts.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("alerts.webhook_url %q is not a valid URL", c.Alerts.WebhookURL))
		}
		if c.Alerts.MaxAttempts < 1 {
			errs = append(errs, "alerts.max_attempts must be at least 1")
		}
	}

	if c.Auth.Required && c.Auth.JWTSecret == "" {
		errs = append(errs, "ENTITLEMENTS_JWT_SECRET is required when auth.required is true")
	}

	if (c.Export.S3AccessKey == "") != (c.Export.S3SecretKey == "") {
		errs = append(errs, "export s3 access key and secret key must be set together")
	}

	if c.FeaturesFile != "" && len(c.Features) > 0 {
		errs = append(errs, "features and features_file cannot both be set")
	}

	seen := make(map[string]bool, len(c.Features))
	for _, f := range c.Features {
		if f.ID == "" {
			errs = append(errs, "features: every feature needs an id")
			continue
		}
		if seen[f.ID] {
			errs = append(errs, fmt.Sprintf("features: duplicate id %q", f.ID))
		}
		seen[f.ID] = true
		switch f.Level {
		case "free":
		case "premium":
			if f.RequiredProductID == "" {
				errs = append(errs, fmt.Sprintf("features: premium feature %q needs required_product_id", f.ID))
			}
		default:
			errs = append(errs, fmt.Sprintf("features: feature %q has unknown level %q", f.ID, f.Level))
		}
	}

	for _, p := range c.Products {
		if p.ID == "" {
			errs = append(errs, "products: every product needs an id")
		}
		if p.Price < 0 {
			errs = append(errs, fmt.Sprintf("products: product %q has a negative price", p.ID))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// ApplyPostgresPoolSettings applies connection pool settings, falling back to defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}
	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
