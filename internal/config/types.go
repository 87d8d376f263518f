package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses Go-style duration strings, or bare numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err == nil {
		d.Duration = parsed
		return nil
	}
	if secs, convErr := time.ParseDuration(raw + "s"); convErr == nil {
		d.Duration = secs
		return nil
	}
	return fmt.Errorf("invalid duration value %q: %w", raw, err)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the daemon configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	SecureStore    SecureStoreConfig    `yaml:"secure_store"`
	Verifier       VerifierConfig       `yaml:"verifier"`
	Billing        BillingConfig        `yaml:"billing"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Offline        OfflineConfig        `yaml:"offline"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
	Export         ExportConfig         `yaml:"export"`
	Alerts         AlertsConfig         `yaml:"alerts"`
	Auth           AuthConfig           `yaml:"auth"`
	Reconcile      ReconcileConfig      `yaml:"reconcile"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Subscription   SubscriptionConfig   `yaml:"subscription"`
	Features       []FeatureConfig      `yaml:"features"`
	FeaturesFile   string               `yaml:"features_file"` // standalone catalog YAML, exclusive with features
	Products       []ProductConfig      `yaml:"products"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"` // Optional prefix for all routes (e.g., "/api")
	MetricsAPIKey      string   `yaml:"-"`            // Optional bearer key protecting /metrics, env only
	OperatorAPIKeys    []string `yaml:"-"`            // X-API-Key values for operator routes, env only
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // default: 25
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // default: 5
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // default: 5m
}

// StorageConfig selects the purchase table backend.
type StorageConfig struct {
	Backend         string             `yaml:"backend"` // "memory", "file", "postgres", or "mongodb"
	PostgresURL     string             `yaml:"postgres_url"`
	MongoDBURL      string             `yaml:"mongodb_url"`
	MongoDBDatabase string             `yaml:"mongodb_database"`
	FilePath        string             `yaml:"file_path"`
	TableName       string             `yaml:"table_name"` // Table or collection name (default: purchases)
	QueryTimeout    Duration           `yaml:"query_timeout"`
	MirrorRefresh   Duration           `yaml:"mirror_refresh"` // reload interval of the sync-read mirror for remote backends (default: 1m)
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`
}

// SecureStoreConfig selects the verification metadata backend.
type SecureStoreConfig struct {
	Backend   string `yaml:"backend"` // "memory", "file", or "redis"
	FilePath  string `yaml:"file_path"`
	RedisURL  string `yaml:"redis_url"`
	RedisKey  string `yaml:"redis_key"`
	SealKey   string `yaml:"-"` // hex encoded 32-byte key, env only
	Namespace string `yaml:"namespace"`
}

// VerifierConfig configures receipt signature verification per platform.
type VerifierConfig struct {
	AppleSharedSecret string   `yaml:"-"` // env only
	AppleProduction   bool     `yaml:"apple_production"`
	AppleBundleID     string   `yaml:"apple_bundle_id"`
	GooglePublicKey   string   `yaml:"google_public_key"` // base64 DER RSA public key from the Play Console
	Timeout           Duration `yaml:"timeout"`
}

// BillingConfig points at the on-device billing bridge.
type BillingConfig struct {
	BridgeURL string   `yaml:"bridge_url"`
	Timeout   Duration `yaml:"timeout"`
}

// RetryConfig controls exponential backoff for retryable failures.
type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries"` // default: 3
	BaseDelay  Duration `yaml:"base_delay"`  // default: 1s
	Multiplier float64  `yaml:"multiplier"`  // default: 2.0
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled  bool                 `yaml:"enabled"`
	Billing  BreakerServiceConfig `yaml:"billing"`
	AppStore BreakerServiceConfig `yaml:"app_store"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio
}

// OfflineConfig controls the offline verification cache.
type OfflineConfig struct {
	TTL Duration `yaml:"ttl"` // default: 24h
}

// MonitoringConfig controls error-rate anomaly detection.
type MonitoringConfig struct {
	Window             Duration `yaml:"window"`               // sliding window (default: 5m)
	ErrorRateThreshold int      `yaml:"error_rate_threshold"` // per-code count within window (default: 10)
	RingSize           int      `yaml:"ring_size"`            // error log capacity (default: 1000)
}

// ExportConfig controls log bundle export and sharing.
type ExportConfig struct {
	Directory    string `yaml:"directory"`
	MinFreeBytes int64  `yaml:"min_free_bytes"`
	S3Bucket     string `yaml:"s3_bucket"`
	S3Region     string `yaml:"s3_region"`
	S3Endpoint   string `yaml:"s3_endpoint"`
	S3Prefix     string `yaml:"s3_prefix"`
	S3AccessKey  string `yaml:"-"`
	S3SecretKey  string `yaml:"-"`
}

// AlertsConfig controls webhook delivery of error-rate anomalies.
type AlertsConfig struct {
	WebhookURL  string            `yaml:"webhook_url"` // empty disables alerts
	Headers     map[string]string `yaml:"headers"`
	Timeout     Duration          `yaml:"timeout"`      // per attempt (default: 10s)
	MaxAttempts int               `yaml:"max_attempts"` // default: 5
	BaseDelay   Duration          `yaml:"base_delay"`   // default: 1s
	DLQPath     string            `yaml:"dlq_path"`     // empty keeps failed alerts in memory
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"-"`
	Issuer    string `yaml:"issuer"`
	Required  bool   `yaml:"required"`
}

// ReconcileConfig controls the background reconciliation loop.
type ReconcileConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"` // default: 6h
}

// RateLimitConfig limits the user-triggered restore and reconcile endpoints per client IP.
type RateLimitConfig struct {
	Enabled       bool     `yaml:"enabled"`
	GlobalLimit   int      `yaml:"global_limit"`  // all routes, all clients (default: 1000)
	GlobalWindow  Duration `yaml:"global_window"` // default: 1m
	RestoreLimit  int      `yaml:"restore_limit"`
	RestoreWindow Duration `yaml:"restore_window"`
}

// SubscriptionConfig configures the subscription tier lookup.
type SubscriptionConfig struct {
	// PremiumProductIDs are products whose synced purchase grants the premium tier.
	PremiumProductIDs []string `yaml:"premium_product_ids"`
}

// FeatureConfig declares one gated feature.
type FeatureConfig struct {
	ID                string `yaml:"id"`
	Level             string `yaml:"level"` // free | premium
	Name              string `yaml:"name"`
	Description       string `yaml:"description"`
	RequiredProductID string `yaml:"required_product_id"`
}

// ProductConfig declares catalog pricing for new purchase rows.
type ProductConfig struct {
	ID           string  `yaml:"id"`
	Price        float64 `yaml:"price"`
	CurrencyCode string  `yaml:"currency_code"`
}
