package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 30 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Storage: StorageConfig{
			Backend:         "memory",
			MongoDBDatabase: "entitlements",
			TableName:       "purchases",
			QueryTimeout:    Duration{Duration: 5 * time.Second},
		},
		SecureStore: SecureStoreConfig{
			Backend:  "memory",
			RedisKey: "verification_metadata",
		},
		Verifier: VerifierConfig{
			AppleProduction: true,
			Timeout:         Duration{Duration: 10 * time.Second},
		},
		Billing: BillingConfig{
			Timeout: Duration{Duration: 30 * time.Second},
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  Duration{Duration: time.Second},
			Multiplier: 2.0,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Billing: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			AppStore: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
		Offline: OfflineConfig{
			TTL: Duration{Duration: 24 * time.Hour},
		},
		Monitoring: MonitoringConfig{
			Window:             Duration{Duration: 5 * time.Minute},
			ErrorRateThreshold: 10,
			RingSize:           1000,
		},
		Export: ExportConfig{
			Directory:    "./data/exports",
			MinFreeBytes: 1 << 20,
			S3Prefix:     "error-logs/",
		},
		Alerts: AlertsConfig{
			Timeout:     Duration{Duration: 10 * time.Second},
			MaxAttempts: 5,
			BaseDelay:   Duration{Duration: time.Second},
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Interval: Duration{Duration: 6 * time.Hour},
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			GlobalLimit:   1000,
			GlobalWindow:  Duration{Duration: time.Minute},
			RestoreLimit:  5,
			RestoreWindow: Duration{Duration: time.Minute},
		},
	}
}

func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
