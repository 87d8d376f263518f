package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// All env vars use the ENTITLEMENTS_ prefix; secrets are only read from the environment.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Server.Address, "ENTITLEMENTS_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "ENTITLEMENTS_ROUTE_PREFIX")
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}
	if v := os.Getenv("ENTITLEMENTS_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitList(v)
	}
	if v := os.Getenv("ENTITLEMENTS_OPERATOR_API_KEYS"); v != "" {
		c.Server.OperatorAPIKeys = splitList(v)
	}

	setIfEnv(&c.Logging.Level, "ENTITLEMENTS_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "ENTITLEMENTS_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "ENTITLEMENTS_ENVIRONMENT")

	setIfEnv(&c.Storage.Backend, "ENTITLEMENTS_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "ENTITLEMENTS_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "ENTITLEMENTS_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "ENTITLEMENTS_MONGODB_DATABASE")
	setIfEnv(&c.Storage.FilePath, "ENTITLEMENTS_STORAGE_FILE_PATH")
	setIfEnv(&c.Storage.TableName, "ENTITLEMENTS_STORAGE_TABLE_NAME")

	setIfEnv(&c.SecureStore.Backend, "ENTITLEMENTS_SECURE_STORE_BACKEND")
	setIfEnv(&c.SecureStore.FilePath, "ENTITLEMENTS_SECURE_STORE_FILE_PATH")
	setIfEnv(&c.SecureStore.RedisURL, "ENTITLEMENTS_REDIS_URL")
	setIfEnv(&c.SecureStore.SealKey, "ENTITLEMENTS_SECURE_STORE_SEAL_KEY")
	setIfEnv(&c.SecureStore.Namespace, "ENTITLEMENTS_SECURE_STORE_NAMESPACE")

	setIfEnv(&c.Verifier.AppleSharedSecret, "ENTITLEMENTS_APPLE_SHARED_SECRET")
	setBoolIfEnv(&c.Verifier.AppleProduction, "ENTITLEMENTS_APPLE_PRODUCTION")
	setIfEnv(&c.Verifier.AppleBundleID, "ENTITLEMENTS_APPLE_BUNDLE_ID")
	setIfEnv(&c.Verifier.GooglePublicKey, "ENTITLEMENTS_GOOGLE_PUBLIC_KEY")
	setDurationIfEnv(&c.Verifier.Timeout, "ENTITLEMENTS_VERIFIER_TIMEOUT")

	setIfEnv(&c.Billing.BridgeURL, "ENTITLEMENTS_BILLING_BRIDGE_URL")
	setDurationIfEnv(&c.Billing.Timeout, "ENTITLEMENTS_BILLING_TIMEOUT")

	setIntIfEnv(&c.Retry.MaxRetries, "ENTITLEMENTS_RETRY_MAX_RETRIES")
	setDurationIfEnv(&c.Retry.BaseDelay, "ENTITLEMENTS_RETRY_BASE_DELAY")

	setBoolIfEnv(&c.CircuitBreaker.Enabled, "ENTITLEMENTS_CIRCUIT_BREAKER_ENABLED")

	setDurationIfEnv(&c.Offline.TTL, "ENTITLEMENTS_OFFLINE_TTL")

	setDurationIfEnv(&c.Monitoring.Window, "ENTITLEMENTS_MONITORING_WINDOW")
	setIntIfEnv(&c.Monitoring.ErrorRateThreshold, "ENTITLEMENTS_MONITORING_ERROR_RATE_THRESHOLD")

	setIfEnv(&c.Export.Directory, "ENTITLEMENTS_EXPORT_DIRECTORY")
	setIfEnv(&c.Export.S3Bucket, "ENTITLEMENTS_EXPORT_S3_BUCKET")
	setIfEnv(&c.Export.S3Region, "ENTITLEMENTS_EXPORT_S3_REGION")
	setIfEnv(&c.Export.S3Endpoint, "ENTITLEMENTS_EXPORT_S3_ENDPOINT")
	setIfEnv(&c.Export.S3AccessKey, "ENTITLEMENTS_EXPORT_S3_ACCESS_KEY")
	setIfEnv(&c.Export.S3SecretKey, "ENTITLEMENTS_EXPORT_S3_SECRET_KEY")

	setIfEnv(&c.Alerts.WebhookURL, "ENTITLEMENTS_ALERTS_WEBHOOK_URL")
	setIfEnv(&c.Alerts.DLQPath, "ENTITLEMENTS_ALERTS_DLQ_PATH")

	setIfEnv(&c.Server.MetricsAPIKey, "ENTITLEMENTS_METRICS_API_KEY")

	setIfEnv(&c.Auth.JWTSecret, "ENTITLEMENTS_JWT_SECRET")
	setIfEnv(&c.Auth.Issuer, "ENTITLEMENTS_JWT_ISSUER")
	setBoolIfEnv(&c.Auth.Required, "ENTITLEMENTS_AUTH_REQUIRED")

	setBoolIfEnv(&c.Reconcile.Enabled, "ENTITLEMENTS_RECONCILE_ENABLED")
	setDurationIfEnv(&c.Reconcile.Interval, "ENTITLEMENTS_RECONCILE_INTERVAL")

	setBoolIfEnv(&c.RateLimit.Enabled, "ENTITLEMENTS_RATE_LIMIT_ENABLED")

	setIfEnv(&c.FeaturesFile, "ENTITLEMENTS_FEATURES_FILE")

	if v := os.Getenv("ENTITLEMENTS_PREMIUM_PRODUCT_IDS"); v != "" {
		c.Subscription.PremiumProductIDs = splitList(v)
	}
}

func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv accepts "1" or any casing of "true" as true.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
