package securestore

import (
	"fmt"

	"github.com/CedrosPay/entitlements/internal/config"
)

// New builds the configured backend.
func New(cfg config.SecureStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		sealer, err := NewSealerFromHex(cfg.SealKey)
		if err != nil {
			return nil, err
		}
		return NewFileStore(cfg.FilePath, sealer)
	case "redis":
		sealer, err := NewSealerFromHex(cfg.SealKey)
		if err != nil {
			return nil, err
		}
		client, err := Connect(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		key := cfg.RedisKey
		if cfg.Namespace != "" {
			key = cfg.Namespace + ":" + key
		}
		return NewRedisStore(client, key, sealer)
	default:
		return nil, fmt.Errorf("unknown secure store backend: %s", cfg.Backend)
	}
}
