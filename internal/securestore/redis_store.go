package securestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/redis/go-redis/v9"
)

// hashClient is the subset of the redis client the store uses.
type hashClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisStore keeps sealed metadata in a single redis hash, one field per transaction.
type RedisStore struct {
	client hashClient
	key    string
	sealer *Sealer
}

// Connect builds a redis client from a redis:// URL or a bare host:port.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func NewRedisStore(client hashClient, key string, sealer *Sealer) (*RedisStore, error) {
	if sealer == nil {
		return nil, fmt.Errorf("securestore: redis backend requires a sealer")
	}
	if key == "" {
		key = "verification_metadata"
	}
	return &RedisStore{client: client, key: key, sealer: sealer}, nil
}

func (s *RedisStore) Save(ctx context.Context, md purchases.VerificationMetadata) error {
	if err := validate(md); err != nil {
		return err
	}
	plain, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("securestore: encode metadata: %w", err)
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key, md.TransactionID, sealed).Err(); err != nil {
		return fmt.Errorf("securestore: hset: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, transactionID string) (purchases.VerificationMetadata, error) {
	raw, err := s.client.HGet(ctx, s.key, transactionID).Result()
	if errors.Is(err, redis.Nil) {
		return purchases.VerificationMetadata{}, ErrNotFound
	}
	if err != nil {
		return purchases.VerificationMetadata{}, fmt.Errorf("securestore: hget: %w", err)
	}
	return s.decode(raw)
}

func (s *RedisStore) List(ctx context.Context) ([]purchases.VerificationMetadata, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("securestore: hgetall: %w", err)
	}
	out := make([]purchases.VerificationMetadata, 0, len(all))
	for _, raw := range all {
		md, err := s.decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	sortMetadata(out)
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, transactionID string) error {
	n, err := s.client.HDel(ctx, s.key, transactionID).Result()
	if err != nil {
		return fmt.Errorf("securestore: hdel: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("securestore: del: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) decode(raw string) (purchases.VerificationMetadata, error) {
	plain, err := s.sealer.Open([]byte(raw))
	if err != nil {
		return purchases.VerificationMetadata{}, err
	}
	var md purchases.VerificationMetadata
	if err := json.Unmarshal(plain, &md); err != nil {
		return purchases.VerificationMetadata{}, fmt.Errorf("securestore: decode metadata: %w", err)
	}
	return md, nil
}
