package securestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists records as plain Redis strings under
// prefix:account:key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "iap"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(account, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, account, key)
}

func (s *RedisStore) Get(ctx context.Context, account, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.redisKey(account, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secure record: %w", err)
	}
	return value, nil
}

// Set deletes then writes the key in one MULTI block.
func (s *RedisStore) Set(ctx context.Context, account, key string, value []byte) error {
	redisKey := s.redisKey(account, key)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, redisKey)
		p.Set(ctx, redisKey, value, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write secure record: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, account, key string) error {
	if err := s.client.Del(ctx, s.redisKey(account, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete secure record: %w", err)
	}
	return nil
}
