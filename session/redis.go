package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements the Store interface using Redis keys with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

func sessionKey(identity string) string {
	return fmt.Sprintf("session:%s", identity)
}

// Create stores a record in Redis with a TTL.
func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.client.Set(ctx, sessionKey(rec.Identity), data, s.ttl).Err()
}

// Get retrieves a record from Redis.
func (s *RedisStore) Get(ctx context.Context, identity string) (*Record, error) {
	data, err := s.client.Get(ctx, sessionKey(identity)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &rec, nil
}

// Delete removes the record unless another connection has since taken the identity.
func (s *RedisStore) Delete(ctx context.Context, identity, connID string) error {
	key := sessionKey(identity)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err == nil && rec.ConnID != connID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
}

// RefreshTTL updates the expiration time of a record. A missing key is a no-op.
func (s *RedisStore) RefreshTTL(ctx context.Context, identity string) error {
	return s.client.Expire(ctx, sessionKey(identity), s.ttl).Err()
}
