package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultMaxRetries = 10

var ErrConflict = errors.New("redis store: too many concurrent updates")

// Store is a key-value store on Redis. Update is an optimistic
// WATCH/MULTI transaction, so fn may run more than once under contention.
type Store struct {
	client     *redis.Client
	prefix     string
	maxRetries int
}

func NewStore(client *redis.Client, prefix string) *Store {
	return &Store{
		client:     client,
		prefix:     prefix,
		maxRetries: defaultMaxRetries,
	}
}

func (s *Store) key(key string) string {
	return s.prefix + key
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Update(ctx context.Context, key string, fn func(current string, exists bool) (string, error)) error {
	k := s.key(key)

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Result()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return err
		}

		next, err := fn(current, exists)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("redis update %s: %w", key, err)
	}
	return ErrConflict
}
