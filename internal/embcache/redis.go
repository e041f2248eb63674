package embcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"
)

// RedisStore keeps entries in Redis with an optional TTL.
type RedisStore struct {
	client rueidis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to the Redis server at url (redis://[user:pass@]host:port/db).
func NewRedisStore(url, prefix string, ttl time.Duration) (*RedisStore, error) {
	opt, err := rueidis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opt.DisableCache = true

	client, err := rueidis.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisStoreFromClient(client, prefix, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client rueidis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "facefindr:emb:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Get returns the entry for key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	cmd := s.client.B().Get().Key(s.prefix + key).Build()
	data, err := s.client.Do(ctx, cmd).AsBytes()
	if rueidis.IsRedisNil(err) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Set stores value under key, expiring after the TTL when one is set.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	var cmd rueidis.Completed
	if s.ttl > 0 {
		cmd = s.client.B().Set().Key(s.prefix + key).Value(rueidis.BinaryString(value)).Ex(s.ttl).Build()
	} else {
		cmd = s.client.B().Set().Key(s.prefix + key).Value(rueidis.BinaryString(value)).Build()
	}
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Count returns the number of keys under the prefix.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.scan(ctx, func(keys []string) error {
		n += len(keys)
		return nil
	})
	return n, err
}

// Clear deletes every key under the prefix.
func (s *RedisStore) Clear(ctx context.Context) (int, error) {
	n := 0
	err := s.scan(ctx, func(keys []string) error {
		if len(keys) == 0 {
			return nil
		}
		cmd := s.client.B().Del().Key(keys...).Build()
		deleted, err := s.client.Do(ctx, cmd).AsInt64()
		if err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		n += int(deleted)
		return nil
	})
	return n, err
}

func (s *RedisStore) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(s.prefix + "*").Count(500).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if err := fn(entry.Elements); err != nil {
			return err
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// Close releases the connection.
func (s *RedisStore) Close() {
	s.client.Close()
}
