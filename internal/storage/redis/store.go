// Package redis stores client session state in a Redis hash per namespace.
package redis

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Client is the subset of *redis.Client used by Store.
type Client interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HKeys(ctx context.Context, key string) *redis.StringSliceCmd
	Close() error
}

// Store keeps all keys of a namespace as fields of one hash.
type Store struct {
	rdb Client
	key string
}

// Open connects from a URL (for example redis://:pass@host:6379/0) and pings the server.
func Open(ctx context.Context, redisURL, namespace string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return New(rdb, namespace), nil
}

// New wraps an existing client.
func New(rdb Client, namespace string) *Store {
	if namespace == "" {
		namespace = "default"
	}
	return &Store{rdb: rdb, key: "shepherd:session:" + namespace}
}

// Get returns the field value for key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, s.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.rdb.HSet(ctx, s.key, key, value).Err()
}

// Remove deletes keys.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.HDel(ctx, s.key, keys...).Err()
}

// Keys lists fields starting with prefix, sorted.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	all, err := s.rdb.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close closes the client.
func (s *Store) Close() error { return s.rdb.Close() }
