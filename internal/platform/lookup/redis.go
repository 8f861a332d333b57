// Package lookup serves lookup variables from Redis hashes. Each reference
// row lives at lookup:<table>:<key> with one hash field per column; field
// values are JSON so numbers and booleans keep their type.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lookup:"

// RedisSource implements ruleengine.LookupSource.
type RedisSource struct {
	client redis.UniversalClient
}

// NewRedisSource parses url, connects and pings the server.
func NewRedisSource(ctx context.Context, url string) (*RedisSource, error) {
	if url == "" {
		url = "redis://localhost:6379"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisSource{client: client}, nil
}

// NewRedisSourceFromClient wraps an existing client.
func NewRedisSourceFromClient(client redis.UniversalClient) *RedisSource {
	return &RedisSource{client: client}
}

// Ping reports whether the server is reachable. The health endpoint uses it.
func (s *RedisSource) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSource) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func entryKey(table, key string) string {
	return keyPrefix + table + ":" + key
}

// Lookup reads one field of a reference row. A missing row or field is not
// an error.
func (s *RedisSource) Lookup(ctx context.Context, table, key, field string) (any, bool, error) {
	raw, err := s.client.HGet(ctx, entryKey(table, key), field).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup %s/%s: %w", table, key, err)
	}
	return decodeField(raw), true, nil
}

// Put stores a reference row, replacing the given fields.
func (s *RedisSource) Put(ctx context.Context, table, key string, record map[string]any) error {
	if len(record) == 0 {
		return nil
	}
	values := make(map[string]any, len(record))
	for field, v := range record {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s.%s: %w", table, field, err)
		}
		values[field] = string(b)
	}
	return s.client.HSet(ctx, entryKey(table, key), values).Err()
}

// Delete removes a reference row.
func (s *RedisSource) Delete(ctx context.Context, table, key string) error {
	return s.client.Del(ctx, entryKey(table, key)).Err()
}

// decodeField returns the JSON value of raw, or raw itself for values
// written by other tools as plain strings.
func decodeField(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
