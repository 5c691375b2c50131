package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "daarion:manifest"

// RedisRegistry stores entries in one hash per chain id so that several
// operators share the same view of what has been published.
type RedisRegistry struct {
	client redis.UniversalClient
	key    string
}

func NewRedisRegistry(client redis.UniversalClient, prefix string, chainID uint64) *RedisRegistry {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisRegistry{
		client: client,
		key:    fmt.Sprintf("%s:%d", prefix, chainID),
	}
}

// DialRedis parses a redis:// URL and checks the server is reachable.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisRegistry) Key() string {
	return r.key
}

func (r *RedisRegistry) Lookup(ctx context.Context, name string) (Entry, error) {
	raw, err := r.client.HGet(ctx, r.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("redis lookup %s: %w", name, err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, fmt.Errorf("decode redis entry %s: %w", name, err)
	}
	return entry, nil
}

func (r *RedisRegistry) Record(ctx context.Context, entry Entry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.key, entry.Name, blob).Err(); err != nil {
		return fmt.Errorf("redis record %s: %w", entry.Name, err)
	}
	return nil
}
