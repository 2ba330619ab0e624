package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLog stores each tree's update history in a Redis list. The
// original deployment streams document updates through Redis when a
// stream URL is configured; this backend keeps that option.
type RedisLog struct {
	client *redis.Client
	prefix string
}

// NewRedisLog connects to Redis and verifies the connection.
func NewRedisLog(redisURL string) (*RedisLog, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisLog{client: client, prefix: "treeupdates:"}, nil
}

// NewRedisLogWithClient wraps an existing client.
func NewRedisLogWithClient(client *redis.Client) *RedisLog {
	return &RedisLog{client: client, prefix: "treeupdates:"}
}

func (l *RedisLog) key(treeID string) string { return l.prefix + treeID }

func (l *RedisLog) Load(ctx context.Context, treeID string) ([][]byte, error) {
	values, err := l.client.LRange(ctx, l.key(treeID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load updates: %w", err)
	}
	updates := make([][]byte, 0, len(values))
	for _, v := range values {
		updates = append(updates, []byte(v))
	}
	return updates, nil
}

func (l *RedisLog) Append(ctx context.Context, treeID string, update []byte) error {
	if err := l.client.RPush(ctx, l.key(treeID), update).Err(); err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

func (l *RedisLog) Replace(ctx context.Context, treeID string, state []byte) error {
	pipe := l.client.TxPipeline()
	pipe.Del(ctx, l.key(treeID))
	pipe.RPush(ctx, l.key(treeID), state)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replace updates: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (l *RedisLog) Close() error {
	return l.client.Close()
}
