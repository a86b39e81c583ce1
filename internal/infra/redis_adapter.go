// Package infra provides the concrete Redis adapter for the substrate.
//
// The adapter wraps go-redis v9 and implements substrate.Store. Domain
// packages never import the driver directly; code in cmd/ creates this
// client and injects it.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/substrate"
)

// RedisStore wraps go-redis v9 to implement substrate.Store.
type RedisStore struct {
	rdb *redis.Client
}

var _ substrate.Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies connectivity with a ping.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  -1, // blocking stream reads manage their own deadline
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client. Tests use this with a
// client pointed at miniredis.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Close shuts down the underlying redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// =============================================================================
// Key/value
// =============================================================================

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", substrate.ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return s.rdb.Eval(ctx, script, keys, args...).Result()
}

// =============================================================================
// Sets
// =============================================================================

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return s.rdb.SAdd(ctx, key, ifaces...).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return s.rdb.SRem(ctx, key, ifaces...).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

// =============================================================================
// Streams
// =============================================================================

func (s *RedisStore) StreamAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

func (s *RedisStore) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (s *RedisStore) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]substrate.Entry, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []substrate.Entry
	for _, st := range res {
		for _, msg := range st.Messages {
			entries = append(entries, toEntry(msg))
		}
	}
	return entries, nil
}

func (s *RedisStore) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]substrate.Entry, error) {
	msgs, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entries := make([]substrate.Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toEntry(msg))
	}
	return entries, nil
}

func (s *RedisStore) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return s.rdb.XAck(ctx, stream, group, ids...).Err()
}

func (s *RedisStore) StreamRange(ctx context.Context, stream string, count int64) ([]substrate.Entry, error) {
	msgs, err := s.rdb.XRangeN(ctx, stream, "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]substrate.Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toEntry(msg))
	}
	return entries, nil
}

func toEntry(msg redis.XMessage) substrate.Entry {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if sv, ok := v.(string); ok {
			fields[k] = sv
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return substrate.Entry{ID: msg.ID, Fields: fields}
}
