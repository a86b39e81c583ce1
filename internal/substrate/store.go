// Package substrate defines the minimal KV + stream surface the runtime
// needs from the shared store. Components depend only on this interface;
// code in cmd/ creates the concrete Redis-backed client and injects it.
package substrate

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("key not found")

// Entry is one stream record: its id and raw field map.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Store is the facade over the shared key/value and stream substrate.
type Store interface {
	// Key/value.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX performs an atomic set-if-absent with TTL and reports whether
	// the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Eval runs a Lua script, used for compare-and-delete lock release.
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Streams.
	StreamAdd(ctx context.Context, stream string, fields map[string]string) (string, error)
	// EnsureGroup creates the consumer group (and the stream when missing);
	// an already-existing group is not an error.
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroup blocks up to block for new entries delivered to this
	// consumer. A timeout returns an empty slice, not an error.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)
	// AutoClaim transfers ownership of pending entries idle for at least
	// minIdle to this consumer.
	AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// StreamRange reads up to count entries from the start of a stream,
	// oldest first. Used for DLQ inspection.
	StreamRange(ctx context.Context, stream string, count int64) ([]Entry, error)

	Close() error
}
