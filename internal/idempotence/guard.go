// Package idempotence provides the once-only marker that absorbs
// at-least-once duplicates. One key per (consumer_group, event_id), set
// with SETNX and a TTL at least as long as the expected replay window.
package idempotence

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// KV is the subset of the substrate the guard needs.
type KV interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Guard marks processed event ids per consumer group.
type Guard struct {
	kv     KV
	prefix string
}

// NewGuard creates a guard writing under prefix (e.g. "audit:processed").
func NewGuard(kv KV, prefix string) *Guard {
	if prefix == "" {
		prefix = "audit:processed"
	}
	return &Guard{kv: kv, prefix: prefix}
}

func (g *Guard) key(group, eventID string) string {
	return fmt.Sprintf("%s:%s:%s", g.prefix, group, eventID)
}

// MarkIfNew atomically records (group, event_id) and reports true when the
// caller should proceed; false means the event was already processed.
func (g *Guard) MarkIfNew(ctx context.Context, group, eventID string, ttl time.Duration) (bool, error) {
	set, err := g.kv.SetNX(ctx, g.key(group, eventID), fmt.Sprint(time.Now().Unix()), ttl)
	if err != nil {
		return false, fmt.Errorf("mark event %s for group %s: %w", eventID, group, err)
	}
	if !set {
		slog.Info("[Idempotence] Duplicate rejected", "event_id", eventID, "group", group)
	}
	return set, nil
}

// IsProcessed reports whether (group, event_id) has already been marked.
func (g *Guard) IsProcessed(ctx context.Context, group, eventID string) (bool, error) {
	return g.kv.Exists(ctx, g.key(group, eventID))
}
