// Package locks implements named TTL leases over the substrate. A lease is
// contention reduction, not a mutex: holders must stay idempotent and the
// TTL bounds the exposure window if a holder crashes.
package locks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/substrate"
)

// releaseScript deletes the lease only when the stored token matches, so a
// holder cannot release a lease that has expired and been re-acquired.
const releaseScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`

// Lease is an acquired lock: its key plus the owner token.
type Lease struct {
	Key   string
	Token string
}

// Service hands out TTL leases keyed by resource name.
type Service struct {
	store substrate.Store
}

// NewService creates a lock service over the substrate.
func NewService(store substrate.Store) *Service {
	return &Service{store: store}
}

// Acquire attempts a SETNX lease with the given TTL. It returns nil when
// the lease is already held by someone else.
func (s *Service) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	token := uuid.New().String()
	ok, err := s.store.SetNX(ctx, name, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{Key: name, Token: token}, nil
}

// Release frees the lease only if the token still matches. Returns false
// when the lease was missing or owned by another holder.
func (s *Service) Release(ctx context.Context, lease *Lease) bool {
	res, err := s.store.Eval(ctx, releaseScript, []string{lease.Key}, lease.Token)
	if err != nil {
		slog.Warn("[Locks] Release failed", "key", lease.Key, "error", err)
		return false
	}
	n, ok := res.(int64)
	if !ok || n == 0 {
		slog.Info("[Locks] Release skipped, token mismatch", "key", lease.Key)
		return false
	}
	return true
}

// ReleaseUnchecked deletes the lease key unconditionally. Callers that care
// about precision should use Release.
func (s *Service) ReleaseUnchecked(ctx context.Context, name string) error {
	return s.store.Del(ctx, name)
}
