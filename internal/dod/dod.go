// Package dod evaluates definition-of-done checks. When a worker reports
// completion, the orchestrator runs the check registered for the item type
// before granting the DONE transition; a rejected check fails the item
// instead of completing it.
package dod

import (
	"fmt"
	"sync"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/backlog"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/failure"
)

// Check inspects the completion evidence for one item. Returning an error
// rejects the completion; wrap with failure types to pick the category.
type Check func(item *backlog.Item, evidence map[string]any) error

// Registry maps item types to their completion checks.
type Registry struct {
	mu       sync.RWMutex
	checks   map[string]Check
	fallback Check
}

// NewRegistry creates a registry whose fallback check requires non-empty
// evidence.
func NewRegistry() *Registry {
	return &Registry{
		checks:   map[string]Check{},
		fallback: RequireEvidence,
	}
}

// Register installs the check for an item type, replacing any previous one.
func (r *Registry) Register(itemType string, check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[itemType] = check
}

// SetFallback replaces the check used for unregistered item types.
func (r *Registry) SetFallback(check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = check
}

// Evaluate runs the check for the item's type, falling back to the default
// when none is registered.
func (r *Registry) Evaluate(item *backlog.Item, evidence map[string]any) error {
	r.mu.RLock()
	check, ok := r.checks[item.ItemType]
	if !ok {
		check = r.fallback
	}
	r.mu.RUnlock()
	if check == nil {
		return nil
	}
	return check(item, evidence)
}

// RequireEvidence is the default check: completion must carry at least one
// evidence entry.
func RequireEvidence(item *backlog.Item, evidence map[string]any) error {
	if len(evidence) == 0 {
		return &failure.ContradictionError{
			Message: fmt.Sprintf("item %s completed without evidence", item.ID),
		}
	}
	return nil
}

// RequireFields builds a check demanding specific evidence keys.
func RequireFields(fields ...string) Check {
	return func(item *backlog.Item, evidence map[string]any) error {
		var missing []string
		for _, f := range fields {
			if _, ok := evidence[f]; !ok {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return &failure.MissingDataError{Fields: missing}
		}
		return nil
	}
}
