// Package backlog persists backlog items and their status indices in the
// substrate. Items are JSON documents keyed per project; set indices keep
// the per-status listings cheap. Status changes go through the transition
// table, so an illegal change never reaches storage.
package backlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/state"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/substrate"
)

// ErrNotFound is returned when a backlog item does not exist.
var ErrNotFound = errors.New("backlog item not found")

// Item is one unit of work in a project backlog.
type Item struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	ItemType    string       `json:"item_type"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      state.Status `json:"status"`
	AgentTarget string       `json:"agent_target,omitempty"`

	// WorkContext is the opaque input bundle handed to the worker.
	WorkContext map[string]any `json:"work_context,omitempty"`

	// BlockedOnQuestion links a BLOCKED item to its open question.
	BlockedOnQuestion string `json:"blocked_on_question,omitempty"`

	// Evidence is set when the item reaches DONE; FailureReason when FAILED.
	Evidence      map[string]any `json:"evidence,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Store reads and writes backlog items.
type Store struct {
	store  substrate.Store
	prefix string
}

// NewStore creates a backlog store writing under prefix (e.g. "audit").
func NewStore(store substrate.Store, prefix string) *Store {
	if prefix == "" {
		prefix = "audit"
	}
	return &Store{store: store, prefix: prefix}
}

func (s *Store) itemKey(projectID, itemID string) string {
	return fmt.Sprintf("%s:backlog:%s:%s", s.prefix, projectID, itemID)
}

func (s *Store) indexKey(projectID string) string {
	return fmt.Sprintf("%s:backlog_index:%s", s.prefix, projectID)
}

func (s *Store) statusKey(projectID string, st state.Status) string {
	return fmt.Sprintf("%s:backlog_status:%s:%s", s.prefix, projectID, st)
}

func (s *Store) projectsKey() string {
	return s.prefix + ":projects:index"
}

// PutItem upserts an item and registers it in the project indices. The
// item must carry a valid status; CreatedAt/UpdatedAt are stamped when
// empty. A re-put with a different status leaves exactly one status index
// entry behind.
func (s *Store) PutItem(ctx context.Context, item *Item) error {
	if item.ID == "" || item.ProjectID == "" {
		return errors.New("backlog item requires id and project_id")
	}
	if !item.Status.Valid() {
		return fmt.Errorf("unknown status %q for item %s", item.Status, item.ID)
	}
	prev, err := s.GetItem(ctx, item.ProjectID, item.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	now := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	if item.CreatedAt == "" {
		if prev != nil {
			item.CreatedAt = prev.CreatedAt
		} else {
			item.CreatedAt = now
		}
	}
	item.UpdatedAt = now

	if err := s.write(ctx, item); err != nil {
		return err
	}
	if err := s.store.SAdd(ctx, s.indexKey(item.ProjectID), item.ID); err != nil {
		return fmt.Errorf("index item %s: %w", item.ID, err)
	}
	if prev != nil && prev.Status != item.Status {
		if err := s.store.SRem(ctx, s.statusKey(item.ProjectID, prev.Status), item.ID); err != nil {
			return fmt.Errorf("reindex item %s: %w", item.ID, err)
		}
	}
	if err := s.store.SAdd(ctx, s.statusKey(item.ProjectID, item.Status), item.ID); err != nil {
		return fmt.Errorf("index item %s by status: %w", item.ID, err)
	}
	if err := s.store.SAdd(ctx, s.projectsKey(), item.ProjectID); err != nil {
		return fmt.Errorf("register project %s: %w", item.ProjectID, err)
	}
	return nil
}

// GetItem loads one item, returning ErrNotFound when absent.
func (s *Store) GetItem(ctx context.Context, projectID, itemID string) (*Item, error) {
	raw, err := s.store.Get(ctx, s.itemKey(projectID, itemID))
	if err != nil {
		if errors.Is(err, substrate.ErrNotFound) {
			return nil, fmt.Errorf("item %s in project %s: %w", itemID, projectID, ErrNotFound)
		}
		return nil, fmt.Errorf("load item %s: %w", itemID, err)
	}
	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("decode item %s: %w", itemID, err)
	}
	return &item, nil
}

// Mutation adjusts item fields alongside a status change.
type Mutation func(*Item)

// WithBlockedOn records the question blocking the item.
func WithBlockedOn(questionID string) Mutation {
	return func(it *Item) { it.BlockedOnQuestion = questionID }
}

// WithEvidence stores the completion evidence.
func WithEvidence(evidence map[string]any) Mutation {
	return func(it *Item) { it.Evidence = evidence }
}

// WithFailureReason stores the terminal failure reason.
func WithFailureReason(reason string) Mutation {
	return func(it *Item) { it.FailureReason = reason }
}

// WithWorkContext merges extra fields into the item's work context.
func WithWorkContext(extra map[string]any) Mutation {
	return func(it *Item) {
		if it.WorkContext == nil {
			it.WorkContext = map[string]any{}
		}
		for k, v := range extra {
			it.WorkContext[k] = v
		}
	}
}

// Amend applies mutations to an item without changing its status.
func (s *Store) Amend(ctx context.Context, projectID, itemID string, muts ...Mutation) (*Item, error) {
	item, err := s.GetItem(ctx, projectID, itemID)
	if err != nil {
		return nil, err
	}
	for _, m := range muts {
		m(item)
	}
	item.UpdatedAt = time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	if err := s.write(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// SetStatus transitions the item to the target status, validating against
// the transition table, updating the status indices and applying any
// mutations. It returns the updated item.
func (s *Store) SetStatus(ctx context.Context, projectID, itemID string, to state.Status, muts ...Mutation) (*Item, error) {
	item, err := s.GetItem(ctx, projectID, itemID)
	if err != nil {
		return nil, err
	}
	from := item.Status
	if err := state.AssertTransition(from, to); err != nil {
		return nil, err
	}

	item.Status = to
	if to != state.StatusBlocked {
		item.BlockedOnQuestion = ""
	}
	for _, m := range muts {
		m(item)
	}
	item.UpdatedAt = time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)

	if err := s.write(ctx, item); err != nil {
		return nil, err
	}
	if err := s.store.SRem(ctx, s.statusKey(projectID, from), itemID); err != nil {
		return nil, fmt.Errorf("reindex item %s: %w", itemID, err)
	}
	if err := s.store.SAdd(ctx, s.statusKey(projectID, to), itemID); err != nil {
		return nil, fmt.Errorf("reindex item %s: %w", itemID, err)
	}
	return item, nil
}

// ListItemIDs returns every item id in the project, sorted.
func (s *Store) ListItemIDs(ctx context.Context, projectID string) ([]string, error) {
	ids, err := s.store.SMembers(ctx, s.indexKey(projectID))
	if err != nil {
		return nil, fmt.Errorf("list backlog for project %s: %w", projectID, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListItemIDsByStatus returns the item ids currently in the given status,
// sorted.
func (s *Store) ListItemIDsByStatus(ctx context.Context, projectID string, st state.Status) ([]string, error) {
	ids, err := s.store.SMembers(ctx, s.statusKey(projectID, st))
	if err != nil {
		return nil, fmt.Errorf("list %s backlog for project %s: %w", st, projectID, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListProjectIDs returns every project with at least one backlog item, sorted.
func (s *Store) ListProjectIDs(ctx context.Context) ([]string, error) {
	ids, err := s.store.SMembers(ctx, s.projectsKey())
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) write(ctx context.Context, item *Item) error {
	doc, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item %s: %w", item.ID, err)
	}
	if err := s.store.Set(ctx, s.itemKey(item.ProjectID, item.ID), string(doc), 0); err != nil {
		return fmt.Errorf("store item %s: %w", item.ID, err)
	}
	return nil
}
