// Package question persists clarification questions and their answers.
// A question is OPEN from creation until an answer closes it; closing is
// idempotent so replayed answer events are harmless.
package question

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/substrate"
)

// ErrNotFound is returned when a question does not exist.
var ErrNotFound = errors.New("question not found")

// Question statuses.
const (
	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"
)

// Question is one clarification request raised against a backlog item.
type Question struct {
	ID                 string `json:"id"`
	ProjectID          string `json:"project_id"`
	BacklogItemID      string `json:"backlog_item_id"`
	Text               string `json:"text"`
	ExpectedAnswerType string `json:"expected_answer_type,omitempty"`
	Status             string `json:"status"`
	Answer             any    `json:"answer,omitempty"`
	CreatedAt          string `json:"created_at"`
	ClosedAt           string `json:"closed_at,omitempty"`
}

// Open reports whether the question still awaits an answer.
func (q *Question) Open() bool { return q.Status == StatusOpen }

// Store reads and writes questions.
type Store struct {
	store  substrate.Store
	prefix string
}

// NewStore creates a question store writing under prefix (e.g. "audit").
func NewStore(store substrate.Store, prefix string) *Store {
	if prefix == "" {
		prefix = "audit"
	}
	return &Store{store: store, prefix: prefix}
}

func (s *Store) questionKey(projectID, questionID string) string {
	return fmt.Sprintf("%s:question:%s:%s", s.prefix, projectID, questionID)
}

func (s *Store) indexKey(projectID string) string {
	return fmt.Sprintf("%s:questions:%s", s.prefix, projectID)
}

func (s *Store) openKey(projectID string) string {
	return fmt.Sprintf("%s:questions_open:%s", s.prefix, projectID)
}

// Create stores a new OPEN question and indexes it. Creating an id that
// already exists overwrites the document, which keeps replays idempotent.
func (s *Store) Create(ctx context.Context, q *Question) error {
	if q.ID == "" || q.ProjectID == "" {
		return errors.New("question requires id and project_id")
	}
	q.Status = StatusOpen
	if q.CreatedAt == "" {
		q.CreatedAt = now()
	}
	if err := s.write(ctx, q); err != nil {
		return err
	}
	if err := s.store.SAdd(ctx, s.indexKey(q.ProjectID), q.ID); err != nil {
		return fmt.Errorf("index question %s: %w", q.ID, err)
	}
	if err := s.store.SAdd(ctx, s.openKey(q.ProjectID), q.ID); err != nil {
		return fmt.Errorf("index open question %s: %w", q.ID, err)
	}
	return nil
}

// Get loads one question, returning ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, projectID, questionID string) (*Question, error) {
	raw, err := s.store.Get(ctx, s.questionKey(projectID, questionID))
	if err != nil {
		if errors.Is(err, substrate.ErrNotFound) {
			return nil, fmt.Errorf("question %s in project %s: %w", questionID, projectID, ErrNotFound)
		}
		return nil, fmt.Errorf("load question %s: %w", questionID, err)
	}
	var q Question
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return nil, fmt.Errorf("decode question %s: %w", questionID, err)
	}
	return &q, nil
}

// Close records the answer and moves the question to CLOSED. Closing an
// already-closed question is a no-op returning the stored state, so a
// replayed answer event does not clobber the first answer.
func (s *Store) Close(ctx context.Context, projectID, questionID string, answer any) (*Question, error) {
	q, err := s.Get(ctx, projectID, questionID)
	if err != nil {
		return nil, err
	}
	if !q.Open() {
		return q, nil
	}
	q.Status = StatusClosed
	q.Answer = answer
	q.ClosedAt = now()
	if err := s.write(ctx, q); err != nil {
		return nil, err
	}
	if err := s.store.SRem(ctx, s.openKey(projectID), questionID); err != nil {
		return nil, fmt.Errorf("deindex open question %s: %w", questionID, err)
	}
	return q, nil
}

// ListOpen returns the ids of questions still awaiting an answer, sorted.
func (s *Store) ListOpen(ctx context.Context, projectID string) ([]string, error) {
	ids, err := s.store.SMembers(ctx, s.openKey(projectID))
	if err != nil {
		return nil, fmt.Errorf("list open questions for project %s: %w", projectID, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListAll returns every question id in the project, sorted.
func (s *Store) ListAll(ctx context.Context, projectID string) ([]string, error) {
	ids, err := s.store.SMembers(ctx, s.indexKey(projectID))
	if err != nil {
		return nil, fmt.Errorf("list questions for project %s: %w", projectID, err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) write(ctx context.Context, q *Question) error {
	doc, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode question %s: %w", q.ID, err)
	}
	if err := s.store.Set(ctx, s.questionKey(q.ProjectID, q.ID), string(doc), 0); err != nil {
		return fmt.Errorf("store question %s: %w", q.ID, err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}
