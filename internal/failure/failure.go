// Package failure defines the failure taxonomy shared by the consumer
// runtime, the orchestrator and the worker harness. Categories end up in
// WORK.ITEM_FAILED payloads and in DLQ reasons.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies a processing failure.
type Category string

const (
	CategoryContract         Category = "contract"
	CategoryDecode           Category = "decode"
	CategoryDataInsufficient Category = "data_insufficiency"
	CategoryTool             Category = "tool"
	CategoryReasoning        Category = "reasoning"
	CategoryIllegalTransit   Category = "illegal_transition"
	CategoryTimeout          Category = "timeout"
	CategoryMaxAttempts      Category = "max_attempts"
)

// Failure carries a category plus a human-readable reason.
type Failure struct {
	Category Category       `json:"category"`
	Reason   string         `json:"reason"`
	Details  map[string]any `json:"details,omitempty"`
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Category, f.Reason)
}

// ToPayload renders the failure for event payload embedding.
func (f Failure) ToPayload() map[string]any {
	p := map[string]any{"category": string(f.Category), "reason": f.Reason}
	if len(f.Details) > 0 {
		p["details"] = f.Details
	}
	return p
}

// ErrRetryable marks a transient error. The consumer runtime leaves the
// entry pending so the reclaim path redelivers it.
var ErrRetryable = errors.New("retryable")

// Retryable wraps err so the consumer runtime retries instead of acking.
func Retryable(err error) error {
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// IsRetryable reports whether err should be retried via reclaim.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// MissingDataError signals that required inputs are absent from a work
// context. Workers surface it as CLARIFICATION.NEEDED, never as a failure.
type MissingDataError struct {
	Fields []string
}

func (e *MissingDataError) Error() string {
	return "missing critical fields: " + strings.Join(e.Fields, ",")
}

// Failure returns the taxonomy entry for the missing data.
func (e *MissingDataError) Failure() Failure {
	return Failure{Category: CategoryDataInsufficient, Reason: e.Error()}
}

// ContradictionError signals an internal inconsistency detected by a
// DoD or sanity check; it is terminal for the backlog item.
type ContradictionError struct {
	Message string
}

func (e *ContradictionError) Error() string { return e.Message }

// Failure returns the taxonomy entry for the contradiction.
func (e *ContradictionError) Failure() Failure {
	return Failure{Category: CategoryReasoning, Reason: e.Message}
}
