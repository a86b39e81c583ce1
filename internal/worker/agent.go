// Package worker runs agents against dispatched backlog items. The harness
// speaks the stream protocol (started, deliverable, completed, failed,
// clarification); agents only compute. Workers never change backlog status
// themselves, they report and the orchestrator applies the transition.
package worker

import "context"

// Task is one dispatched backlog item as seen by an agent.
type Task struct {
	ProjectID     string
	BacklogItemID string
	ItemType      string
	CorrelationID string
	WorkContext   map[string]any
}

// Result is what a successful execution produced. Deliverable is the
// published artifact; Evidence backs the completion claim.
type Result struct {
	Deliverable map[string]any
	Evidence    map[string]any
}

// Agent computes one kind of work. Execute may return a
// failure.MissingDataError to request clarification, a retryable error to
// have the item redelivered, or any other error to fail the item.
type Agent interface {
	// Target is the agent_target this agent serves.
	Target() string
	// RequiredInputs lists the work context keys that must be present
	// before Execute runs.
	RequiredInputs() []string
	Execute(ctx context.Context, task Task) (*Result, error)
}
