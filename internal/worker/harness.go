package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/event"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/failure"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/substrate"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/trace"
)

// Harness adapts an Agent to the stream protocol. It filters dispatch
// events for the agent's target, checks required inputs, runs the agent
// and reports the outcome back on the stream.
type Harness struct {
	store  substrate.Store
	trace  *trace.Logger
	agent  Agent
	stream string
	source string
}

// NewHarness wires an agent. source tags emitted events; empty defaults to
// the agent target.
func NewHarness(store substrate.Store, traceLog *trace.Logger, agent Agent, stream, source string) *Harness {
	if stream == "" {
		stream = "audit:events"
	}
	if source == "" {
		source = agent.Target()
	}
	return &Harness{store: store, trace: traceLog, agent: agent, stream: stream, source: source}
}

// Handle is the consumer runtime handler for this worker.
func (h *Harness) Handle(ctx context.Context, env *event.Envelope, _ map[string]string) error {
	if env.EventType != event.TypeWorkItemDispatched {
		return nil
	}
	var p event.DispatchPayload
	if err := env.DecodePayload(&p); err != nil {
		return failure.Failure{Category: failure.CategoryDecode, Reason: err.Error()}
	}
	if p.AgentTarget != h.agent.Target() {
		return nil
	}

	task := Task{
		ProjectID:     p.ProjectID,
		BacklogItemID: p.BacklogItemID,
		ItemType:      p.ItemType,
		CorrelationID: env.CorrelationID,
		WorkContext:   p.WorkContext,
	}

	if missing := h.missingInputs(p.WorkContext); len(missing) > 0 {
		slog.Info("[Worker] Inputs missing, requesting clarification",
			"agent", h.agent.Target(), "backlog_item_id", p.BacklogItemID, "missing", missing)
		h.traceAction(ctx, "clarification_requested", task, map[string]any{"missing_fields": missing})
		return h.emit(ctx, env, event.TypeClarificationNeeded, event.ClarificationPayload{
			ProjectID:     p.ProjectID,
			BacklogItemID: p.BacklogItemID,
			MissingFields: missing,
		})
	}

	if err := h.emit(ctx, env, event.TypeWorkItemStarted, event.StartedPayload{
		ProjectID:     p.ProjectID,
		BacklogItemID: p.BacklogItemID,
		StartedAt:     event.Now(),
	}); err != nil {
		return err
	}
	h.traceAction(ctx, "started", task, nil)

	start := time.Now()
	result, err := h.agent.Execute(ctx, task)
	if err != nil {
		return h.reportError(ctx, env, task, err)
	}
	slog.Info("[Worker] Task finished",
		"agent", h.agent.Target(), "backlog_item_id", p.BacklogItemID,
		"duration", time.Since(start).Round(time.Millisecond))

	if len(result.Deliverable) > 0 {
		if err := h.emit(ctx, env, event.TypeDeliverablePublished, event.DeliverablePayload{
			ProjectID:     p.ProjectID,
			BacklogItemID: p.BacklogItemID,
			Deliverable:   result.Deliverable,
		}); err != nil {
			return err
		}
	}
	h.traceAction(ctx, "completed", task, map[string]any{"evidence_keys": len(result.Evidence)})
	return h.emit(ctx, env, event.TypeWorkItemCompleted, event.CompletedPayload{
		ProjectID:     p.ProjectID,
		BacklogItemID: p.BacklogItemID,
		Evidence:      result.Evidence,
	})
}

// reportError translates an execution error into protocol events. Missing
// data asks for clarification, transient errors bubble up for redelivery,
// everything else fails the item.
func (h *Harness) reportError(ctx context.Context, env *event.Envelope, task Task, err error) error {
	missing := &failure.MissingDataError{}
	if errors.As(err, &missing) {
		h.traceAction(ctx, "clarification_requested", task, map[string]any{"missing_fields": missing.Fields})
		return h.emit(ctx, env, event.TypeClarificationNeeded, event.ClarificationPayload{
			ProjectID:     task.ProjectID,
			BacklogItemID: task.BacklogItemID,
			MissingFields: missing.Fields,
		})
	}
	if failure.IsRetryable(err) {
		return err
	}

	f := failure.Failure{Category: failure.CategoryTool, Reason: err.Error()}
	var typed failure.Failure
	contradiction := &failure.ContradictionError{}
	switch {
	case errors.As(err, &typed):
		f = typed
	case errors.As(err, &contradiction):
		f = contradiction.Failure()
	case errors.Is(err, context.DeadlineExceeded):
		f = failure.Failure{Category: failure.CategoryTimeout, Reason: err.Error()}
	}
	slog.Warn("[Worker] Task failed",
		"agent", h.agent.Target(), "backlog_item_id", task.BacklogItemID,
		"category", f.Category, "reason", f.Reason)
	h.traceAction(ctx, "failed", task, map[string]any{"category": string(f.Category), "reason": f.Reason})
	return h.emit(ctx, env, event.TypeWorkItemFailed, event.FailedPayload{
		ProjectID:     task.ProjectID,
		BacklogItemID: task.BacklogItemID,
		Reason:        f.Reason,
		Category:      string(f.Category),
	})
}

func (h *Harness) missingInputs(workContext map[string]any) []string {
	var missing []string
	for _, key := range h.agent.RequiredInputs() {
		v, ok := workContext[key]
		if !ok || v == nil || v == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

func (h *Harness) emit(ctx context.Context, cause *event.Envelope, eventType string, payload any) error {
	env, err := event.Build(eventType, payload, h.source,
		event.WithCorrelationID(cause.CorrelationID),
		event.WithCausationID(cause.EventID),
	)
	if err != nil {
		return failure.Failure{Category: failure.CategoryContract, Reason: err.Error()}
	}
	fields, err := env.Fields()
	if err != nil {
		return failure.Failure{Category: failure.CategoryContract, Reason: err.Error()}
	}
	if _, err := h.store.StreamAdd(ctx, h.stream, fields); err != nil {
		return failure.Retryable(fmt.Errorf("publish %s: %w", eventType, err))
	}
	return nil
}

func (h *Harness) traceAction(ctx context.Context, action string, task Task, detail map[string]any) {
	if h.trace == nil {
		return
	}
	h.trace.Append(ctx, trace.Record{
		Agent:         h.agent.Target(),
		Action:        action,
		ProjectID:     task.ProjectID,
		BacklogItemID: task.BacklogItemID,
		CorrelationID: task.CorrelationID,
		Detail:        detail,
	})
}
