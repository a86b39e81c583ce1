// Package orchestrator owns the workflow brain: it turns initial requests
// into backlogs, dispatches READY items to worker groups, runs the
// clarification loop and applies completion or failure to the backlog.
// Workers never touch backlog status; every transition happens here.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/backlog"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/dod"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/event"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/failure"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/locks"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/question"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/state"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/substrate"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/trace"
)

// Source is the producer tag on orchestrator-emitted events.
const Source = "orchestrator"

// Metrics are the orchestrator's own instruments, beyond the consumer
// runtime's generic ones.
type Metrics struct {
	ItemsDispatched  prometheus.Counter
	QuestionsCreated prometheus.Counter
	ItemsFinished    *prometheus.CounterVec
}

// NewMetrics registers orchestrator metrics with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ItemsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backlog_items_dispatched_total",
			Help:      "Backlog items handed to worker groups",
		}),
		QuestionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "questions_created_total",
			Help:      "Clarification questions opened",
		}),
		ItemsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backlog_items_finished_total",
			Help:      "Backlog items reaching a terminal status",
		}, []string{"result"}),
	}
}

// Orchestrator reacts to workflow events and drives the backlog.
type Orchestrator struct {
	store     substrate.Store
	backlog   *backlog.Store
	questions *question.Store
	locks     *locks.Service
	dod       *dod.Registry
	trace     *trace.Logger
	planner   Planner
	rules     []Rule
	metrics   *Metrics

	stream     string
	lockPrefix string
	lockTTL    time.Duration
}

// Config carries the orchestrator's wiring.
type Config struct {
	Stream     string
	LockPrefix string
	LockTTL    time.Duration
	Planner    Planner
	Rules      []Rule
}

// New assembles an orchestrator. Nil planner and rules get the defaults.
func New(
	store substrate.Store,
	backlogStore *backlog.Store,
	questionStore *question.Store,
	lockSvc *locks.Service,
	dodRegistry *dod.Registry,
	traceLog *trace.Logger,
	metrics *Metrics,
	cfg Config,
) *Orchestrator {
	if cfg.Stream == "" {
		cfg.Stream = "audit:events"
	}
	if cfg.LockPrefix == "" {
		cfg.LockPrefix = "audit:lock:dispatch"
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.Planner == nil {
		cfg.Planner = DefaultPlanner()
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	return &Orchestrator{
		store:      store,
		backlog:    backlogStore,
		questions:  questionStore,
		locks:      lockSvc,
		dod:        dodRegistry,
		trace:      traceLog,
		planner:    cfg.Planner,
		rules:      cfg.Rules,
		metrics:    metrics,
		stream:     cfg.Stream,
		lockPrefix: cfg.LockPrefix,
		lockTTL:    cfg.LockTTL,
	}
}

// Handle routes one validated event. Types the orchestrator does not react
// to (its own dispatches, worker progress notes) are acknowledged silently.
func (o *Orchestrator) Handle(ctx context.Context, env *event.Envelope, _ map[string]string) error {
	switch env.EventType {
	case event.TypeInitialRequestReceived:
		return o.handleInitialRequest(ctx, env)
	case event.TypeAnswerSubmitted:
		return o.handleAnswer(ctx, env)
	case event.TypeClarificationNeeded:
		return o.handleClarification(ctx, env)
	case event.TypeWorkItemCompleted:
		return o.handleCompleted(ctx, env)
	case event.TypeWorkItemFailed:
		return o.handleFailed(ctx, env)
	default:
		return nil
	}
}

func (o *Orchestrator) handleInitialRequest(ctx context.Context, env *event.Envelope) error {
	var p event.InitialRequestPayload
	if err := env.DecodePayload(&p); err != nil {
		return failure.Failure{Category: failure.CategoryDecode, Reason: err.Error()}
	}

	items := o.planner.Plan(p.ProjectID, p.RequestText)
	if len(items) == 0 {
		return failure.Failure{Category: failure.CategoryReasoning, Reason: "planner produced empty backlog"}
	}
	for _, item := range items {
		if err := o.backlog.PutItem(ctx, item); err != nil {
			return failure.Retryable(err)
		}
	}
	slog.Info("[Orchestrator] Backlog created",
		"project_id", p.ProjectID, "items", len(items), "correlation_id", env.CorrelationID)
	o.traceAction(ctx, "backlog_created", p.ProjectID, "", env.CorrelationID,
		map[string]any{"items": len(items)})

	ambiguities := DetectAll(o.rules, p.RequestText)
	if len(ambiguities) > 0 {
		// An unclear request blocks the whole backlog; answers refine the
		// shared work context before any item runs.
		topics := make([]string, 0, len(ambiguities))
		for _, amb := range ambiguities {
			qid, err := o.openQuestion(ctx, env, p.ProjectID, items[0].ID, amb.QuestionText, amb.ExpectedAnswerType)
			if err != nil {
				return err
			}
			topics = append(topics, amb.Topic)
			slog.Info("[Orchestrator] Ambiguity detected",
				"project_id", p.ProjectID, "topic", amb.Topic, "question_id", qid)
		}
		if err := o.emit(ctx, env, event.TypeClarificationNeeded, event.ClarificationPayload{
			ProjectID:     p.ProjectID,
			BacklogItemID: items[0].ID,
			MissingFields: topics,
		}); err != nil {
			return err
		}
		open, err := o.questions.ListOpen(ctx, p.ProjectID)
		if err != nil {
			return failure.Retryable(err)
		}
		blockOn := ""
		if len(open) > 0 {
			blockOn = open[0]
		}
		for _, item := range items {
			if _, err := o.backlog.SetStatus(ctx, p.ProjectID, item.ID, state.StatusBlocked,
				backlog.WithBlockedOn(blockOn)); err != nil {
				return transitionErr(err)
			}
		}
		return nil
	}

	for _, item := range items {
		if _, err := o.backlog.SetStatus(ctx, p.ProjectID, item.ID, state.StatusReady); err != nil {
			return transitionErr(err)
		}
	}
	return o.DispatchReady(ctx, p.ProjectID, env.CorrelationID, env.EventID)
}

func (o *Orchestrator) handleAnswer(ctx context.Context, env *event.Envelope) error {
	var p event.AnswerPayload
	if err := env.DecodePayload(&p); err != nil {
		return failure.Failure{Category: failure.CategoryDecode, Reason: err.Error()}
	}

	q, err := o.questions.Close(ctx, p.ProjectID, p.QuestionID, p.Answer)
	if err != nil {
		if errors.Is(err, question.ErrNotFound) {
			return failure.Failure{Category: failure.CategoryContract,
				Reason: fmt.Sprintf("answer for unknown question %s", p.QuestionID)}
		}
		return failure.Retryable(err)
	}
	slog.Info("[Orchestrator] Question closed",
		"project_id", p.ProjectID, "question_id", q.ID, "correlation_id", env.CorrelationID)

	open, err := o.questions.ListOpen(ctx, p.ProjectID)
	if err != nil {
		return failure.Retryable(err)
	}
	// Items an open question still targets must not unblock yet.
	stillAsked := map[string]bool{}
	for _, qid := range open {
		oq, err := o.questions.Get(ctx, p.ProjectID, qid)
		if err != nil {
			return failure.Retryable(err)
		}
		stillAsked[oq.BacklogItemID] = true
	}

	blocked, err := o.backlog.ListItemIDsByStatus(ctx, p.ProjectID, state.StatusBlocked)
	if err != nil {
		return failure.Retryable(err)
	}
	released := false
	for _, itemID := range blocked {
		// Every blocked item learns the answer. The answered question's
		// own item unblocks as soon as no open question targets it; the
		// rest wait for the open set to drain.
		learn := backlog.WithWorkContext(map[string]any{"answer:" + q.ID: q.Answer})
		targeted := itemID == q.BacklogItemID && !stillAsked[itemID]
		if len(open) > 0 && !targeted {
			repoint := backlog.Mutation(func(it *backlog.Item) {
				if it.BlockedOnQuestion == q.ID {
					it.BlockedOnQuestion = open[0]
				}
			})
			if _, err := o.backlog.Amend(ctx, p.ProjectID, itemID, learn, repoint); err != nil {
				return failure.Retryable(err)
			}
			continue
		}
		item, err := o.backlog.SetStatus(ctx, p.ProjectID, itemID, state.StatusReady, learn)
		if err != nil {
			return transitionErr(err)
		}
		if err := o.emit(ctx, env, event.TypeBacklogItemUnblocked, event.UnblockedPayload{
			ProjectID:     p.ProjectID,
			BacklogItemID: item.ID,
			QuestionID:    q.ID,
		}); err != nil {
			return err
		}
		released = true
	}
	if len(open) > 0 && !released {
		slog.Info("[Orchestrator] Questions still open, backlog stays blocked",
			"project_id", p.ProjectID, "open", len(open))
	}
	return o.DispatchReady(ctx, p.ProjectID, env.CorrelationID, env.EventID)
}

func (o *Orchestrator) handleClarification(ctx context.Context, env *event.Envelope) error {
	var p event.ClarificationPayload
	if err := env.DecodePayload(&p); err != nil {
		return failure.Failure{Category: failure.CategoryDecode, Reason: err.Error()}
	}

	item, err := o.backlog.GetItem(ctx, p.ProjectID, p.BacklogItemID)
	if err != nil {
		if errors.Is(err, backlog.ErrNotFound) {
			return failure.Failure{Category: failure.CategoryContract,
				Reason: fmt.Sprintf("clarification for unknown item %s", p.BacklogItemID)}
		}
		return failure.Retryable(err)
	}
	if item.Status == state.StatusBlocked {
		return nil // replay of an already-handled clarification
	}

	text := fmt.Sprintf("Work on %q needs more input. Please provide: %v", item.Title, p.MissingFields)
	qid, err := o.openQuestion(ctx, env, p.ProjectID, p.BacklogItemID, text, "text")
	if err != nil {
		return err
	}
	if _, err := o.backlog.SetStatus(ctx, p.ProjectID, p.BacklogItemID, state.StatusBlocked,
		backlog.WithBlockedOn(qid)); err != nil {
		return transitionErr(err)
	}
	slog.Info("[Orchestrator] Item blocked on clarification",
		"project_id", p.ProjectID, "backlog_item_id", p.BacklogItemID, "question_id", qid,
		"missing_fields", p.MissingFields)
	return nil
}

func (o *Orchestrator) handleCompleted(ctx context.Context, env *event.Envelope) error {
	var p event.CompletedPayload
	if err := env.DecodePayload(&p); err != nil {
		return failure.Failure{Category: failure.CategoryDecode, Reason: err.Error()}
	}

	item, err := o.backlog.GetItem(ctx, p.ProjectID, p.BacklogItemID)
	if err != nil {
		if errors.Is(err, backlog.ErrNotFound) {
			return failure.Failure{Category: failure.CategoryContract,
				Reason: fmt.Sprintf("completion for unknown item %s", p.BacklogItemID)}
		}
		return failure.Retryable(err)
	}
	if item.Status.IsTerminal() {
		return nil
	}

	if err := o.dod.Evaluate(item, p.Evidence); err != nil {
		slog.Warn("[Orchestrator] Definition of done rejected",
			"project_id", p.ProjectID, "backlog_item_id", item.ID, "error", err)
		if _, serr := o.backlog.SetStatus(ctx, p.ProjectID, item.ID, state.StatusFailed,
			backlog.WithFailureReason(err.Error())); serr != nil {
			return transitionErr(serr)
		}
		o.metrics.ItemsFinished.WithLabelValues("failed").Inc()
		o.traceAction(ctx, "item_failed_dod", p.ProjectID, item.ID, env.CorrelationID,
			map[string]any{"reason": err.Error()})
		return o.DispatchReady(ctx, p.ProjectID, env.CorrelationID, env.EventID)
	}

	if _, err := o.backlog.SetStatus(ctx, p.ProjectID, item.ID, state.StatusDone,
		backlog.WithEvidence(p.Evidence)); err != nil {
		return transitionErr(err)
	}
	o.metrics.ItemsFinished.WithLabelValues("done").Inc()
	slog.Info("[Orchestrator] Item done",
		"project_id", p.ProjectID, "backlog_item_id", item.ID, "correlation_id", env.CorrelationID)
	o.traceAction(ctx, "item_done", p.ProjectID, item.ID, env.CorrelationID, nil)
	return o.DispatchReady(ctx, p.ProjectID, env.CorrelationID, env.EventID)
}

func (o *Orchestrator) handleFailed(ctx context.Context, env *event.Envelope) error {
	var p event.FailedPayload
	if err := env.DecodePayload(&p); err != nil {
		return failure.Failure{Category: failure.CategoryDecode, Reason: err.Error()}
	}

	item, err := o.backlog.GetItem(ctx, p.ProjectID, p.BacklogItemID)
	if err != nil {
		if errors.Is(err, backlog.ErrNotFound) {
			return failure.Failure{Category: failure.CategoryContract,
				Reason: fmt.Sprintf("failure report for unknown item %s", p.BacklogItemID)}
		}
		return failure.Retryable(err)
	}
	if item.Status.IsTerminal() {
		return nil
	}

	reason := fmt.Sprintf("%s: %s", p.Category, p.Reason)
	if _, err := o.backlog.SetStatus(ctx, p.ProjectID, item.ID, state.StatusFailed,
		backlog.WithFailureReason(reason)); err != nil {
		return transitionErr(err)
	}
	o.metrics.ItemsFinished.WithLabelValues("failed").Inc()
	slog.Warn("[Orchestrator] Item failed",
		"project_id", p.ProjectID, "backlog_item_id", item.ID, "category", p.Category, "reason", p.Reason)
	o.traceAction(ctx, "item_failed", p.ProjectID, item.ID, env.CorrelationID,
		map[string]any{"category": p.Category, "reason": p.Reason})
	return o.DispatchReady(ctx, p.ProjectID, env.CorrelationID, env.EventID)
}

// DispatchReady hands every READY item to its worker group, scoped to one
// project or sweeping all known projects when projectID is empty. A
// per-item lease keeps concurrent orchestrators from double-dispatching;
// the item moves to IN_PROGRESS only after the dispatch event is on the
// stream, so a crash in between redelivers rather than loses the item.
func (o *Orchestrator) DispatchReady(ctx context.Context, projectID, correlationID, causationID string) error {
	if projectID == "" {
		projects, err := o.backlog.ListProjectIDs(ctx)
		if err != nil {
			return failure.Retryable(err)
		}
		for _, pid := range projects {
			if err := o.dispatchProject(ctx, pid, correlationID, causationID); err != nil {
				return err
			}
		}
		return nil
	}
	return o.dispatchProject(ctx, projectID, correlationID, causationID)
}

func (o *Orchestrator) dispatchProject(ctx context.Context, projectID, correlationID, causationID string) error {
	ready, err := o.backlog.ListItemIDsByStatus(ctx, projectID, state.StatusReady)
	if err != nil {
		return failure.Retryable(err)
	}
	for _, itemID := range ready {
		if err := o.dispatchOne(ctx, projectID, itemID, correlationID, causationID); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) dispatchOne(ctx context.Context, projectID, itemID, correlationID, causationID string) error {
	lockName := fmt.Sprintf("%s:%s:%s", o.lockPrefix, projectID, itemID)
	lease, err := o.locks.Acquire(ctx, lockName, o.lockTTL)
	if err != nil {
		return failure.Retryable(err)
	}
	if lease == nil {
		slog.Info("[Orchestrator] Dispatch lease held elsewhere, skipping",
			"project_id", projectID, "backlog_item_id", itemID)
		return nil
	}
	defer o.locks.Release(ctx, lease)

	item, err := o.backlog.GetItem(ctx, projectID, itemID)
	if err != nil {
		return failure.Retryable(err)
	}
	if item.Status != state.StatusReady {
		return nil // someone else got here under an earlier lease
	}

	env, err := event.Build(event.TypeWorkItemDispatched, event.DispatchPayload{
		ProjectID:     projectID,
		BacklogItemID: item.ID,
		ItemType:      item.ItemType,
		AgentTarget:   item.AgentTarget,
		WorkContext:   item.WorkContext,
	}, Source,
		event.WithCorrelationID(correlationID),
		event.WithCausationID(causationID),
	)
	if err != nil {
		return failure.Failure{Category: failure.CategoryContract, Reason: err.Error()}
	}
	fields, err := env.Fields()
	if err != nil {
		return failure.Failure{Category: failure.CategoryContract, Reason: err.Error()}
	}
	if _, err := o.store.StreamAdd(ctx, o.stream, fields); err != nil {
		return failure.Retryable(err)
	}
	if _, err := o.backlog.SetStatus(ctx, projectID, item.ID, state.StatusInProgress); err != nil {
		it := &state.IllegalTransition{}
		if errors.As(err, &it) {
			// A concurrent status change won the race; this item is no
			// longer dispatchable but the rest of the batch still is.
			slog.Warn("[Orchestrator] Dispatch raced a status change, skipping item",
				"project_id", projectID, "backlog_item_id", item.ID, "error", err)
			return nil
		}
		return failure.Retryable(err)
	}
	o.metrics.ItemsDispatched.Inc()
	slog.Info("[Orchestrator] Item dispatched",
		"project_id", projectID, "backlog_item_id", item.ID,
		"agent_target", item.AgentTarget, "correlation_id", correlationID)
	o.traceAction(ctx, "item_dispatched", projectID, item.ID, correlationID,
		map[string]any{"agent_target": item.AgentTarget})
	return nil
}

// openQuestion creates the question, emits QUESTION.CREATED and returns the
// question id.
func (o *Orchestrator) openQuestion(ctx context.Context, cause *event.Envelope, projectID, itemID, text, answerType string) (string, error) {
	q := &question.Question{
		ID:                 uuid.New().String(),
		ProjectID:          projectID,
		BacklogItemID:      itemID,
		Text:               text,
		ExpectedAnswerType: answerType,
	}
	if err := o.questions.Create(ctx, q); err != nil {
		return "", failure.Retryable(err)
	}
	o.metrics.QuestionsCreated.Inc()
	if err := o.emit(ctx, cause, event.TypeQuestionCreated, event.QuestionCreatedPayload{
		ProjectID:          projectID,
		QuestionID:         q.ID,
		BacklogItemID:      itemID,
		QuestionText:       text,
		ExpectedAnswerType: answerType,
	}); err != nil {
		return "", err
	}
	o.traceAction(ctx, "question_created", projectID, itemID, cause.CorrelationID,
		map[string]any{"question_id": q.ID})
	return q.ID, nil
}

// emit publishes an event caused by cause, inheriting its correlation id.
func (o *Orchestrator) emit(ctx context.Context, cause *event.Envelope, eventType string, payload any) error {
	env, err := event.Build(eventType, payload, Source,
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
	if _, err := o.store.StreamAdd(ctx, o.stream, fields); err != nil {
		return failure.Retryable(err)
	}
	return nil
}

func (o *Orchestrator) traceAction(ctx context.Context, action, projectID, itemID, correlationID string, detail map[string]any) {
	if o.trace == nil {
		return
	}
	o.trace.Append(ctx, trace.Record{
		Agent:         Source,
		Action:        action,
		ProjectID:     projectID,
		BacklogItemID: itemID,
		CorrelationID: correlationID,
		Detail:        detail,
	})
}

// transitionErr maps storage errors to retryable failures while letting
// transition-table rejections surface as terminal handler errors.
func transitionErr(err error) error {
	it := &state.IllegalTransition{}
	if errors.As(err, &it) {
		return failure.Failure{Category: failure.CategoryIllegalTransit, Reason: err.Error()}
	}
	return failure.Retryable(err)
}
