// Package runtime implements the generic reliable stream processor used by
// the validator, the orchestrator and every worker. Each instance binds
// (stream, group, consumer, handler) and loops: read new entries, reclaim
// pending ones, validate, dedupe, dispatch, ack.
//
// Delivery is at least once. Duplicates are absorbed by the idempotence
// guard; transient handler failures are left pending so the reclaim path
// redelivers them, up to MaxAttempts before quarantine.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/dlq"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/event"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/failure"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/idempotence"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/schema"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/substrate"
)

// Handler processes one validated, deduplicated envelope. Returning an
// error wrapped with failure.Retryable leaves the entry pending for
// reclaim; any other error quarantines the entry and acks it.
type Handler func(ctx context.Context, env *event.Envelope, raw map[string]string) error

// Config binds a consumer instance to its stream and tuning knobs.
type Config struct {
	Stream   string
	Group    string
	Consumer string

	Count          int64
	Block          time.Duration
	IdleReclaim    time.Duration
	ReclaimCount   int64
	MaxAttempts    int
	DedupeTTL      time.Duration
	HandlerTimeout time.Duration

	// AttemptPrefix namespaces the per-event retry counters in the KV store.
	AttemptPrefix string
	// HandlerErrReason is the DLQ reason for non-retryable handler errors.
	HandlerErrReason string
}

func (c *Config) defaults() {
	if c.Count == 0 {
		c.Count = 10
	}
	if c.Block == 0 {
		c.Block = 5 * time.Second
	}
	if c.IdleReclaim == 0 {
		c.IdleReclaim = 5 * time.Second
	}
	if c.ReclaimCount == 0 {
		c.ReclaimCount = 50
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.DedupeTTL == 0 {
		c.DedupeTTL = 24 * time.Hour
	}
	if c.AttemptPrefix == "" {
		c.AttemptPrefix = "audit:attempts"
	}
	if c.HandlerErrReason == "" {
		c.HandlerErrReason = "handler_error"
	}
}

// Consumer is one reliable processing loop.
type Consumer struct {
	store    substrate.Store
	registry *schema.Registry
	guard    *idempotence.Guard
	dlq      *dlq.Publisher
	handler  Handler
	metrics  *Metrics
	cfg      Config
	log      *slog.Logger
}

// NewConsumer wires a consumer loop. metrics may be shared across loops.
func NewConsumer(
	store substrate.Store,
	registry *schema.Registry,
	guard *idempotence.Guard,
	dlqPub *dlq.Publisher,
	metrics *Metrics,
	handler Handler,
	cfg Config,
) *Consumer {
	cfg.defaults()
	return &Consumer{
		store:    store,
		registry: registry,
		guard:    guard,
		dlq:      dlqPub,
		handler:  handler,
		metrics:  metrics,
		cfg:      cfg,
		log:      slog.With("group", cfg.Group, "consumer", cfg.Consumer),
	}
}

// Run processes entries until ctx is cancelled. A cancellation mid-batch
// finishes the current entry (its ack included) and returns; anything not
// yet acked will be redelivered to the group.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.store.EnsureGroup(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
		return err
	}
	c.log.Info("[Consumer] Listening", "stream", c.cfg.Stream)

	for {
		if ctx.Err() != nil {
			c.log.Info("[Consumer] Stopped")
			return ctx.Err()
		}
		n, err := c.ConsumeOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("[Consumer] Stopped")
				return ctx.Err()
			}
			c.log.Error("[Consumer] Read failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if n == 0 {
			// Nothing new, nothing reclaimable; the blocking read above
			// already paced us.
			continue
		}
	}
}

// ConsumeOnce performs a single read-new / reclaim-pending cycle and
// processes whatever it got. It returns the number of entries handled.
func (c *Consumer) ConsumeOnce(ctx context.Context) (int, error) {
	entries, err := c.store.ReadGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.Count, c.cfg.Block)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		entries, err = c.store.AutoClaim(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.IdleReclaim, c.cfg.ReclaimCount)
		if err != nil {
			c.log.Warn("[Consumer] Reclaim failed", "error", err)
			return 0, nil
		}
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		c.processEntry(ctx, entry)
	}
	return len(entries), nil
}

func (c *Consumer) processEntry(ctx context.Context, entry substrate.Entry) {
	// Decode. Garbage never retries: quarantine and move on.
	env, err := event.Decode(entry.Fields)
	if err != nil {
		c.quarantine(ctx, "envelope_decode: "+err.Error(), entry, "")
		c.ack(ctx, entry.ID)
		return
	}
	doc, err := event.DecodeDocument(entry.Fields)
	if err != nil {
		c.quarantine(ctx, "envelope_decode: "+err.Error(), entry, "")
		c.ack(ctx, entry.ID)
		return
	}

	// Contract checks.
	if err := c.registry.ValidateEnvelope(doc); err != nil {
		c.quarantine(ctx, "envelope_validation: "+err.Error(), entry, schemaID(err))
		c.ack(ctx, entry.ID)
		return
	}
	payloadDoc := payloadOf(doc)
	if err := c.registry.ValidatePayload(env.EventType, payloadDoc); err != nil {
		unknown := &schema.UnknownTypeError{}
		reason := "payload_validation: " + err.Error()
		if errors.As(err, &unknown) {
			reason = "unknown_event_type: " + env.EventType
		}
		c.quarantine(ctx, reason, entry, schemaID(err))
		c.ack(ctx, entry.ID)
		return
	}

	// Dedupe per (group, event_id).
	seen, err := c.guard.IsProcessed(ctx, c.cfg.Group, env.EventID)
	if err != nil {
		c.log.Warn("[Consumer] Idempotence check failed", "event_id", env.EventID, "error", err)
		return // leave pending, reclaim will retry
	}
	if seen {
		c.metrics.EntriesProcessed.WithLabelValues(c.cfg.Group, "duplicate").Inc()
		c.ack(ctx, entry.ID)
		return
	}

	attempts, err := c.bumpAttempts(ctx, env.EventID)
	if err != nil {
		c.log.Warn("[Consumer] Attempt counter failed", "event_id", env.EventID, "error", err)
		attempts = 1
	}

	herr := c.invoke(ctx, env, entry.Fields)
	if herr == nil {
		if _, err := c.guard.MarkIfNew(ctx, c.cfg.Group, env.EventID, c.cfg.DedupeTTL); err != nil {
			c.log.Warn("[Consumer] Mark processed failed", "event_id", env.EventID, "error", err)
		}
		c.metrics.EntriesProcessed.WithLabelValues(c.cfg.Group, "ok").Inc()
		c.ack(ctx, entry.ID)
		return
	}

	if failure.IsRetryable(herr) || errors.Is(herr, context.DeadlineExceeded) {
		if attempts >= int64(c.cfg.MaxAttempts) {
			c.quarantine(ctx, "max_attempts_exhausted", entry, "")
			c.ack(ctx, entry.ID)
			return
		}
		// No ack: the entry stays pending and the reclaim path retries it.
		c.metrics.EntriesProcessed.WithLabelValues(c.cfg.Group, "retry").Inc()
		c.metrics.RetriesTotal.WithLabelValues(c.cfg.Group).Inc()
		c.log.Warn("[Consumer] Transient handler failure, leaving pending",
			"event_type", env.EventType, "event_id", env.EventID, "attempt", attempts, "error", herr)
		return
	}

	// Poison input must not stall the loop: quarantine and ack.
	c.quarantine(ctx, c.cfg.HandlerErrReason+": "+herr.Error(), entry, "")
	c.ack(ctx, entry.ID)
}

// invoke runs the handler under the configured wall-clock budget.
func (c *Consumer) invoke(ctx context.Context, env *event.Envelope, raw map[string]string) error {
	start := time.Now()
	hctx := ctx
	if c.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, c.cfg.HandlerTimeout)
		defer cancel()
	}
	err := c.handler(hctx, env, raw)
	c.metrics.HandlerDuration.WithLabelValues(c.cfg.Group).Observe(time.Since(start).Seconds())
	if err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: handler timeout after %s", failure.ErrRetryable, c.cfg.HandlerTimeout)
	}
	return err
}

func (c *Consumer) bumpAttempts(ctx context.Context, eventID string) (int64, error) {
	key := fmt.Sprintf("%s:%s:%s", c.cfg.AttemptPrefix, c.cfg.Group, eventID)
	attempts, err := c.store.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := c.store.Expire(ctx, key, c.cfg.DedupeTTL); err != nil {
		c.log.Warn("[Consumer] Attempt TTL failed", "key", key, "error", err)
	}
	return attempts, nil
}

func (c *Consumer) quarantine(ctx context.Context, reason string, entry substrate.Entry, schemaID string) {
	var opts []dlq.Option
	if schemaID != "" {
		opts = append(opts, dlq.WithSchemaID(schemaID))
	}
	if _, err := c.dlq.Publish(ctx, reason, entry.Fields, opts...); err != nil {
		c.log.Error("[Consumer] DLQ publish failed", "reason", reason, "error", err)
	}
	c.metrics.EntriesProcessed.WithLabelValues(c.cfg.Group, "dlq").Inc()
	c.metrics.DLQTotal.WithLabelValues(c.cfg.Group, reasonLabel(reason)).Inc()
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.store.Ack(ctx, c.cfg.Stream, c.cfg.Group, id); err != nil {
		c.log.Warn("[Consumer] Ack failed", "entry_id", id, "error", err)
	}
}

func schemaID(err error) string {
	se := &schema.Error{}
	if errors.As(err, &se) {
		return se.SchemaID
	}
	return ""
}

// reasonLabel trims the free-text suffix so the DLQ metric keeps a bounded
// label set.
func reasonLabel(reason string) string {
	for i := 0; i < len(reason); i++ {
		if reason[i] == ':' {
			return reason[:i]
		}
	}
	return reason
}

func payloadOf(doc any) any {
	m, ok := doc.(map[string]any)
	if !ok {
		return nil
	}
	return m["payload"]
}
