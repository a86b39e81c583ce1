// Package trace appends per-agent activity records to dedicated streams so
// operators can replay what an agent saw and decided, independently of the
// main event stream.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/substrate"
)

// Record is one trace line for an agent.
type Record struct {
	Timestamp     string         `json:"timestamp"`
	Agent         string         `json:"agent"`
	Action        string         `json:"action"`
	ProjectID     string         `json:"project_id,omitempty"`
	BacklogItemID string         `json:"backlog_item_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// Logger writes trace records to per-agent streams under a common prefix.
type Logger struct {
	store  substrate.Store
	prefix string
}

// NewLogger creates a trace logger writing to "{prefix}:{agent}" streams.
func NewLogger(store substrate.Store, prefix string) *Logger {
	if prefix == "" {
		prefix = "audit:trace"
	}
	return &Logger{store: store, prefix: prefix}
}

// Append writes one record. Tracing is best effort: failures are logged
// and swallowed so they never disturb event processing.
func (l *Logger) Append(ctx context.Context, rec Record) {
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("[Trace] Encode failed", "agent", rec.Agent, "action", rec.Action, "error", err)
		return
	}
	stream := fmt.Sprintf("%s:%s", l.prefix, rec.Agent)
	if _, err := l.store.StreamAdd(ctx, stream, map[string]string{"trace": string(doc)}); err != nil {
		slog.Warn("[Trace] Append failed", "stream", stream, "error", err)
	}
}

// Recent reads up to count records from the start of an agent's trace
// stream, oldest first.
func (l *Logger) Recent(ctx context.Context, agent string, count int64) ([]Record, error) {
	stream := fmt.Sprintf("%s:%s", l.prefix, agent)
	entries, err := l.store.StreamRange(ctx, stream, count)
	if err != nil {
		return nil, fmt.Errorf("read trace %s: %w", stream, err)
	}
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		raw, ok := e.Fields["trace"]
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
