// Package dlq appends quarantine records for entries that cannot be
// processed. A DLQ record keeps the verbatim original fields plus a
// best-effort decode of the envelope, so nothing is lost to inspection
// even when the entry was garbage.
package dlq

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/event"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/substrate"
)

// WireField is the single field a DLQ stream entry carries.
const WireField = "dlq"

// Record is the JSON document written under the "dlq" field.
type Record struct {
	Timestamp      string            `json:"timestamp"`
	EventID        string            `json:"event_id,omitempty"`
	EventType      string            `json:"event_type,omitempty"`
	Reason         string            `json:"reason"`
	SchemaID       string            `json:"schema_id,omitempty"`
	OriginalEvent  *event.Envelope   `json:"original_event,omitempty"`
	OriginalFields map[string]string `json:"original_fields"`
}

// Publisher appends quarantine records to the DLQ stream.
type Publisher struct {
	store  substrate.Store
	stream string
}

// NewPublisher creates a publisher for the given DLQ stream.
func NewPublisher(store substrate.Store, stream string) *Publisher {
	if stream == "" {
		stream = "audit:dlq"
	}
	return &Publisher{store: store, stream: stream}
}

// Option customizes a DLQ record.
type Option func(*Record)

// WithSchemaID records the $id of the schema that rejected the entry.
func WithSchemaID(id string) Option {
	return func(r *Record) { r.SchemaID = id }
}

// Publish writes a quarantine record and returns the DLQ entry id. It never
// fails on caller input: an unparseable original is preserved verbatim.
func (p *Publisher) Publish(ctx context.Context, reason string, originalFields map[string]string, opts ...Option) (string, error) {
	if originalFields == nil {
		originalFields = map[string]string{}
	}
	rec := Record{
		Timestamp:      event.Now(),
		Reason:         reason,
		OriginalFields: originalFields,
	}
	for _, opt := range opts {
		opt(&rec)
	}

	// Best-effort envelope decode for event_id/event_type extraction.
	if env, err := event.Decode(originalFields); err == nil {
		rec.EventID = env.EventID
		rec.EventType = env.EventType
		rec.OriginalEvent = env
	}

	doc, err := json.Marshal(rec)
	if err != nil {
		// Field values are strings, so this only fires on exotic reasons.
		doc = []byte(`{"reason":"dlq_record_marshal_failed"}`)
	}

	id, err := p.store.StreamAdd(ctx, p.stream, map[string]string{WireField: string(doc)})
	if err != nil {
		return "", err
	}
	slog.Warn("[DLQ] Quarantined entry", "reason", reason, "event_type", rec.EventType, "dlq_id", id)
	return id, nil
}
