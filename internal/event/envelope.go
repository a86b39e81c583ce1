// Package event defines the canonical envelope every stream entry carries
// and the build/decode helpers that keep correlation and causation flowing.
//
// On the wire an entry has a single field "event" whose value is the JSON
// encoding of the envelope. Consumers tolerate extra fields on the entry.
package event

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// WireField is the stream entry field holding the encoded envelope.
const WireField = "event"

// Envelope is the canonical wrapper for every event on the main stream.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	Timestamp     string          `json:"timestamp"`
	Source        string          `json:"source"`
	Instance      string          `json:"instance"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Option customizes Build.
type Option func(*Envelope)

// WithCorrelationID propagates an existing workflow correlation id.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithCausationID records the event_id whose processing emitted this one.
func WithCausationID(id string) Option {
	return func(e *Envelope) { e.CausationID = id }
}

// WithInstance overrides the producer instance tag.
func WithInstance(instance string) Option {
	return func(e *Envelope) { e.Instance = instance }
}

// WithVersion overrides the envelope version (default 1).
func WithVersion(v int) Option {
	return func(e *Envelope) { e.EventVersion = v }
}

// Build constructs an envelope with a fresh event_id and an RFC3339 UTC
// timestamp at seconds precision. The correlation id is generated when not
// supplied; the instance tag defaults to HOSTNAME, then to the source.
func Build(eventType string, payload any, source string, opts ...Option) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	env := &Envelope{
		EventID:      uuid.New().String(),
		EventType:    eventType,
		EventVersion: 1,
		Timestamp:    Now(),
		Source:       source,
		Payload:      raw,
	}
	for _, opt := range opts {
		opt(env)
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.New().String()
	}
	if env.Instance == "" {
		if host := os.Getenv("HOSTNAME"); host != "" {
			env.Instance = host
		} else {
			env.Instance = source
		}
	}
	return env, nil
}

// Now returns the envelope timestamp format: RFC3339, UTC, seconds precision.
func Now() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}

// Fields renders the envelope as stream entry fields.
func (e *Envelope) Fields() (map[string]string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return map[string]string{WireField: string(data)}, nil
}

// DecodeError reports an entry that could not be turned into an envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses the envelope out of raw stream entry fields. Extra fields
// on the entry are ignored.
func Decode(fields map[string]string) (*Envelope, error) {
	raw, ok := fields[WireField]
	if !ok {
		return nil, &DecodeError{Reason: "missing field 'event'"}
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}
	return &env, nil
}

// DecodeDocument parses the raw envelope into a generic document for schema
// validation, which operates on decoded JSON rather than Go structs.
func DecodeDocument(fields map[string]string) (any, error) {
	raw, ok := fields[WireField]
	if !ok {
		return nil, &DecodeError{Reason: "missing field 'event'"}
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}
	return doc, nil
}
