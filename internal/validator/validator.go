// Package validator is the contract guard on the main stream. All the real
// work (decode, envelope and payload validation, quarantine) happens in the
// consumer runtime; the validator's handler only confirms the entry passed,
// so its group acts as a DLQ feeder and a contract health signal.
package validator

import (
	"context"
	"log/slog"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/event"
)

// Group is the validator's consumer group on the main stream.
const Group = "validators"

// Handle accepts any event that survived validation.
func Handle(_ context.Context, env *event.Envelope, _ map[string]string) error {
	slog.Debug("[Validator] Contract check passed",
		"event_type", env.EventType, "event_id", env.EventID, "source", env.Source)
	return nil
}
