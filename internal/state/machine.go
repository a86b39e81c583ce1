// Package state holds the backlog status enum and its transition table.
// Every status change anywhere in the system goes through AssertTransition.
package state

import "fmt"

// Status is the lifecycle state of a backlog item.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusReady      Status = "READY"
	StatusBlocked    Status = "BLOCKED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
)

// allowed maps each status to the set of statuses it may transition to.
// DONE and FAILED are absorbing.
var allowed = map[Status]map[Status]bool{
	StatusCreated:    {StatusReady: true, StatusBlocked: true, StatusFailed: true},
	StatusReady:      {StatusInProgress: true, StatusBlocked: true, StatusFailed: true},
	StatusBlocked:    {StatusReady: true, StatusFailed: true},
	StatusInProgress: {StatusDone: true, StatusFailed: true, StatusBlocked: true},
	StatusDone:       {},
	StatusFailed:     {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := allowed[s]
	return ok
}

// IsTerminal reports whether s admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// IllegalTransition is returned when a status change is not in the table.
type IllegalTransition struct {
	From   Status
	To     Status
	Reason string
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s: %s", e.From, e.To, e.Reason)
}

// IsAllowed reports whether from -> to is a legal transition.
func IsAllowed(from, to Status) bool {
	return allowed[from][to]
}

// AssertTransition validates from -> to, returning IllegalTransition
// with a reason when the table rejects it.
func AssertTransition(from, to Status) error {
	if !from.Valid() {
		return &IllegalTransition{From: from, To: to, Reason: "unknown source status"}
	}
	if !to.Valid() {
		return &IllegalTransition{From: from, To: to, Reason: "unknown target status"}
	}
	if from.IsTerminal() {
		return &IllegalTransition{From: from, To: to, Reason: "terminal status is absorbing"}
	}
	if !IsAllowed(from, to) {
		return &IllegalTransition{From: from, To: to, Reason: "not in transition table"}
	}
	return nil
}
