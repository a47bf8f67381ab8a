package gate

import (
	"errors"
	"time"
)

// EventType enumerates gate scan outcomes.
type EventType string

const (
	EventCheckIn  EventType = "CheckIn"
	EventCheckOut EventType = "CheckOut"
	EventDenied   EventType = "Denied"
)

// Event is one append-only ledger record. A CheckIn record is mutated exactly
// once: its CheckOutAt is set when the matching checkout occurs.
type Event struct {
	ID         int64
	PassID     int64
	GateID     string
	GateName   string
	OperatorID int64
	Type       EventType
	CheckInAt  *time.Time
	CheckOutAt *time.Time
	DenyReason string
	CreatedAt  time.Time
}

// Open reports whether the event is a check-in with no recorded checkout.
func (e Event) Open() bool {
	return e.Type == EventCheckIn && e.CheckOutAt == nil
}

var (
	// ErrInvalidState occurs when the live pass is not in an enterable state.
	ErrInvalidState = errors.New("gate: pass not in a valid state for entry")
	// ErrOutsideWindow occurs when a check-in falls outside the validity window.
	ErrOutsideWindow = errors.New("gate: outside validity window")
	// ErrAlreadyCheckedIn occurs when an open check-in session already exists.
	ErrAlreadyCheckedIn = errors.New("gate: already checked in")
	// ErrNoActiveCheckIn occurs when a checkout finds no open session.
	ErrNoActiveCheckIn = errors.New("gate: no active check-in")
	// ErrNotFound indicates the event or pass does not exist.
	ErrNotFound = errors.New("gate: not found")
)
