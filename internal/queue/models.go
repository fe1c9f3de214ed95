package queue

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a queued call.
// The set is closed; use CanTransition before persisting any change.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusScheduled  Status = "scheduled"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// DefaultPriority is applied when a caller does not specify one.
// Lower values are dispatched first.
const DefaultPriority = 1

var allStatuses = []Status{
	StatusQueued,
	StatusScheduled,
	StatusAssigned,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
	StatusFailed,
}

// transitions is the full state machine. Anything not listed is rejected.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusAssigned, StatusCancelled, StatusFailed},
	StatusScheduled:  {StatusAssigned, StatusCancelled, StatusFailed},
	StatusAssigned:   {StatusInProgress, StatusQueued, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusQueued},
	StatusCompleted:  nil,
	StatusCancelled:  nil,
	StatusFailed:     nil,
}

func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("queue: unknown status %q", s)
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// HoldsProvider reports whether an entry in this status must reference a provider.
func (s Status) HoldsProvider() bool {
	return s == StatusAssigned || s == StatusInProgress
}

// Cancellable reports whether a user may still cancel an entry in this status.
func (s Status) Cancellable() bool {
	return s == StatusQueued || s == StatusScheduled
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Entry is one requested outbound call.
//
// Invariants:
// - ProviderID is non-empty iff Status.HoldsProvider().
// - Entries are never deleted; terminal entries are kept for history.
type Entry struct {
	ID              string            `json:"id" db:"id"`
	UserID          string            `json:"user_id" db:"user_id"`
	RecipientNumber string            `json:"recipient_number" db:"recipient_number"`
	TemplateID      string            `json:"template_id" db:"template_id"`
	CustomVariables map[string]string `json:"custom_variables" db:"custom_variables"`

	// ScheduledTime is nil for immediate calls.
	ScheduledTime *time.Time `json:"scheduled_time,omitempty" db:"scheduled_time"`

	Status   Status `json:"status" db:"status"`
	Priority int    `json:"priority" db:"priority"`

	ProviderID string `json:"provider_id,omitempty" db:"provider_id"`

	// NotBefore holds back a requeued entry until its retry backoff elapses.
	NotBefore *time.Time `json:"not_before,omitempty" db:"not_before"`
	Attempts  int        `json:"attempts" db:"attempts"`
	LastError string     `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Eligible reports whether the entry may be dispatched at now.
func (e Entry) Eligible(now time.Time) bool {
	switch e.Status {
	case StatusQueued:
		return e.NotBefore == nil || !e.NotBefore.After(now)
	case StatusScheduled:
		return e.ScheduledTime != nil && !e.ScheduledTime.After(now)
	default:
		return false
	}
}

func (e Entry) clone() Entry {
	out := e
	if e.CustomVariables != nil {
		out.CustomVariables = make(map[string]string, len(e.CustomVariables))
		for k, v := range e.CustomVariables {
			out.CustomVariables[k] = v
		}
	}
	if e.ScheduledTime != nil {
		t := *e.ScheduledTime
		out.ScheduledTime = &t
	}
	if e.NotBefore != nil {
		t := *e.NotBefore
		out.NotBefore = &t
	}
	return out
}

// Transition describes a conditional status change.
// The update only applies if the current status is one of Expected.
type Transition struct {
	To       Status
	Expected []Status

	// ProviderID is required when To holds a provider and ignored otherwise.
	ProviderID string

	// NotBefore is applied when To is queued.
	NotBefore *time.Time

	// LastError overwrites the stored failure reason when non-empty.
	LastError string

	// CountAttempt increments Attempts.
	CountAttempt bool

	// DueBy, when set, also requires the entry to be dispatchable at that
	// instant (see Entry.Eligible). A claim made from an earlier batch read
	// loses to a requeue that pushed the entry into the future.
	DueBy *time.Time

	// AtAttempt, when positive, also requires Attempts to equal it.
	AtAttempt int
}

func (t Transition) validate() error {
	if !t.To.Valid() {
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, t.To)
	}
	if len(t.Expected) == 0 {
		return fmt.Errorf("%w: expected status required", ErrInvalidTransition)
	}
	for _, from := range t.Expected {
		if !CanTransition(from, t.To) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, t.To)
		}
	}
	if t.To.HoldsProvider() && t.ProviderID == "" {
		return fmt.Errorf("%w: provider required for %s", ErrInvalidTransition, t.To)
	}
	if t.DueBy != nil {
		for _, from := range t.Expected {
			if from != StatusQueued && from != StatusScheduled {
				return fmt.Errorf("%w: due check on %s", ErrInvalidTransition, from)
			}
		}
	}
	return nil
}

// guard reports why e fails the transition's extra conditions, or "" when it
// passes. The expected status is checked separately.
func (t Transition) guard(e Entry) string {
	if t.DueBy != nil && !e.Eligible(*t.DueBy) {
		return "not due"
	}
	if t.AtAttempt > 0 && e.Attempts != t.AtAttempt {
		return fmt.Sprintf("at attempt %d", e.Attempts)
	}
	return ""
}

func (t Transition) expects(s Status) bool {
	for _, e := range t.Expected {
		if e == s {
			return true
		}
	}
	return false
}

// apply mutates e to reflect the transition. Callers must have validated t
// and checked the expected status.
func (t Transition) apply(e *Entry, now time.Time) {
	e.Status = t.To
	if t.To.HoldsProvider() {
		e.ProviderID = t.ProviderID
	} else {
		e.ProviderID = ""
	}
	if t.To == StatusQueued {
		e.NotBefore = nil
		if t.NotBefore != nil {
			nb := *t.NotBefore
			e.NotBefore = &nb
		}
	}
	if t.LastError != "" {
		e.LastError = t.LastError
	}
	if t.CountAttempt {
		e.Attempts++
	}
	e.UpdatedAt = now
}

// CallSummary carries the details recorded when an entry reaches a terminal state.
type CallSummary struct {
	// ProviderID is the provider that last held the entry, if any.
	ProviderID      string
	DurationSeconds int
	Transcript      string
}
