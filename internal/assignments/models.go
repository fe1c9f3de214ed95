package assignments

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusOffered   Status = "offered"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

var transitions = map[Status][]Status{
	StatusOffered:  {StatusAccepted, StatusRejected, StatusError},
	StatusAccepted: {StatusCompleted, StatusError},
}

func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted || s == StatusError
}

// Open statuses hold a provider slot.
func (s Status) Open() bool {
	return s == StatusOffered || s == StatusAccepted
}

// Failed statuses hand the entry to the retry policy.
func (s Status) Failed() bool {
	return s == StatusRejected || s == StatusError
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Assignment is one offer of a queue entry to a provider. Its id doubles as
// the provider slot lease id.
type Assignment struct {
	ID               string          `json:"id"`
	QueueEntryID     string          `json:"queue_entry_id"`
	ProviderID       string          `json:"provider_id"`
	Status           Status          `json:"status"`
	ProviderResponse json.RawMessage `json:"provider_response,omitempty"`
	ProviderCallID   string          `json:"provider_call_id,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	FailureKind      string          `json:"failure_kind,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Details carries what the provider told us about an outcome.
type Details struct {
	Payload        json.RawMessage
	ProviderCallID string
	// Cause explains rejected/error outcomes and is passed to the failure hook.
	Cause error
}

func (d Details) reason() string {
	if d.Cause == nil {
		return ""
	}
	return d.Cause.Error()
}

// kindOf is satisfied by provider errors and the retry package's classifier.
type kindOf interface {
	ErrorKind() string
}

func (d Details) kind() string {
	var k kindOf
	if errors.As(d.Cause, &k) {
		return k.ErrorKind()
	}
	return ""
}

// FailureCause rebuilds the error a failed assignment recorded, keeping its
// kind so the retry policy classifies it the same way on a second look.
func (a Assignment) FailureCause() error {
	if !a.Status.Failed() {
		return nil
	}
	msg := a.FailureReason
	if msg == "" {
		msg = "assignment " + string(a.Status)
	}
	return &recordedFailure{kind: a.FailureKind, msg: msg}
}

type recordedFailure struct {
	kind string
	msg  string
}

func (e *recordedFailure) Error() string     { return e.msg }
func (e *recordedFailure) ErrorKind() string { return e.kind }

var (
	ErrNotFound          = errors.New("assignments: not found")
	ErrInvalidTransition = errors.New("assignments: invalid transition")
	// ErrFinal is returned when an outcome arrives for an assignment that is
	// already completed, rejected or errored.
	ErrFinal         = errors.New("assignments: already final")
	ErrInvalidRecord = errors.New("assignments: invalid record")
)
