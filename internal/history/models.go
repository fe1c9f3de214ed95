package history

import (
	"errors"
	"time"

	"calldispatch/internal/queue"
)

// Record is the immutable summary written once an entry reaches a terminal
// status.
//
// Invariants:
// - Records are never updated or deleted.
// - At most one record exists per queue entry.
type Record struct {
	ID           string `json:"id" db:"id"`
	UserID       string `json:"user_id" db:"user_id"`
	QueueEntryID string `json:"queue_entry_id" db:"queue_entry_id"`
	ProviderID   string `json:"provider_id,omitempty" db:"provider_id"`
	Recipient    string `json:"recipient" db:"recipient"`
	TemplateID   string `json:"template_id" db:"template_id"`

	Status   queue.Status `json:"status" db:"status"`
	Attempts int          `json:"attempts" db:"attempts"`

	DurationSeconds int    `json:"duration_seconds" db:"duration_seconds"`
	Transcript      string `json:"transcript,omitempty" db:"transcript"`
	ErrorMessage    string `json:"error_message,omitempty" db:"error_message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

var (
	ErrInvalidRecord = errors.New("history: invalid record")
	ErrDuplicate     = errors.New("history: record already exists")
)
