package usage

import (
	"errors"
	"time"
)

// Subscription is the externally owned quota record consulted at admission.
// Invariant: 0 <= CallsUsed <= CallLimit, changed only with a matching UsageEvent.
type Subscription struct {
	ID        string             `json:"id" db:"id"`
	UserID    string             `json:"user_id" db:"user_id"`
	Status    SubscriptionStatus `json:"status" db:"status"`
	CallsUsed int                `json:"calls_used" db:"calls_used"`
	CallLimit int                `json:"call_limit" db:"call_limit"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (s Subscription) Remaining() int {
	if s.CallsUsed >= s.CallLimit {
		return 0
	}
	return s.CallLimit - s.CallsUsed
}

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// UsageEvent is an append-only record of a counter change.
// (subscription_id, queue_entry_id, kind) is unique, which makes reserve and
// release idempotent per queue entry.
type UsageEvent struct {
	ID             string    `json:"id" db:"id"`
	SubscriptionID string    `json:"subscription_id" db:"subscription_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	QueueEntryID   string    `json:"queue_entry_id" db:"queue_entry_id"`
	Kind           EventKind `json:"kind" db:"kind"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

type EventKind string

const (
	EventKindReserve EventKind = "reserve"
	EventKindRelease EventKind = "release"
)

// User-facing error codes.
const (
	CodeNoActiveSubscription = "subscription/not-active"
	CodeNoCallsRemaining     = "subscription/no-calls-remaining"
)

var (
	ErrNoActiveSubscription = errors.New("usage: no active subscription")
	ErrQuotaExceeded        = errors.New("usage: call limit reached")
	ErrInvalidArgument      = errors.New("usage: invalid argument")
)
