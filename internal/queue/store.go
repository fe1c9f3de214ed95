package queue

import (
	"context"
	"time"
)

// Store is the persistence contract for queue entries.
//
// MarkStatus is the only mutation after Insert and is always conditional on the
// current status; it is the claim primitive shared by the scheduler and cancellation.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)

	// ClaimNextBatch returns up to max dispatchable entries ordered by priority
	// ascending, then creation time ascending. It does not lock; callers claim an
	// entry by moving it out of queued/scheduled with MarkStatus.
	ClaimNextBatch(ctx context.Context, max int, now time.Time) ([]Entry, error)

	// MarkStatus applies t if the entry's current status is in t.Expected.
	// Returns ErrConflict on mismatch, ErrNotFound for unknown ids and
	// ErrInvalidTransition for changes the state machine forbids.
	MarkStatus(ctx context.Context, id string, t Transition) (Entry, error)

	// ListHeld returns up to max assigned or in_progress entries whose last
	// change is older than updatedBefore, oldest first. Reconciliation uses it
	// to find entries whose provider outcome was never applied.
	ListHeld(ctx context.Context, updatedBefore time.Time, max int) ([]Entry, error)

	ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error)
}
