package assignments

import (
	"context"
	"time"
)

// Repository persists assignments. Transition must be atomic with respect to
// concurrent outcomes for the same id.
type Repository interface {
	Insert(ctx context.Context, a Assignment) error
	Get(ctx context.Context, id string) (Assignment, error)
	Transition(ctx context.Context, id string, to Status, d Details, now time.Time) (Assignment, error)
	ListOpen(ctx context.Context) ([]Assignment, error)
	ListByEntry(ctx context.Context, entryID string) ([]Assignment, error)
	FindByProviderCallID(ctx context.Context, providerID, callID string) (Assignment, error)
}

// applyTransition validates and applies an outcome in place.
func applyTransition(a *Assignment, to Status, d Details, now time.Time) error {
	if a.Status.Terminal() {
		return ErrFinal
	}
	if !CanTransition(a.Status, to) {
		return ErrInvalidTransition
	}
	a.Status = to
	if len(d.Payload) > 0 {
		a.ProviderResponse = append([]byte(nil), d.Payload...)
	}
	if d.ProviderCallID != "" {
		a.ProviderCallID = d.ProviderCallID
	}
	if r := d.reason(); r != "" {
		a.FailureReason = r
	}
	if k := d.kind(); k != "" {
		a.FailureKind = k
	}
	a.UpdatedAt = now
	return nil
}
