package usage

import (
	"context"
	"database/sql"
	"time"

	"calldispatch/pkg/utils"

	"github.com/google/uuid"
)

// Accountant enforces per-subscription call quotas.
//
// Counter invariants:
// - calls_used never exceeds call_limit
// - every counter change has a matching usage event
// - reserve and release are idempotent per queue entry
type Accountant interface {
	CheckAndReserve(ctx context.Context, userID, entryID string) error
	Release(ctx context.Context, userID, entryID string) error
	Current(ctx context.Context, userID string) (Subscription, error)
}

// Service is the Postgres-backed Accountant. Each operation runs in one
// transaction holding the subscription row lock.
type Service struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, clock: time.Now}
}

func (s *Service) Current(ctx context.Context, userID string) (Subscription, error) {
	if userID == "" {
		return Subscription{}, ErrInvalidArgument
	}
	return getActiveSubscription(ctx, s.db, userID)
}

func (s *Service) CheckAndReserve(ctx context.Context, userID, entryID string) error {
	if userID == "" || entryID == "" {
		return ErrInvalidArgument
	}
	now := s.clock().UTC()

	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		sub, err := lockActiveSubscription(ctx, tx, userID)
		if err != nil {
			return err
		}

		if _, ok, err := findEvent(ctx, tx, userID, entryID, EventKindReserve); err != nil {
			return err
		} else if ok {
			return nil
		}

		ok, err := incrementIfBelowLimit(ctx, tx, sub.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrQuotaExceeded
		}

		return insertEvent(ctx, tx, UsageEvent{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			UserID:         userID,
			QueueEntryID:   entryID,
			Kind:           EventKindReserve,
			CreatedAt:      now,
		})
	})
}

// Release refunds the reservation made for entryID. Releasing an entry that was
// never reserved, or was already released, is a no-op.
func (s *Service) Release(ctx context.Context, userID, entryID string) error {
	if userID == "" || entryID == "" {
		return ErrInvalidArgument
	}
	now := s.clock().UTC()

	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		reserve, ok, err := findEvent(ctx, tx, userID, entryID, EventKindReserve)
		if err != nil || !ok {
			return err
		}
		if _, err := lockSubscriptionByID(ctx, tx, reserve.SubscriptionID); err != nil {
			return err
		}
		if _, ok, err := findEvent(ctx, tx, userID, entryID, EventKindRelease); err != nil {
			return err
		} else if ok {
			return nil
		}

		if err := decrementIfPositive(ctx, tx, reserve.SubscriptionID, now); err != nil {
			return err
		}
		return insertEvent(ctx, tx, UsageEvent{
			ID:             uuid.NewString(),
			SubscriptionID: reserve.SubscriptionID,
			UserID:         userID,
			QueueEntryID:   entryID,
			Kind:           EventKindRelease,
			CreatedAt:      now,
		})
	})
}
