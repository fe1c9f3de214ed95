package usage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// NOTE: This repository assumes the following tables exist:
// - subscriptions
// - usage_events (append-only)
//
// and the idempotency constraint
// UNIQUE (subscription_id, queue_entry_id, kind)

func lockActiveSubscription(ctx context.Context, tx *sql.Tx, userID string) (Subscription, error) {
	// Lock the subscription row to serialize concurrent admissions per user.
	const q = `
SELECT id, user_id, status, calls_used, call_limit, created_at, updated_at
FROM subscriptions
WHERE user_id = $1 AND status = 'active'
ORDER BY created_at DESC
LIMIT 1
FOR UPDATE
`
	s, err := scanSubscription(tx.QueryRowContext(ctx, q, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNoActiveSubscription
	}
	return s, err
}

func lockSubscriptionByID(ctx context.Context, tx *sql.Tx, id string) (Subscription, error) {
	const q = `
SELECT id, user_id, status, calls_used, call_limit, created_at, updated_at
FROM subscriptions
WHERE id = $1
FOR UPDATE
`
	return scanSubscription(tx.QueryRowContext(ctx, q, id))
}

func getActiveSubscription(ctx context.Context, db *sql.DB, userID string) (Subscription, error) {
	const q = `
SELECT id, user_id, status, calls_used, call_limit, created_at, updated_at
FROM subscriptions
WHERE user_id = $1 AND status = 'active'
ORDER BY created_at DESC
LIMIT 1
`
	s, err := scanSubscription(db.QueryRowContext(ctx, q, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNoActiveSubscription
	}
	return s, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (Subscription, error) {
	var s Subscription
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.Status,
		&s.CallsUsed,
		&s.CallLimit,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return Subscription{}, err
	}
	return s, nil
}

// findEvent looks up an event for entryID regardless of subscription, so a
// release still finds its reserve after the subscription changes status.
func findEvent(ctx context.Context, tx *sql.Tx, userID, entryID string, kind EventKind) (UsageEvent, bool, error) {
	const q = `
SELECT id, subscription_id, user_id, queue_entry_id, kind, created_at
FROM usage_events
WHERE user_id = $1 AND queue_entry_id = $2 AND kind = $3
LIMIT 1
`
	var e UsageEvent
	err := tx.QueryRowContext(ctx, q, userID, entryID, string(kind)).Scan(
		&e.ID,
		&e.SubscriptionID,
		&e.UserID,
		&e.QueueEntryID,
		&e.Kind,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UsageEvent{}, false, nil
		}
		return UsageEvent{}, false, err
	}
	return e, true, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e UsageEvent) error {
	const q = `
INSERT INTO usage_events (id, subscription_id, user_id, queue_entry_id, kind, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`
	_, err := tx.ExecContext(ctx, q,
		e.ID,
		e.SubscriptionID,
		e.UserID,
		e.QueueEntryID,
		string(e.Kind),
		e.CreatedAt,
	)
	return err
}

// incrementIfBelowLimit is the atomic check-and-increment. It affects zero rows
// when the quota is exhausted.
func incrementIfBelowLimit(ctx context.Context, tx *sql.Tx, subscriptionID string, now time.Time) (bool, error) {
	const q = `
UPDATE subscriptions
SET calls_used = calls_used + 1, updated_at = $2
WHERE id = $1 AND calls_used < call_limit
`
	res, err := tx.ExecContext(ctx, q, subscriptionID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func decrementIfPositive(ctx context.Context, tx *sql.Tx, subscriptionID string, now time.Time) error {
	const q = `
UPDATE subscriptions
SET calls_used = calls_used - 1, updated_at = $2
WHERE id = $1 AND calls_used > 0
`
	_, err := tx.ExecContext(ctx, q, subscriptionID, now)
	return err
}
