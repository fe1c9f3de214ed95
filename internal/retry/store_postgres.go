package retry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"calldispatch/pkg/utils"
)

// PostgresStore keeps records in call_retries with
// PRIMARY KEY (queue_entry_id, attempt), which settles racing appends.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, r Record) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		latest, found, err := latestRecord(ctx, tx, r.QueueEntryID)
		if err != nil {
			return err
		}
		if err := checkAppend(latest, found, r); err != nil {
			return err
		}
		const q = `
INSERT INTO call_retries (queue_entry_id, attempt, next_retry_at, reason, created_at)
VALUES ($1,$2,$3,$4,$5)
`
		if _, err := tx.ExecContext(ctx, q, r.QueueEntryID, r.Attempt, r.NextRetryAt, r.Reason, r.CreatedAt); err != nil {
			if utils.IsUniqueViolation(err) {
				return ErrOutOfOrder
			}
			return fmt.Errorf("insert retry record: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Latest(ctx context.Context, entryID string) (Record, bool, error) {
	return latestRecord(ctx, s.db, entryID)
}

func (s *PostgresStore) List(ctx context.Context, entryID string) ([]Record, error) {
	const q = `
SELECT queue_entry_id, attempt, next_retry_at, reason, created_at
FROM call_retries
WHERE queue_entry_id = $1
ORDER BY attempt
`
	rows, err := s.db.QueryContext(ctx, q, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.QueueEntryID, &r.Attempt, &r.NextRetryAt, &r.Reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestRecord(ctx context.Context, q queryRower, entryID string) (Record, bool, error) {
	const stmt = `
SELECT queue_entry_id, attempt, next_retry_at, reason, created_at
FROM call_retries
WHERE queue_entry_id = $1
ORDER BY attempt DESC
LIMIT 1
`
	var r Record
	err := q.QueryRowContext(ctx, stmt, entryID).Scan(&r.QueueEntryID, &r.Attempt, &r.NextRetryAt, &r.Reason, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}
