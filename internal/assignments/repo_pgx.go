package assignments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"calldispatch/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// pgxPool is the subset of *pgxpool.Pool used here; pgxmock satisfies it too.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// PgxRepo stores assignments in call_assignments through the native pgx API.
type PgxRepo struct {
	pool pgxPool
	log  *slog.Logger
}

func NewPgxRepo(pool pgxPool, log *slog.Logger) *PgxRepo {
	return &PgxRepo{pool: pool, log: logger.Component(log, "assignments.pgx")}
}

const selectColumns = `id, queue_entry_id, provider_id, status, provider_response, provider_call_id, failure_reason, failure_kind, created_at, updated_at`

func (r *PgxRepo) Insert(ctx context.Context, a Assignment) error {
	if a.ID == "" || a.QueueEntryID == "" || a.ProviderID == "" {
		return ErrInvalidRecord
	}
	resp := a.ProviderResponse
	if len(resp) == 0 {
		resp = []byte(`{}`)
	}
	_, err := r.pool.Exec(ctx, `
        INSERT INTO call_assignments (
            id, queue_entry_id, provider_id, status,
            provider_response, provider_call_id, failure_reason, failure_kind,
            created_at, updated_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    `,
		a.ID,
		a.QueueEntryID,
		a.ProviderID,
		string(a.Status),
		[]byte(resp),
		a.ProviderCallID,
		a.FailureReason,
		a.FailureKind,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

func (r *PgxRepo) Get(ctx context.Context, id string) (Assignment, error) {
	a, err := scanAssignment(r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM call_assignments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, ErrNotFound
	}
	return a, err
}

// Transition locks the row, validates the edge in Go, then writes it back.
func (r *PgxRepo) Transition(ctx context.Context, id string, to Status, d Details, now time.Time) (out Assignment, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Assignment{}, fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				r.log.Error("failed to rollback assignment transaction", "assignment_id", id, "error", rbErr)
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("commit tx: %w", commitErr)
		}
	}()

	a, err := scanAssignment(tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM call_assignments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNotFound
		}
		return Assignment{}, fmt.Errorf("lock assignment: %w", err)
	}

	if err = applyTransition(&a, to, d, now); err != nil {
		return a, err
	}

	resp := a.ProviderResponse
	if len(resp) == 0 {
		resp = []byte(`{}`)
	}
	if _, err = tx.Exec(ctx, `
        UPDATE call_assignments
        SET status = $2, provider_response = $3, provider_call_id = $4, failure_reason = $5, failure_kind = $6, updated_at = $7
        WHERE id = $1
    `,
		a.ID,
		string(a.Status),
		[]byte(resp),
		a.ProviderCallID,
		a.FailureReason,
		a.FailureKind,
		a.UpdatedAt,
	); err != nil {
		return Assignment{}, fmt.Errorf("update assignment: %w", err)
	}
	return a, nil
}

func (r *PgxRepo) ListOpen(ctx context.Context) ([]Assignment, error) {
	return r.list(ctx, `SELECT `+selectColumns+` FROM call_assignments WHERE status IN ('offered', 'accepted') ORDER BY created_at, id`)
}

func (r *PgxRepo) ListByEntry(ctx context.Context, entryID string) ([]Assignment, error) {
	return r.list(ctx, `SELECT `+selectColumns+` FROM call_assignments WHERE queue_entry_id = $1 ORDER BY created_at, id`, entryID)
}

func (r *PgxRepo) FindByProviderCallID(ctx context.Context, providerID, callID string) (Assignment, error) {
	if callID == "" {
		return Assignment{}, ErrNotFound
	}
	a, err := scanAssignment(r.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM call_assignments WHERE provider_id = $1 AND provider_call_id = $2 ORDER BY created_at DESC LIMIT 1`,
		providerID, callID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, ErrNotFound
	}
	return a, err
}

func (r *PgxRepo) list(ctx context.Context, q string, args ...any) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var (
		a      Assignment
		status string
		resp   []byte
	)
	if err := row.Scan(
		&a.ID,
		&a.QueueEntryID,
		&a.ProviderID,
		&status,
		&resp,
		&a.ProviderCallID,
		&a.FailureReason,
		&a.FailureKind,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return Assignment{}, err
	}
	a.Status = Status(status)
	if len(resp) > 0 && string(resp) != "{}" {
		a.ProviderResponse = resp
	}
	return a, nil
}
