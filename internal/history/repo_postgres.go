package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"calldispatch/internal/queue"
	"calldispatch/pkg/utils"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
)

const tableHistory = "call_history"

var historyColumns = []any{
	"id", "user_id", "queue_entry_id", "provider_id", "recipient", "template_id",
	"status", "attempts", "duration_seconds", "transcript", "error_message", "created_at",
}

// PostgresRepo stores history in call_history. queue_entry_id is unique, so a
// second append for the same entry fails with ErrDuplicate.
type PostgresRepo struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, dialect: goqu.Dialect("postgres")}
}

func (r *PostgresRepo) Append(ctx context.Context, rec Record) error {
	q, args, err := r.dialect.Insert(tableHistory).Prepared(true).Rows(goqu.Record{
		"id":               rec.ID,
		"user_id":          rec.UserID,
		"queue_entry_id":   rec.QueueEntryID,
		"provider_id":      rec.ProviderID,
		"recipient":        rec.Recipient,
		"template_id":      rec.TemplateID,
		"status":           string(rec.Status),
		"attempts":         rec.Attempts,
		"duration_seconds": rec.DurationSeconds,
		"transcript":       rec.Transcript,
		"error_message":    rec.ErrorMessage,
		"created_at":       rec.CreatedAt,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("history: build insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		if utils.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("history: insert %s: %w", rec.QueueEntryID, err)
	}
	return nil
}

func (r *PostgresRepo) ListByUser(ctx context.Context, userID string, from, to time.Time) ([]Record, error) {
	q, args, err := r.dialect.From(tableHistory).Prepared(true).
		Select(historyColumns...).
		Where(
			goqu.C("user_id").Eq(userID),
			goqu.C("created_at").Gte(from),
			goqu.C("created_at").Lt(to),
		).
		Order(goqu.C("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("history: build list: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			rec    Record
			status string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.QueueEntryID,
			&rec.ProviderID,
			&rec.Recipient,
			&rec.TemplateID,
			&status,
			&rec.Attempts,
			&rec.DurationSeconds,
			&rec.Transcript,
			&rec.ErrorMessage,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		rec.Status = queue.Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}
