package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
)

const tableEntries = "call_queue"

var entryColumns = []any{
	"id", "user_id", "recipient_number", "template_id", "custom_variables",
	"scheduled_time", "status", "priority", "provider_id",
	"not_before", "attempts", "last_error", "created_at", "updated_at",
}

// PostgresStore persists entries in the call_queue table.
// Queries are built with goqu and run over database/sql (pgx stdlib driver).
type PostgresStore struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	clock   func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, dialect: goqu.Dialect("postgres"), clock: time.Now}
}

func (s *PostgresStore) Insert(ctx context.Context, e Entry) error {
	vars, err := json.Marshal(nonNilVars(e.CustomVariables))
	if err != nil {
		return fmt.Errorf("queue: encode custom variables: %w", err)
	}
	ds := s.dialect.Insert(tableEntries).Prepared(true).Rows(goqu.Record{
		"id":               e.ID,
		"user_id":          e.UserID,
		"recipient_number": e.RecipientNumber,
		"template_id":      e.TemplateID,
		"custom_variables": string(vars),
		"scheduled_time":   nullTime(e.ScheduledTime),
		"status":           string(e.Status),
		"priority":         e.Priority,
		"provider_id":      nullString(e.ProviderID),
		"not_before":       nullTime(e.NotBefore),
		"attempts":         e.Attempts,
		"last_error":       e.LastError,
		"created_at":       e.CreatedAt,
		"updated_at":       e.UpdatedAt,
	})
	q, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("queue: build insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("queue: insert entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Entry, error) {
	ds := s.dialect.From(tableEntries).Prepared(true).
		Select(entryColumns...).
		Where(goqu.C("id").Eq(id))
	q, args, err := ds.ToSQL()
	if err != nil {
		return Entry{}, fmt.Errorf("queue: build get: %w", err)
	}
	e, err := scanEntry(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("queue: get entry %s: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) ClaimNextBatch(ctx context.Context, max int, now time.Time) ([]Entry, error) {
	if max <= 0 {
		return nil, nil
	}
	ds := s.dialect.From(tableEntries).Prepared(true).
		Select(entryColumns...).
		Where(dueAt(now)).
		Order(goqu.C("priority").Asc(), goqu.C("created_at").Asc(), goqu.C("id").Asc()).
		Limit(uint(max))
	return s.query(ctx, ds, "claim batch")
}

func (s *PostgresStore) MarkStatus(ctx context.Context, id string, t Transition) (Entry, error) {
	if err := t.validate(); err != nil {
		return Entry{}, err
	}

	rec := goqu.Record{
		"status":     string(t.To),
		"updated_at": s.clock().UTC(),
	}
	if t.To.HoldsProvider() {
		rec["provider_id"] = t.ProviderID
	} else {
		rec["provider_id"] = nil
	}
	if t.To == StatusQueued {
		rec["not_before"] = nullTime(t.NotBefore)
	}
	if t.LastError != "" {
		rec["last_error"] = t.LastError
	}
	if t.CountAttempt {
		rec["attempts"] = goqu.L("attempts + 1")
	}

	expected := make([]string, 0, len(t.Expected))
	for _, st := range t.Expected {
		expected = append(expected, string(st))
	}

	conds := []goqu.Expression{goqu.C("id").Eq(id), goqu.C("status").In(expected)}
	if t.DueBy != nil {
		conds = append(conds, dueAt(t.DueBy.UTC()))
	}
	if t.AtAttempt > 0 {
		conds = append(conds, goqu.C("attempts").Eq(t.AtAttempt))
	}

	ds := s.dialect.Update(tableEntries).Prepared(true).
		Set(rec).
		Where(conds...).
		Returning(entryColumns...)
	q, args, err := ds.ToSQL()
	if err != nil {
		return Entry{}, fmt.Errorf("queue: build mark status: %w", err)
	}

	e, err := scanEntry(s.db.QueryRowContext(ctx, q, args...))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("queue: mark status %s: %w", id, err)
	}

	// Nothing matched: distinguish a missing row from a lost race.
	cur, gerr := s.Get(ctx, id)
	if gerr != nil {
		return Entry{}, gerr
	}
	if why := t.guard(cur); why != "" && t.expects(cur.Status) {
		return Entry{}, fmt.Errorf("%w: entry %s is %s", ErrConflict, id, why)
	}
	return Entry{}, fmt.Errorf("%w: entry %s is %s", ErrConflict, id, cur.Status)
}

// dueAt matches entries a scheduling cycle may dispatch at now. It mirrors
// Entry.Eligible.
func dueAt(now time.Time) goqu.Expression {
	return goqu.Or(
		goqu.And(
			goqu.C("status").Eq(string(StatusQueued)),
			goqu.Or(goqu.C("not_before").IsNull(), goqu.C("not_before").Lte(now)),
		),
		goqu.And(
			goqu.C("status").Eq(string(StatusScheduled)),
			goqu.C("scheduled_time").Lte(now),
		),
	)
}

func (s *PostgresStore) ListHeld(ctx context.Context, updatedBefore time.Time, max int) ([]Entry, error) {
	ds := s.dialect.From(tableEntries).Prepared(true).
		Select(entryColumns...).
		Where(
			goqu.C("status").In(string(StatusAssigned), string(StatusInProgress)),
			goqu.C("updated_at").Lt(updatedBefore.UTC()),
		).
		Order(goqu.C("updated_at").Asc(), goqu.C("id").Asc())
	if max > 0 {
		ds = ds.Limit(uint(max))
	}
	return s.query(ctx, ds, "list held")
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	ds := s.dialect.From(tableEntries).Prepared(true).
		Select(entryColumns...).
		Where(goqu.C("user_id").Eq(userID)).
		Order(goqu.C("created_at").Desc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	return s.query(ctx, ds, "list by user")
}

func (s *PostgresStore) query(ctx context.Context, ds *goqu.SelectDataset, op string) ([]Entry, error) {
	q, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("queue: build %s: %w", op, err)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: %s: %w", op, err)
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: %s scan: %w", op, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e         Entry
		vars      []byte
		status    string
		scheduled sql.NullTime
		provider  sql.NullString
		notBefore sql.NullTime
	)
	if err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.RecipientNumber,
		&e.TemplateID,
		&vars,
		&scheduled,
		&status,
		&e.Priority,
		&provider,
		&notBefore,
		&e.Attempts,
		&e.LastError,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		return Entry{}, err
	}

	st, err := ParseStatus(status)
	if err != nil {
		return Entry{}, err
	}
	e.Status = st
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &e.CustomVariables); err != nil {
			return Entry{}, fmt.Errorf("decode custom variables: %w", err)
		}
	}
	if scheduled.Valid {
		t := scheduled.Time.UTC()
		e.ScheduledTime = &t
	}
	if notBefore.Valid {
		t := notBefore.Time.UTC()
		e.NotBefore = &t
	}
	e.ProviderID = provider.String
	return e, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNilVars(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
