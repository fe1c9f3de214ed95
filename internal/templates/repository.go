package templates

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrNotFound = errors.New("templates: not found")

// Repository looks up call templates.
type Repository interface {
	Get(ctx context.Context, id string) (Template, error)
}

// MemoryRepo is an in-memory repository used by tests and the memory backend.
type MemoryRepo struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewMemoryRepo(ts ...Template) *MemoryRepo {
	r := &MemoryRepo{templates: map[string]Template{}}
	for _, t := range ts {
		r.templates[t.ID] = t
	}
	return r
}

func (r *MemoryRepo) Put(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ID] = t
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	return t, nil
}

// PostgresRepo reads templates from the call_templates table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Get(ctx context.Context, id string) (Template, error) {
	const q = `
SELECT id, name, description, provider_id, assistant_ref, phone_number_ref,
       default_variables, required_variables, created_at, updated_at
FROM call_templates
WHERE id = $1
`
	var (
		t        Template
		provider sql.NullString
		defaults []byte
		required []byte
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&t.ID,
		&t.Name,
		&t.Description,
		&provider,
		&t.AssistantRef,
		&t.PhoneNumberRef,
		&defaults,
		&required,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Template{}, ErrNotFound
		}
		return Template{}, fmt.Errorf("templates: get %s: %w", id, err)
	}
	t.ProviderID = provider.String
	if len(defaults) > 0 {
		if err := json.Unmarshal(defaults, &t.DefaultVariables); err != nil {
			return Template{}, fmt.Errorf("templates: decode default_variables: %w", err)
		}
	}
	if len(required) > 0 {
		if err := json.Unmarshal(required, &t.RequiredVariables); err != nil {
			return Template{}, fmt.Errorf("templates: decode required_variables: %w", err)
		}
	}
	return t, nil
}
