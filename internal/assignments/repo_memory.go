package assignments

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryRepo struct {
	mu    sync.Mutex
	items map[string]Assignment
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{items: map[string]Assignment{}}
}

func (r *MemoryRepo) Insert(ctx context.Context, a Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == "" {
		return ErrInvalidRecord
	}
	if _, ok := r.items[a.ID]; ok {
		return ErrInvalidRecord
	}
	r.items[a.ID] = a
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepo) Transition(ctx context.Context, id string, to Status, d Details, now time.Time) (Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	if err := applyTransition(&a, to, d, now); err != nil {
		return a, err
	}
	r.items[id] = a
	return a, nil
}

func (r *MemoryRepo) ListOpen(ctx context.Context) ([]Assignment, error) {
	return r.filter(func(a Assignment) bool { return a.Status.Open() }), nil
}

func (r *MemoryRepo) ListByEntry(ctx context.Context, entryID string) ([]Assignment, error) {
	return r.filter(func(a Assignment) bool { return a.QueueEntryID == entryID }), nil
}

func (r *MemoryRepo) FindByProviderCallID(ctx context.Context, providerID, callID string) (Assignment, error) {
	if callID == "" {
		return Assignment{}, ErrNotFound
	}
	found := r.filter(func(a Assignment) bool { return a.ProviderID == providerID && a.ProviderCallID == callID })
	if len(found) == 0 {
		return Assignment{}, ErrNotFound
	}
	return found[0], nil
}

func (r *MemoryRepo) filter(keep func(Assignment) bool) []Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Assignment
	for _, a := range r.items {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
