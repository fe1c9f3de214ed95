package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory append-only repository for tests and the memory
// backend.
type MemoryRepo struct {
	mu      sync.Mutex
	records []Record
	byEntry map[string]struct{}
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{byEntry: map[string]struct{}{}} }

func (r *MemoryRepo) Append(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEntry[rec.QueueEntryID]; ok {
		return ErrDuplicate
	}
	r.byEntry[rec.QueueEntryID] = struct{}{}
	r.records = append(r.records, rec)
	return nil
}

func (r *MemoryRepo) ListByUser(ctx context.Context, userID string, from, to time.Time) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0)
	for _, rec := range r.records {
		if rec.UserID != userID {
			continue
		}
		if rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Records returns a copy of everything appended so far.
func (r *MemoryRepo) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}
