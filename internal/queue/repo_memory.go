package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded Store for tests and single-process deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	seq     int64
	clock   func() time.Time
}

type memEntry struct {
	Entry
	seq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*memEntry{}, clock: time.Now}
}

func (s *MemoryStore) Insert(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("%w: id required", ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return fmt.Errorf("queue: duplicate entry %s", e.ID)
	}
	s.seq++
	s.entries[e.ID] = &memEntry{Entry: e.clone(), seq: s.seq}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return m.clone(), nil
}

func (s *MemoryStore) ClaimNextBatch(ctx context.Context, max int, now time.Time) ([]Entry, error) {
	if max <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*memEntry, 0)
	for _, m := range s.entries {
		if m.Eligible(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.seq < b.seq
	})
	if len(due) > max {
		due = due[:max]
	}
	out := make([]Entry, 0, len(due))
	for _, m := range due {
		out = append(out, m.clone())
	}
	return out, nil
}

func (s *MemoryStore) MarkStatus(ctx context.Context, id string, t Transition) (Entry, error) {
	if err := t.validate(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if !t.expects(m.Status) {
		return Entry{}, fmt.Errorf("%w: entry %s is %s", ErrConflict, id, m.Status)
	}
	if why := t.guard(m.Entry); why != "" {
		return Entry{}, fmt.Errorf("%w: entry %s is %s", ErrConflict, id, why)
	}
	t.apply(&m.Entry, s.clock().UTC())
	return m.clone(), nil
}

func (s *MemoryStore) ListHeld(ctx context.Context, updatedBefore time.Time, max int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]*memEntry, 0)
	for _, m := range s.entries {
		if m.Status.HoldsProvider() && m.UpdatedAt.Before(updatedBefore) {
			rows = append(rows, m)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].UpdatedAt.Equal(rows[j].UpdatedAt) {
			return rows[i].UpdatedAt.Before(rows[j].UpdatedAt)
		}
		return rows[i].seq < rows[j].seq
	})
	if max > 0 && len(rows) > max {
		rows = rows[:max]
	}
	out := make([]Entry, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.clone())
	}
	return out, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]*memEntry, 0)
	for _, m := range s.entries {
		if m.UserID == userID {
			rows = append(rows, m)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]Entry, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.clone())
	}
	return out, nil
}
