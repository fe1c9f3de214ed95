package retry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Record schedules the retry that follows failed attempt Attempt.
type Record struct {
	QueueEntryID string    `json:"queue_entry_id"`
	Attempt      int       `json:"attempt"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

var (
	// ErrOutOfOrder means the attempt is not exactly one past the latest.
	ErrOutOfOrder = errors.New("retry: attempt out of order")
	// ErrPending means the entry already has a retry scheduled in the future.
	ErrPending = errors.New("retry: retry already pending")
)

// Store keeps retry history. Attempts per entry go 1, 2, 3... with no gaps,
// and at most one record per entry has NextRetryAt after the current time.
type Store interface {
	Append(ctx context.Context, r Record) error
	Latest(ctx context.Context, entryID string) (Record, bool, error)
	List(ctx context.Context, entryID string) ([]Record, error)
}

func checkAppend(latest Record, found bool, r Record) error {
	want := 1
	if found {
		want = latest.Attempt + 1
		if latest.NextRetryAt.After(r.CreatedAt) {
			return ErrPending
		}
	}
	if r.Attempt != want {
		return ErrOutOfOrder
	}
	return nil
}

type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string][]Record{}}
}

func (m *MemoryStore) Append(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.records[r.QueueEntryID]
	var latest Record
	if len(rs) > 0 {
		latest = rs[len(rs)-1]
	}
	if err := checkAppend(latest, len(rs) > 0, r); err != nil {
		return err
	}
	m.records[r.QueueEntryID] = append(rs, r)
	return nil
}

func (m *MemoryStore) Latest(ctx context.Context, entryID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.records[entryID]
	if len(rs) == 0 {
		return Record{}, false, nil
	}
	return rs[len(rs)-1], true, nil
}

func (m *MemoryStore) List(ctx context.Context, entryID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Record(nil), m.records[entryID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}
