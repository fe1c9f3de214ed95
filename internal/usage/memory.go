package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAccountant is a mutex-guarded Accountant for tests and the memory backend.
type MemoryAccountant struct {
	mu     sync.Mutex
	subs   map[string]*Subscription // by user id
	events map[eventKey]UsageEvent
	clock  func() time.Time
}

type eventKey struct {
	userID  string
	entryID string
	kind    EventKind
}

func NewMemoryAccountant() *MemoryAccountant {
	return &MemoryAccountant{
		subs:   map[string]*Subscription{},
		events: map[eventKey]UsageEvent{},
		clock:  time.Now,
	}
}

// Put installs or replaces the subscription for its user.
func (m *MemoryAccountant) Put(s Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	cp := s
	m.subs[s.UserID] = &cp
}

func (m *MemoryAccountant) Current(ctx context.Context, userID string) (Subscription, error) {
	if userID == "" {
		return Subscription{}, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[userID]
	if !ok || s.Status != SubscriptionStatusActive {
		return Subscription{}, ErrNoActiveSubscription
	}
	return *s, nil
}

func (m *MemoryAccountant) CheckAndReserve(ctx context.Context, userID, entryID string) error {
	if userID == "" || entryID == "" {
		return ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[userID]
	if !ok || s.Status != SubscriptionStatusActive {
		return ErrNoActiveSubscription
	}
	key := eventKey{userID, entryID, EventKindReserve}
	if _, ok := m.events[key]; ok {
		return nil
	}
	if s.CallsUsed >= s.CallLimit {
		return ErrQuotaExceeded
	}

	now := m.clock().UTC()
	s.CallsUsed++
	s.UpdatedAt = now
	m.events[key] = UsageEvent{
		ID:             uuid.NewString(),
		SubscriptionID: s.ID,
		UserID:         userID,
		QueueEntryID:   entryID,
		Kind:           EventKindReserve,
		CreatedAt:      now,
	}
	return nil
}

func (m *MemoryAccountant) Release(ctx context.Context, userID, entryID string) error {
	if userID == "" || entryID == "" {
		return ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	reserve, ok := m.events[eventKey{userID, entryID, EventKindReserve}]
	if !ok {
		return nil
	}
	relKey := eventKey{userID, entryID, EventKindRelease}
	if _, ok := m.events[relKey]; ok {
		return nil
	}

	now := m.clock().UTC()
	if s, ok := m.subs[userID]; ok && s.ID == reserve.SubscriptionID && s.CallsUsed > 0 {
		s.CallsUsed--
		s.UpdatedAt = now
	}
	m.events[relKey] = UsageEvent{
		ID:             uuid.NewString(),
		SubscriptionID: reserve.SubscriptionID,
		UserID:         userID,
		QueueEntryID:   entryID,
		Kind:           EventKindRelease,
		CreatedAt:      now,
	}
	return nil
}

// Events returns a copy of all recorded usage events.
func (m *MemoryAccountant) Events() []UsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UsageEvent, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e)
	}
	return out
}
