package providers

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry keeps slot leases and health in process memory.
type MemoryRegistry struct {
	mu        sync.Mutex
	providers map[string]Provider
	leases    map[string]map[string]time.Time
	health    map[string]Health
	updated   map[string]time.Time
	clock     func() time.Time
}

func NewMemoryRegistry(ps ...Provider) *MemoryRegistry {
	r := &MemoryRegistry{
		providers: map[string]Provider{},
		leases:    map[string]map[string]time.Time{},
		health:    map[string]Health{},
		updated:   map[string]time.Time{},
		clock:     time.Now,
	}
	now := r.clock().UTC()
	for _, p := range ps {
		r.providers[p.ID] = p
		r.leases[p.ID] = map[string]time.Time{}
		r.health[p.ID] = HealthHealthy
		r.updated[p.ID] = now
	}
	return r
}

func (r *MemoryRegistry) Providers(ctx context.Context) ([]Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, providerID string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[providerID]
	if !ok {
		return Provider{}, ErrUnknownProvider
	}
	return p, nil
}

func (r *MemoryRegistry) Availability(ctx context.Context) ([]Availability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availabilityLocked(), nil
}

func (r *MemoryRegistry) availabilityLocked() []Availability {
	out := make([]Availability, 0, len(r.providers))
	for id, p := range r.providers {
		cur := len(r.leases[id])
		out = append(out, Availability{
			ProviderID:     id,
			CurrentCalls:   cur,
			AvailableSlots: freeSlots(p.ConcurrencyLimit, cur),
			Health:         r.health[id],
			LastUpdated:    r.updated[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

func (r *MemoryRegistry) SelectCandidate(ctx context.Context, req Requirements) (Provider, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		ps = append(ps, p)
	}
	p, ok := pickCandidate(ps, availabilityIndex(r.availabilityLocked()), req)
	return p, ok, nil
}

func (r *MemoryRegistry) ReserveSlot(ctx context.Context, providerID, leaseID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[providerID]
	if !ok {
		return ErrUnknownProvider
	}
	held := r.leases[providerID]
	if _, ok := held[leaseID]; ok {
		return nil
	}
	if len(held) >= p.ConcurrencyLimit {
		return ErrSlotUnavailable
	}
	now := r.clock().UTC()
	held[leaseID] = now
	r.updated[providerID] = now
	return nil
}

func (r *MemoryRegistry) ReleaseSlot(ctx context.Context, providerID, leaseID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	held, ok := r.leases[providerID]
	if !ok {
		return ErrUnknownProvider
	}
	if _, ok := held[leaseID]; !ok {
		return nil
	}
	delete(held, leaseID)
	r.updated[providerID] = r.clock().UTC()
	return nil
}

func (r *MemoryRegistry) SetHealth(ctx context.Context, providerID string, h Health) error {
	if _, err := ParseHealth(string(h)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[providerID]; !ok {
		return ErrUnknownProvider
	}
	r.health[providerID] = h
	r.updated[providerID] = r.clock().UTC()
	return nil
}

func (r *MemoryRegistry) Leases(ctx context.Context, providerID string) ([]Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	held, ok := r.leases[providerID]
	if !ok {
		return nil, ErrUnknownProvider
	}
	out := make([]Lease, 0, len(held))
	for id, at := range held {
		out = append(out, Lease{ID: id, ReservedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRegistry) RestoreSlot(ctx context.Context, providerID, leaseID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	held, ok := r.leases[providerID]
	if !ok {
		return ErrUnknownProvider
	}
	if _, ok := held[leaseID]; ok {
		return nil
	}
	now := r.clock().UTC()
	held[leaseID] = now
	r.updated[providerID] = now
	return nil
}
