package providers

import (
	"context"
	"sort"
	"time"
)

// Registry tracks provider capacity and health.
//
// Slot accounting invariant: a provider's current calls equal the number of
// leases it holds, and ReserveSlot never takes it past its concurrency limit.
// Leases are keyed by assignment id so reserve and release are idempotent.
type Registry interface {
	Providers(ctx context.Context) ([]Provider, error)
	Get(ctx context.Context, providerID string) (Provider, error)
	Availability(ctx context.Context) ([]Availability, error)

	// SelectCandidate returns false when no provider is healthy with a free slot.
	SelectCandidate(ctx context.Context, req Requirements) (Provider, bool, error)

	ReserveSlot(ctx context.Context, providerID, leaseID string) error
	ReleaseSlot(ctx context.Context, providerID, leaseID string) error

	SetHealth(ctx context.Context, providerID string, h Health) error

	// Leases lists the leases a provider currently holds.
	Leases(ctx context.Context, providerID string) ([]Lease, error)

	// RestoreSlot re-adds a lease for a call known to be in flight, even past
	// the concurrency limit, so counts match reality. Idempotent per lease.
	RestoreSlot(ctx context.Context, providerID, leaseID string) error
}

// Lease is one held slot. ReservedAt lets reconciliation leave young leases
// alone while their assignment is still being written.
type Lease struct {
	ID         string
	ReservedAt time.Time
}

// pickCandidate ranks healthy providers with free slots by priority desc,
// then free slots desc, then id asc.
func pickCandidate(ps []Provider, avail map[string]Availability, req Requirements) (Provider, bool) {
	var eligible []Provider
	for _, p := range ps {
		a, ok := avail[p.ID]
		if !ok || a.Health != HealthHealthy || a.AvailableSlots <= 0 {
			continue
		}
		if req.excludes(p.ID) {
			continue
		}
		eligible = append(eligible, p)
	}
	if len(eligible) == 0 {
		return Provider{}, false
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		sa, sb := avail[a.ID].AvailableSlots, avail[b.ID].AvailableSlots
		if sa != sb {
			return sa > sb
		}
		return a.ID < b.ID
	})
	return eligible[0], true
}

func availabilityIndex(as []Availability) map[string]Availability {
	out := make(map[string]Availability, len(as))
	for _, a := range as {
		out[a.ProviderID] = a
	}
	return out
}

func freeSlots(limit, current int) int {
	if current >= limit {
		return 0
	}
	return limit - current
}
