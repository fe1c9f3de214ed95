package assignments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"calldispatch/pkg/logger"
)

// SlotReleaser returns a provider slot lease. providers.Registry satisfies it.
type SlotReleaser interface {
	ReleaseSlot(ctx context.Context, providerID, leaseID string) error
}

// FailureHook is notified after an assignment is rejected or errors. It
// decides whether the queue entry is retried.
type FailureHook func(ctx context.Context, a Assignment, cause error) error

// Tracker owns assignment lifecycles and the slot each one holds.
//
// Every assignment releases its slot exactly once: when it reaches a terminal
// status. The lease id is the assignment id.
type Tracker struct {
	repo      Repository
	slots     SlotReleaser
	log       *slog.Logger
	clock     func() time.Time
	onFailure FailureHook
}

func NewTracker(repo Repository, slots SlotReleaser, log *slog.Logger) *Tracker {
	return &Tracker{
		repo:  repo,
		slots: slots,
		log:   logger.Component(log, "assignments"),
		clock: time.Now,
	}
}

// OnFailure installs the hook called for rejected and errored outcomes.
func (t *Tracker) OnFailure(h FailureHook) { t.onFailure = h }

// Create records an offer. id must be the slot lease already reserved.
func (t *Tracker) Create(ctx context.Context, id, entryID, providerID string) (Assignment, error) {
	if id == "" || entryID == "" || providerID == "" {
		return Assignment{}, ErrInvalidRecord
	}
	now := t.clock().UTC()
	a := Assignment{
		ID:           id,
		QueueEntryID: entryID,
		ProviderID:   providerID,
		Status:       StatusOffered,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := t.repo.Insert(ctx, a); err != nil {
		return Assignment{}, err
	}
	return a, nil
}

// RecordOutcome moves an assignment forward. Terminal outcomes release the
// slot; rejected and error outcomes then call the failure hook.
func (t *Tracker) RecordOutcome(ctx context.Context, id string, to Status, d Details) (Assignment, error) {
	a, err := t.repo.Transition(ctx, id, to, d, t.clock().UTC())
	if err != nil {
		return a, err
	}

	if a.Status.Terminal() {
		if err := t.slots.ReleaseSlot(ctx, a.ProviderID, a.ID); err != nil {
			// Reconcile prunes leases whose assignment is terminal.
			t.log.Error("release slot failed", "assignment_id", a.ID, "provider_id", a.ProviderID, "err", err)
		}
	}

	if a.Status.Failed() && t.onFailure != nil {
		cause := d.Cause
		if cause == nil {
			cause = fmt.Errorf("assignment %s", a.Status)
		}
		if err := t.onFailure(ctx, a, cause); err != nil {
			return a, fmt.Errorf("failure hook: %w", err)
		}
	}
	return a, nil
}

func (t *Tracker) Get(ctx context.Context, id string) (Assignment, error) {
	return t.repo.Get(ctx, id)
}

func (t *Tracker) ListOpen(ctx context.Context) ([]Assignment, error) {
	return t.repo.ListOpen(ctx)
}

func (t *Tracker) ListByEntry(ctx context.Context, entryID string) ([]Assignment, error) {
	return t.repo.ListByEntry(ctx, entryID)
}

func (t *Tracker) FindByProviderCallID(ctx context.Context, providerID, callID string) (Assignment, error) {
	return t.repo.FindByProviderCallID(ctx, providerID, callID)
}

// OpenLeases groups open assignment ids by provider, the set each provider's
// leases are reconciled against.
func (t *Tracker) OpenLeases(ctx context.Context) (map[string][]string, error) {
	open, err := t.repo.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string][]string{}
	for _, a := range open {
		out[a.ProviderID] = append(out[a.ProviderID], a.ID)
	}
	return out, nil
}
