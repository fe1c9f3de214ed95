package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"calldispatch/internal/assignments"
	"calldispatch/internal/queue"
	"calldispatch/internal/telephony"
)

// ReconcileReport describes one reconciliation pass.
type ReconcileReport struct {
	Leases   int `json:"leases"`
	Expired  int `json:"expired"`
	Settled  int `json:"settled"`
	Pruned   int `json:"pruned"`
	Restored int `json:"restored"`
}

// Reconcile repairs what a crash or a lost callback can leave behind. It
// expires offers whose hand-off can no longer be running and calls that never
// reported an end, settles entries still holding a provider after their
// assignment finished, and then brings each provider's leases in line with the
// open assignments one lease at a time, so it may run alongside dispatch.
func (s *Scheduler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	now := s.clock().UTC()
	grace := now.Add(-2 * s.handoffTimeout)

	open, err := s.tracker.ListOpen(ctx)
	if err != nil {
		return rep, fmt.Errorf("dispatch: list open assignments: %w", err)
	}
	for _, a := range open {
		if cause := s.expiry(a, now, grace); cause != nil {
			if _, err := s.tracker.RecordOutcome(ctx, a.ID, assignments.StatusError, assignments.Details{Cause: cause}); err != nil {
				s.log.Error("expire assignment failed", "assignment_id", a.ID, "status", a.Status, "err", err)
				continue
			}
			rep.Expired++
		}
	}

	settled, err := s.settleHeld(ctx, grace)
	if err != nil {
		return rep, err
	}
	rep.Settled = settled

	if err := s.syncLeases(ctx, grace, &rep); err != nil {
		return rep, err
	}

	s.log.Info("reconciled provider slots",
		"leases", rep.Leases,
		"expired", rep.Expired,
		"settled", rep.Settled,
		"pruned", rep.Pruned,
		"restored", rep.Restored,
	)
	return rep, nil
}

// expiry returns the failure to record for an open assignment that has run
// too long, or nil. A call with no end report is not retried: the recipient
// may already have been reached.
func (s *Scheduler) expiry(a assignments.Assignment, now, grace time.Time) error {
	switch a.Status {
	case assignments.StatusOffered:
		if a.CreatedAt.Before(grace) {
			return &telephony.ProviderError{Kind: telephony.KindTimeout, Provider: a.ProviderID, Msg: "hand-off never completed"}
		}
	case assignments.StatusAccepted:
		if a.UpdatedAt.Before(now.Add(-s.maxCallDuration)) {
			return &telephony.ProviderError{
				Kind:     telephony.KindTerminal,
				Provider: a.ProviderID,
				Msg:      fmt.Sprintf("no completion reported within %s", s.maxCallDuration),
			}
		}
	}
	return nil
}

// settleHeld finishes entries left assigned or in_progress after their last
// assignment ended, which happens when the failure hook or the completion
// path fails partway.
func (s *Scheduler) settleHeld(ctx context.Context, before time.Time) (int, error) {
	held, err := s.queue.ListHeld(ctx, before, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("dispatch: list held entries: %w", err)
	}
	settled := 0
	for _, e := range held {
		ok, err := s.settleEntry(ctx, e)
		if err != nil {
			s.log.Error("settle held entry failed", "entry_id", e.ID, "status", e.Status, "err", err)
			continue
		}
		if ok {
			settled++
		}
	}
	return settled, nil
}

func (s *Scheduler) settleEntry(ctx context.Context, e queue.Entry) (bool, error) {
	as, err := s.tracker.ListByEntry(ctx, e.ID)
	if err != nil {
		return false, fmt.Errorf("list assignments: %w", err)
	}
	for _, a := range as {
		if a.Status.Open() {
			return false, nil
		}
	}

	// Each claim counts one attempt and records at most one assignment.
	if len(as) < e.Attempts {
		cause := &telephony.ProviderError{Kind: telephony.KindProviderError, Provider: e.ProviderID, Msg: "assignment was never recorded"}
		return true, s.settleFailure(ctx, e, cause)
	}

	sort.SliceStable(as, func(i, j int) bool { return as[i].CreatedAt.Before(as[j].CreatedAt) })
	last := as[len(as)-1]
	switch {
	case last.Status == assignments.StatusCompleted:
		out, err := s.completeEntry(ctx, last)
		if errors.Is(err, queue.ErrConflict) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		s.recordHistory(ctx, out, queue.CallSummary{ProviderID: last.ProviderID})
		return true, nil
	case last.Status.Failed():
		return true, s.settleFailure(ctx, e, last.FailureCause())
	}
	return false, nil
}

// syncLeases compares each provider's leases with the open assignments. A
// lease is released only once its assignment is known to be finished, or when
// no assignment appeared for it within the grace period. A missing lease is
// restored and dropped again if its assignment finished meanwhile.
func (s *Scheduler) syncLeases(ctx context.Context, grace time.Time, rep *ReconcileReport) error {
	open, err := s.tracker.OpenLeases(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: open leases: %w", err)
	}
	ps, err := s.registry.Providers(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: list providers: %w", err)
	}

	for _, p := range ps {
		leases, err := s.registry.Leases(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("dispatch: list leases for %s: %w", p.ID, err)
		}
		log := s.log.With("provider_id", p.ID)

		wanted := make(map[string]bool, len(open[p.ID]))
		for _, id := range open[p.ID] {
			wanted[id] = true
		}
		held := make(map[string]bool, len(leases))
		for _, l := range leases {
			held[l.ID] = true
			if wanted[l.ID] {
				continue
			}
			stale, err := s.staleLease(ctx, l.ID, l.ReservedAt, grace)
			if err != nil {
				log.Error("check lease failed", "lease_id", l.ID, "err", err)
				continue
			}
			if stale {
				s.releaseSlot(ctx, p.ID, l.ID)
				rep.Pruned++
			}
		}

		for _, id := range open[p.ID] {
			rep.Leases++
			if held[id] {
				continue
			}
			if err := s.registry.RestoreSlot(ctx, p.ID, id); err != nil {
				log.Error("restore slot failed", "lease_id", id, "err", err)
				continue
			}
			// Terminal status is written before the slot is released, so a
			// lease missing because its call just ended shows up here.
			a, err := s.tracker.Get(ctx, id)
			if err == nil && a.Status.Terminal() {
				s.releaseSlot(ctx, p.ID, id)
				continue
			}
			rep.Restored++
		}
	}
	return nil
}

func (s *Scheduler) staleLease(ctx context.Context, id string, reservedAt, grace time.Time) (bool, error) {
	a, err := s.tracker.Get(ctx, id)
	if errors.Is(err, assignments.ErrNotFound) {
		return reservedAt.Before(grace), nil
	}
	if err != nil {
		return false, err
	}
	return a.Status.Terminal(), nil
}
