package dispatch

import (
	"context"
	"errors"
	"fmt"

	"calldispatch/internal/assignments"
	"calldispatch/internal/queue"
	"calldispatch/internal/telephony"
)

var _ telephony.CompletionSink = (*Scheduler)(nil)

// HandleCompletion applies a provider's end-of-call report. Reports for
// assignments that already finished are accepted and ignored, so providers may
// redeliver freely.
func (s *Scheduler) HandleCompletion(ctx context.Context, c telephony.CallCompletion) error {
	a, err := s.findAssignment(ctx, c)
	if err != nil {
		return err
	}
	log := s.log.With("assignment_id", a.ID, "entry_id", a.QueueEntryID, "provider_id", a.ProviderID)

	if a.Status.Terminal() {
		log.Debug("duplicate completion ignored", "status", a.Status)
		return nil
	}

	if c.Failure != nil {
		_, err := s.tracker.RecordOutcome(ctx, a.ID, assignments.StatusError, assignments.Details{
			ProviderCallID: c.ProviderCallID,
			Cause:          c.Failure,
		})
		if errors.Is(err, assignments.ErrFinal) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dispatch: record call failure: %w", err)
		}
		log.Info("call failed at provider", "kind", c.Failure.Kind, "reason", c.Failure.Msg)
		return nil
	}

	if a.Status == assignments.StatusOffered {
		// The provider reported before the hand-off returned.
		if _, err := s.tracker.RecordOutcome(ctx, a.ID, assignments.StatusAccepted, assignments.Details{
			ProviderCallID: c.ProviderCallID,
		}); err != nil && !errors.Is(err, assignments.ErrInvalidTransition) {
			if errors.Is(err, assignments.ErrFinal) {
				return nil
			}
			return fmt.Errorf("dispatch: record accept: %w", err)
		}
	}

	if _, err := s.tracker.RecordOutcome(ctx, a.ID, assignments.StatusCompleted, assignments.Details{
		ProviderCallID: c.ProviderCallID,
	}); err != nil {
		if errors.Is(err, assignments.ErrFinal) {
			return nil
		}
		return fmt.Errorf("dispatch: record completion: %w", err)
	}

	out, err := s.completeEntry(ctx, a)
	if err != nil {
		return err
	}
	s.recordHistory(ctx, out, queue.CallSummary{
		ProviderID:      a.ProviderID,
		DurationSeconds: c.DurationSeconds,
		Transcript:      c.Transcript,
	})
	log.Info("call completed", "duration_seconds", c.DurationSeconds)
	return nil
}

func (s *Scheduler) findAssignment(ctx context.Context, c telephony.CallCompletion) (assignments.Assignment, error) {
	var (
		a   assignments.Assignment
		err error
	)
	switch {
	case c.AssignmentID != "":
		a, err = s.tracker.Get(ctx, c.AssignmentID)
	case c.ProviderID != "" && c.ProviderCallID != "":
		a, err = s.tracker.FindByProviderCallID(ctx, c.ProviderID, c.ProviderCallID)
	default:
		return a, telephony.ErrUnknownCall
	}
	if errors.Is(err, assignments.ErrNotFound) {
		return a, telephony.ErrUnknownCall
	}
	if err != nil {
		return a, fmt.Errorf("dispatch: lookup assignment: %w", err)
	}
	if c.ProviderID != "" && a.ProviderID != c.ProviderID {
		return a, telephony.ErrUnknownCall
	}
	return a, nil
}

// completeEntry moves the entry to completed, passing through in_progress
// when the hand-off had not yet recorded it.
func (s *Scheduler) completeEntry(ctx context.Context, a assignments.Assignment) (queue.Entry, error) {
	e, err := s.queue.Get(ctx, a.QueueEntryID)
	if err != nil {
		return queue.Entry{}, fmt.Errorf("dispatch: load entry: %w", err)
	}
	if e.Status == queue.StatusAssigned {
		if _, err := s.queue.MarkStatus(ctx, e.ID, queue.Transition{
			To:         queue.StatusInProgress,
			Expected:   []queue.Status{queue.StatusAssigned},
			ProviderID: a.ProviderID,
		}); err != nil && !errors.Is(err, queue.ErrConflict) {
			return queue.Entry{}, fmt.Errorf("dispatch: mark in_progress: %w", err)
		}
	}
	out, err := s.queue.MarkStatus(ctx, e.ID, queue.Transition{
		To:       queue.StatusCompleted,
		Expected: []queue.Status{queue.StatusInProgress},
	})
	if err != nil {
		return queue.Entry{}, fmt.Errorf("dispatch: mark completed: %w", err)
	}
	return out, nil
}
