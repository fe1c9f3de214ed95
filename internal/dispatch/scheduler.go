package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"calldispatch/internal/assignments"
	"calldispatch/internal/providers"
	"calldispatch/internal/queue"
	"calldispatch/internal/retry"
	"calldispatch/internal/telephony"
	"calldispatch/internal/templates"
	"calldispatch/pkg/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBatchSize      = 50
	DefaultHandoffTimeout = 15 * time.Second

	// DefaultMaxCallDuration bounds how long an accepted call may go without
	// an end report before Reconcile gives up on it.
	DefaultMaxCallDuration = 2 * time.Hour
)

// AdapterSource resolves the telephony adapter for a provider.
type AdapterSource interface {
	Adapter(providerID string) (telephony.Adapter, error)
}

type Deps struct {
	Queue     queue.Store
	Registry  providers.Registry
	Tracker   *assignments.Tracker
	Retries   retry.Store
	Adapters  AdapterSource
	Templates templates.Repository
	History   queue.HistoryWriter
	Logger    *slog.Logger
}

type Config struct {
	BatchSize       int
	HandoffTimeout  time.Duration
	MaxCallDuration time.Duration
	Policy          retry.Policy
}

// Scheduler matches eligible queue entries to providers.
//
// Cycles hold no state between runs, so any number may overlap: the
// conditional queued->assigned update decides which cycle owns an entry, and
// the registry's slot leases bound concurrent calls per provider. Every
// reserved slot is released exactly once, either right away when the claim
// loses or through the assignment reaching a terminal status.
type Scheduler struct {
	queue     queue.Store
	registry  providers.Registry
	tracker   *assignments.Tracker
	retries   retry.Store
	adapters  AdapterSource
	templates templates.Repository
	history   queue.HistoryWriter

	policy          retry.Policy
	batchSize       int
	handoffTimeout  time.Duration
	maxCallDuration time.Duration

	log    *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time
}

func New(d Deps, cfg Config) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = DefaultHandoffTimeout
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = DefaultMaxCallDuration
	}
	s := &Scheduler{
		queue:           d.Queue,
		registry:        d.Registry,
		tracker:         d.Tracker,
		retries:         d.Retries,
		adapters:        d.Adapters,
		templates:       d.Templates,
		history:         d.History,
		policy:          cfg.Policy,
		batchSize:       cfg.BatchSize,
		handoffTimeout:  cfg.HandoffTimeout,
		maxCallDuration: cfg.MaxCallDuration,
		log:             logger.Component(d.Logger, "dispatch"),
		tracer:          otel.Tracer("calldispatch/dispatch"),
		clock:           time.Now,
	}
	d.Tracker.OnFailure(s.onAssignmentFailure)
	return s
}

// CycleReport counts what one cycle did with the entries it claimed.
type CycleReport struct {
	Claimed   int `json:"claimed"`
	Assigned  int `json:"assigned"`
	Accepted  int `json:"accepted"`
	Rejected  int `json:"rejected"`
	Errored   int `json:"errored"`
	Deferred  int `json:"deferred"`
	Conflicts int `json:"conflicts"`
}

// RunCycle dispatches one batch of eligible entries. Entries with no
// available provider are left untouched for the next cycle.
func (s *Scheduler) RunCycle(ctx context.Context) (rep CycleReport, err error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.cycle")
	defer func() {
		span.SetAttributes(
			attribute.Int("dispatch.claimed", rep.Claimed),
			attribute.Int("dispatch.assigned", rep.Assigned),
			attribute.Int("dispatch.accepted", rep.Accepted),
			attribute.Int("dispatch.deferred", rep.Deferred),
			attribute.Int("dispatch.conflicts", rep.Conflicts),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	now := s.clock().UTC()
	entries, err := s.queue.ClaimNextBatch(ctx, s.batchSize, now)
	if err != nil {
		return rep, fmt.Errorf("dispatch: claim batch: %w", err)
	}
	rep.Claimed = len(entries)

	for _, e := range entries {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		s.dispatchOne(ctx, e, now, &rep)
	}

	if rep.Claimed > 0 {
		s.log.Info("dispatch cycle",
			"claimed", rep.Claimed,
			"assigned", rep.Assigned,
			"accepted", rep.Accepted,
			"rejected", rep.Rejected,
			"errored", rep.Errored,
			"deferred", rep.Deferred,
			"conflicts", rep.Conflicts,
		)
	}
	return rep, nil
}

// dispatchOne claims e for a provider. The claim is conditional on e still
// being due at now, so a batch read before a requeue cannot dispatch the entry
// inside its backoff window.
func (s *Scheduler) dispatchOne(ctx context.Context, e queue.Entry, now time.Time, rep *CycleReport) {
	log := s.log.With("entry_id", e.ID)
	var exclude []string

	for {
		p, ok, err := s.registry.SelectCandidate(ctx, providers.Requirements{Exclude: exclude})
		if err != nil {
			log.Error("select candidate failed", "err", err)
			rep.Deferred++
			return
		}
		if !ok {
			rep.Deferred++
			return
		}

		leaseID := uuid.NewString()
		if err := s.registry.ReserveSlot(ctx, p.ID, leaseID); err != nil {
			if errors.Is(err, providers.ErrSlotUnavailable) {
				// Another cycle took the last slot; try the next candidate.
				exclude = append(exclude, p.ID)
				continue
			}
			log.Error("reserve slot failed", "provider_id", p.ID, "err", err)
			rep.Deferred++
			return
		}

		claimed, err := s.queue.MarkStatus(ctx, e.ID, queue.Transition{
			To:           queue.StatusAssigned,
			Expected:     []queue.Status{queue.StatusQueued, queue.StatusScheduled},
			ProviderID:   p.ID,
			CountAttempt: true,
			DueBy:        &now,
		})
		if err != nil {
			s.releaseSlot(ctx, p.ID, leaseID)
			if errors.Is(err, queue.ErrConflict) {
				rep.Conflicts++
				return
			}
			log.Error("claim entry failed", "provider_id", p.ID, "err", err)
			return
		}
		rep.Assigned++

		a, err := s.tracker.Create(ctx, leaseID, e.ID, p.ID)
		if err != nil {
			log.Error("create assignment failed", "provider_id", p.ID, "err", err)
			s.releaseSlot(ctx, p.ID, leaseID)
			cause := &telephony.ProviderError{Kind: telephony.KindProviderError, Provider: p.ID, Msg: "assignment could not be recorded", Err: err}
			if err := s.settleFailure(ctx, claimed, cause); err != nil {
				log.Error("settle unrecorded assignment failed", "err", err)
			}
			rep.Errored++
			return
		}

		s.handOff(ctx, claimed, p, a, rep)
		return
	}
}

// handOff places the call with a bounded wait. A timeout is a retryable
// provider failure.
func (s *Scheduler) handOff(ctx context.Context, e queue.Entry, p providers.Provider, a assignments.Assignment, rep *CycleReport) {
	log := s.log.With("entry_id", e.ID, "assignment_id", a.ID, "provider_id", p.ID)

	adapter, err := s.adapters.Adapter(p.ID)
	if err != nil {
		s.recordFailure(ctx, a, assignments.StatusError, nil, &telephony.ProviderError{Kind: telephony.KindProviderError, Provider: p.ID, Err: err})
		rep.Errored++
		return
	}

	req := s.placeCallRequest(ctx, e, p, a)

	hctx, cancel := context.WithTimeout(ctx, s.handoffTimeout)
	res, err := adapter.PlaceCall(hctx, req)
	timedOut := errors.Is(hctx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		var pe *telephony.ProviderError
		if !errors.As(err, &pe) {
			kind := telephony.KindProviderError
			if timedOut {
				kind = telephony.KindTimeout
			}
			pe = &telephony.ProviderError{Kind: kind, Provider: p.ID, Err: err}
		}
		log.Warn("hand-off failed", "kind", pe.Kind, "err", pe)
		s.recordFailure(ctx, a, assignments.StatusError, nil, pe)
		rep.Errored++
		return
	}

	if !res.Accepted {
		rej := res.Rejection(p.ID)
		log.Info("call rejected by provider", "permanent", res.Permanent, "reason", rej.Msg)
		s.recordFailure(ctx, a, assignments.StatusRejected, res.Payload, rej)
		rep.Rejected++
		return
	}

	if _, err := s.tracker.RecordOutcome(ctx, a.ID, assignments.StatusAccepted, assignments.Details{
		Payload:        res.Payload,
		ProviderCallID: res.ProviderCallID,
	}); err != nil {
		// A completion callback may already have finished the assignment.
		log.Warn("record accept failed", "err", err)
	}
	if _, err := s.queue.MarkStatus(ctx, e.ID, queue.Transition{
		To:         queue.StatusInProgress,
		Expected:   []queue.Status{queue.StatusAssigned},
		ProviderID: p.ID,
	}); err != nil && !errors.Is(err, queue.ErrConflict) {
		log.Error("mark in_progress failed", "err", err)
	}
	rep.Accepted++
	log.Info("call handed off", "provider_call_id", res.ProviderCallID)
}

func (s *Scheduler) placeCallRequest(ctx context.Context, e queue.Entry, p providers.Provider, a assignments.Assignment) telephony.PlaceCallRequest {
	req := telephony.PlaceCallRequest{
		AssignmentID:   a.ID,
		QueueEntryID:   e.ID,
		Recipient:      e.RecipientNumber,
		AssistantRef:   p.AssistantRef,
		PhoneNumberRef: p.PhoneNumberRef,
		Variables:      e.CustomVariables,
	}
	if s.templates == nil {
		return req
	}
	tmpl, err := s.templates.Get(ctx, e.TemplateID)
	if err != nil {
		s.log.Warn("template lookup failed, using provider defaults", "entry_id", e.ID, "template_id", e.TemplateID, "err", err)
		return req
	}
	if tmpl.AssistantRef != "" {
		req.AssistantRef = tmpl.AssistantRef
	}
	if tmpl.PhoneNumberRef != "" {
		req.PhoneNumberRef = tmpl.PhoneNumberRef
	}
	return req
}

func (s *Scheduler) recordFailure(ctx context.Context, a assignments.Assignment, to assignments.Status, payload []byte, cause error) {
	if _, err := s.tracker.RecordOutcome(ctx, a.ID, to, assignments.Details{Payload: payload, Cause: cause}); err != nil {
		s.log.Error("record failure outcome failed", "assignment_id", a.ID, "status", to, "err", err)
	}
}

func (s *Scheduler) releaseSlot(ctx context.Context, providerID, leaseID string) {
	if err := s.registry.ReleaseSlot(ctx, providerID, leaseID); err != nil {
		s.log.Error("release slot failed", "provider_id", providerID, "lease_id", leaseID, "err", err)
	}
}

// onAssignmentFailure runs after an assignment is rejected or errors and
// either requeues the entry with backoff or fails it.
func (s *Scheduler) onAssignmentFailure(ctx context.Context, a assignments.Assignment, cause error) error {
	e, err := s.queue.Get(ctx, a.QueueEntryID)
	if err != nil {
		return fmt.Errorf("load entry: %w", err)
	}
	if !e.Status.HoldsProvider() || e.ProviderID != a.ProviderID {
		// Already moved on, for example by an earlier duplicate callback.
		return nil
	}
	return s.settleFailure(ctx, e, cause)
}

// settleFailure applies the retry policy to the failed attempt e.Attempts of
// an entry that still holds a provider. It is safe to run more than once for
// the same attempt: the retry record is reused and the status change is
// conditional on the attempt, so a rerun after a partial failure finishes the
// job and a rerun after success is a no-op.
func (s *Scheduler) settleFailure(ctx context.Context, e queue.Entry, cause error) error {
	attempt := e.Attempts
	if attempt < 1 {
		attempt = 1
	}
	now := s.clock().UTC()
	decision := s.policy.ShouldRetry(attempt, cause)
	expected := []queue.Status{queue.StatusAssigned, queue.StatusInProgress}
	log := s.log.With("entry_id", e.ID, "provider_id", e.ProviderID, "attempt", attempt)

	if decision.Retry {
		next, err := s.scheduleRetry(ctx, e.ID, attempt, now.Add(decision.Delay), cause.Error(), now)
		if err != nil {
			return err
		}
		_, err = s.queue.MarkStatus(ctx, e.ID, queue.Transition{
			To:        queue.StatusQueued,
			Expected:  expected,
			AtAttempt: e.Attempts,
			NotBefore: &next,
			LastError: cause.Error(),
		})
		if errors.Is(err, queue.ErrConflict) {
			log.Debug("entry already settled", "err", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("requeue entry: %w", err)
		}
		log.Info("call requeued", "next_retry_at", next, "reason", cause.Error())
		return nil
	}

	out, err := s.queue.MarkStatus(ctx, e.ID, queue.Transition{
		To:        queue.StatusFailed,
		Expected:  expected,
		AtAttempt: e.Attempts,
		LastError: decision.Reason,
	})
	if errors.Is(err, queue.ErrConflict) {
		log.Debug("entry already settled", "err", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail entry: %w", err)
	}
	log.Warn("call failed", "reason", decision.Reason)
	s.recordHistory(ctx, out, queue.CallSummary{ProviderID: e.ProviderID})
	return nil
}

// scheduleRetry appends the retry record for attempt, or returns the time
// already recorded when an earlier run got that far.
func (s *Scheduler) scheduleRetry(ctx context.Context, entryID string, attempt int, next time.Time, reason string, now time.Time) (time.Time, error) {
	latest, found, err := s.retries.Latest(ctx, entryID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load retry history: %w", err)
	}
	if found && latest.Attempt == attempt {
		return latest.NextRetryAt, nil
	}
	if err := s.retries.Append(ctx, retry.Record{
		QueueEntryID: entryID,
		Attempt:      attempt,
		NextRetryAt:  next,
		Reason:       reason,
		CreatedAt:    now,
	}); err != nil {
		return time.Time{}, fmt.Errorf("append retry record: %w", err)
	}
	return next, nil
}

func (s *Scheduler) recordHistory(ctx context.Context, e queue.Entry, sum queue.CallSummary) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordTerminal(ctx, e, sum); err != nil {
		s.log.Warn("history record failed", "entry_id", e.ID, "status", e.Status, "err", err)
	}
}
