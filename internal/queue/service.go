package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"calldispatch/internal/templates"
	"calldispatch/pkg/logger"

	"github.com/google/uuid"
)

// UsageReserver is the subset of the usage accountant needed at admission.
// Both calls are idempotent per entry id.
type UsageReserver interface {
	CheckAndReserve(ctx context.Context, userID, entryID string) error
	Release(ctx context.Context, userID, entryID string) error
}

// HistoryWriter records entries that reached a terminal state.
type HistoryWriter interface {
	RecordTerminal(ctx context.Context, e Entry, summary CallSummary) error
}

// Service implements admission, cancellation and owner-scoped reads.
//
// Admission order:
//  1. validate input and template variables
//  2. reserve usage keyed by the new entry id
//  3. insert; on failure the reservation is released
type Service struct {
	store     Store
	templates templates.Repository
	usage     UsageReserver
	history   HistoryWriter
	log       *slog.Logger

	onAdmit func()
	clock   func() time.Time
}

func NewService(store Store, tmpl templates.Repository, usage UsageReserver, history HistoryWriter, log *slog.Logger) *Service {
	return &Service{
		store:     store,
		templates: tmpl,
		usage:     usage,
		history:   history,
		log:       logger.Component(log, "queue"),
		clock:     time.Now,
	}
}

// OnAdmit registers a callback run after each successful admission.
// The dispatch runner uses it to trigger an early cycle.
func (s *Service) OnAdmit(fn func()) { s.onAdmit = fn }

type AdmitRequest struct {
	UserID          string
	TemplateID      string
	RecipientNumber string
	ScheduledTime   *time.Time
	CustomVariables map[string]string
	// Priority defaults to DefaultPriority when nil.
	Priority *int
}

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

func (s *Service) Admit(ctx context.Context, req AdmitRequest) (Entry, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.TemplateID = strings.TrimSpace(req.TemplateID)
	req.RecipientNumber = strings.TrimSpace(req.RecipientNumber)

	if req.UserID == "" || req.TemplateID == "" || req.RecipientNumber == "" {
		return Entry{}, invalid(CodeInvalidRequest, "user_id, template_id and recipient_number are required")
	}
	if !e164.MatchString(req.RecipientNumber) {
		return Entry{}, invalid(CodeInvalidRecipient, "recipient_number must be E.164")
	}
	priority := DefaultPriority
	if req.Priority != nil {
		if *req.Priority < 0 {
			return Entry{}, invalid(CodeInvalidRequest, "priority must be >= 0")
		}
		priority = *req.Priority
	}

	tmpl, err := s.templates.Get(ctx, req.TemplateID)
	if err != nil {
		if errors.Is(err, templates.ErrNotFound) {
			return Entry{}, invalid(CodeUnknownTemplate, "template not found")
		}
		return Entry{}, fmt.Errorf("queue: load template: %w", err)
	}
	vars, missing := tmpl.Resolve(req.CustomVariables)
	if len(missing) > 0 {
		return Entry{}, &ValidationError{Code: CodeMissingVariables, Message: "missing required variables", Missing: missing}
	}

	now := s.clock().UTC()
	entry := Entry{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		RecipientNumber: req.RecipientNumber,
		TemplateID:      req.TemplateID,
		CustomVariables: vars,
		Status:          StatusQueued,
		Priority:        priority,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.ScheduledTime != nil {
		st := req.ScheduledTime.UTC()
		entry.ScheduledTime = &st
		entry.Status = StatusScheduled
	}

	if err := s.usage.CheckAndReserve(ctx, entry.UserID, entry.ID); err != nil {
		return Entry{}, err
	}

	if err := s.store.Insert(ctx, entry); err != nil {
		if rerr := s.usage.Release(ctx, entry.UserID, entry.ID); rerr != nil {
			s.log.Error("usage release after failed insert", "entry_id", entry.ID, "err", rerr)
		}
		return Entry{}, err
	}

	s.log.Info("call admitted", "entry_id", entry.ID, "user_id", entry.UserID, "status", entry.Status, "priority", entry.Priority)
	if s.onAdmit != nil {
		s.onAdmit()
	}
	return entry, nil
}

// Cancel moves a queued or scheduled entry owned by userID to cancelled.
// Usage is refunded only if the entry was never dispatched.
// Entries owned by other users are reported as ErrNotFound.
func (s *Service) Cancel(ctx context.Context, id, userID string) (Entry, bool, error) {
	cur, err := s.Get(ctx, id, userID)
	if err != nil {
		return Entry{}, false, err
	}
	if !cur.Status.Cancellable() {
		return Entry{}, false, fmt.Errorf("%w: status %s", ErrNotCancellable, cur.Status)
	}

	out, err := s.store.MarkStatus(ctx, id, Transition{
		To:       StatusCancelled,
		Expected: []Status{StatusQueued, StatusScheduled},
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// A scheduling cycle claimed it first.
			return Entry{}, false, fmt.Errorf("%w: %v", ErrNotCancellable, err)
		}
		return Entry{}, false, err
	}

	refunded := false
	if out.Attempts == 0 {
		if err := s.usage.Release(ctx, out.UserID, out.ID); err != nil {
			s.log.Error("usage release on cancel failed", "entry_id", out.ID, "err", err)
		} else {
			refunded = true
		}
	}

	if s.history != nil {
		if err := s.history.RecordTerminal(ctx, out, CallSummary{}); err != nil {
			s.log.Warn("history record on cancel failed", "entry_id", out.ID, "err", err)
		}
	}

	s.log.Info("call cancelled", "entry_id", out.ID, "refunded", refunded)
	return out, refunded, nil
}

// Get returns the entry if it belongs to userID.
func (s *Service) Get(ctx context.Context, id, userID string) (Entry, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if userID != "" && e.UserID != userID {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *Service) List(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if userID == "" {
		return nil, invalid(CodeInvalidRequest, "user_id required")
	}
	return s.store.ListByUser(ctx, userID, limit)
}
