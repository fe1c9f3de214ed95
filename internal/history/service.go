package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"calldispatch/internal/queue"
	"calldispatch/pkg/logger"

	"github.com/google/uuid"
)

// Repository is the persistence contract for call history. It is
// append-only; no update or delete is offered.
type Repository interface {
	Append(ctx context.Context, r Record) error
	// ListByUser returns records created in [from, to), oldest first.
	ListByUser(ctx context.Context, userID string, from, to time.Time) ([]Record, error)
}

// Service turns terminal queue entries into history records. It implements
// queue.HistoryWriter.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

var _ queue.HistoryWriter = (*Service)(nil)

func NewService(repo Repository, log *slog.Logger) *Service {
	return &Service{repo: repo, log: logger.Component(log, "history"), clock: time.Now}
}

// RecordTerminal appends the record for a terminal entry. A second call for the
// same entry is a no-op.
func (s *Service) RecordTerminal(ctx context.Context, e queue.Entry, sum queue.CallSummary) error {
	if s.repo == nil {
		return errors.New("history: repository not configured")
	}
	if e.ID == "" || e.UserID == "" || !e.Status.Terminal() {
		return fmt.Errorf("%w: entry %q status %q", ErrInvalidRecord, e.ID, e.Status)
	}

	r := Record{
		ID:              uuid.NewString(),
		UserID:          e.UserID,
		QueueEntryID:    e.ID,
		ProviderID:      sum.ProviderID,
		Recipient:       e.RecipientNumber,
		TemplateID:      e.TemplateID,
		Status:          e.Status,
		Attempts:        e.Attempts,
		DurationSeconds: sum.DurationSeconds,
		Transcript:      sum.Transcript,
		CreatedAt:       s.clock().UTC(),
	}
	if e.Status != queue.StatusCompleted {
		r.ErrorMessage = e.LastError
	}

	err := s.repo.Append(ctx, r)
	if errors.Is(err, ErrDuplicate) {
		s.log.Debug("history already recorded", "entry_id", e.ID)
		return nil
	}
	return err
}

func (s *Service) ListByUser(ctx context.Context, userID string, from, to time.Time) ([]Record, error) {
	if userID == "" {
		return nil, ErrInvalidRecord
	}
	return s.repo.ListByUser(ctx, userID, from, to)
}
