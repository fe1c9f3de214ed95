package reporting

import (
	"context"
	"errors"
	"time"

	"calldispatch/internal/history"
	"calldispatch/internal/queue"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// MaxRange bounds a single summary request.
const MaxRange = 366 * 24 * time.Hour

// Source reads call history. history.Service satisfies it.
type Source interface {
	ListByUser(ctx context.Context, userID string, from, to time.Time) ([]history.Record, error)
}

type Service struct {
	src Source
}

func NewService(src Source) *Service { return &Service{src: src} }

// CallsSummary aggregates a user's terminal calls. Average duration is taken
// over completed calls only.
func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.UserID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > MaxRange {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.src == nil {
		return CallsSummary{}, errors.New("reporting: history source not configured")
	}

	rows, err := s.src.ListByUser(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{UserID: req.UserID, Range: req.Range}
	for _, r := range rows {
		out.TotalCalls++
		if r.Attempts > 1 {
			out.RetriedCalls++
		}
		if r.Transcript != "" {
			out.TranscribedCalls++
		}
		if r.ProviderID != "" {
			if out.ByProvider == nil {
				out.ByProvider = map[string]int{}
			}
			out.ByProvider[r.ProviderID]++
		}
		switch r.Status {
		case queue.StatusCompleted:
			out.CompletedCalls++
			out.TotalDurationSeconds += r.DurationSeconds
		case queue.StatusFailed:
			out.FailedCalls++
		case queue.StatusCancelled:
			out.CancelledCalls++
		}
	}
	if out.CompletedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.CompletedCalls
	}
	return out, nil
}
