package reporting

import (
	"context"
	"testing"
	"time"

	"calldispatch/internal/history"
	"calldispatch/internal/queue"
)

func seed(t *testing.T, recs ...history.Record) *history.MemoryRepo {
	t.Helper()
	repo := history.NewMemoryRepo()
	for _, r := range recs {
		if err := repo.Append(context.Background(), r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return repo
}

func TestReporting_UserIsolation(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	repo := seed(t,
		history.Record{QueueEntryID: "c1", UserID: "u1", Status: queue.StatusCompleted, DurationSeconds: 30, CreatedAt: now},
		history.Record{QueueEntryID: "c2", UserID: "u2", Status: queue.StatusCompleted, DurationSeconds: 50, CreatedAt: now},
	)
	svc := NewService(repo)

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{UserID: "u1", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 1 {
		t.Fatalf("expected 1 call, got %d", out.TotalCalls)
	}
}

func TestReporting_Aggregates(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	repo := seed(t,
		history.Record{QueueEntryID: "c1", UserID: "u", ProviderID: "p1", Status: queue.StatusCompleted, Attempts: 1, DurationSeconds: 40, Transcript: "hi", CreatedAt: now},
		history.Record{QueueEntryID: "c2", UserID: "u", ProviderID: "p2", Status: queue.StatusCompleted, Attempts: 3, DurationSeconds: 20, CreatedAt: now},
		history.Record{QueueEntryID: "c3", UserID: "u", ProviderID: "p1", Status: queue.StatusFailed, Attempts: 5, CreatedAt: now},
		history.Record{QueueEntryID: "c4", UserID: "u", Status: queue.StatusCancelled, CreatedAt: now},
	)
	svc := NewService(repo)

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{UserID: "u", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 4 || out.CompletedCalls != 2 || out.FailedCalls != 1 || out.CancelledCalls != 1 {
		t.Fatalf("unexpected counts: %+v", out)
	}
	if out.TotalDurationSeconds != 60 || out.AverageDurationSeconds != 30 {
		t.Fatalf("unexpected durations: %+v", out)
	}
	if out.RetriedCalls != 2 || out.TranscribedCalls != 1 {
		t.Fatalf("unexpected retried/transcribed: %+v", out)
	}
	if out.ByProvider["p1"] != 2 || out.ByProvider["p2"] != 1 {
		t.Fatalf("unexpected provider split: %+v", out.ByProvider)
	}
}

func TestReporting_RejectsBadRanges(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	svc := NewService(history.NewMemoryRepo())

	for _, req := range []CallsSummaryRequest{
		{Range: TimeRange{From: now, To: now.Add(time.Hour)}},
		{UserID: "u", Range: TimeRange{From: now, To: now}},
		{UserID: "u", Range: TimeRange{To: now}},
		{UserID: "u", Range: TimeRange{From: now, To: now.Add(400 * 24 * time.Hour)}},
	} {
		if _, err := svc.CallsSummary(context.Background(), req); err != ErrInvalidRequest {
			t.Fatalf("expected ErrInvalidRequest for %+v, got %v", req, err)
		}
	}
}
