//go:build integration

package queue_test

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"calldispatch/internal/history"
	"calldispatch/internal/queue"
	"calldispatch/internal/retry"
	"calldispatch/internal/usage"
	"calldispatch/migrations"
	"calldispatch/pkg/utils"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *sql.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("calldispatch"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		log.Fatalf("failed to start container: %s", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("failed to get connection string: %s", err)
	}

	testDB, err = utils.OpenPostgres(ctx, "pgx", connStr, utils.PostgresPoolConfig{})
	if err != nil {
		log.Fatalf("failed to open database: %s", err)
	}
	if err := migrations.Apply(ctx, testDB); err != nil {
		log.Fatalf("failed to apply migrations: %s", err)
	}
	// A second run must be a no-op.
	if err := migrations.Apply(ctx, testDB); err != nil {
		log.Fatalf("failed to re-apply migrations: %s", err)
	}

	code := m.Run()

	_ = testDB.Close()
	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("failed to terminate container: %s", err)
	}
	os.Exit(code)
}

func newEntry(userID string, priority int, createdAt time.Time) queue.Entry {
	return queue.Entry{
		ID:              uuid.NewString(),
		UserID:          userID,
		RecipientNumber: "+15550100",
		TemplateID:      "tmpl-1",
		CustomVariables: map[string]string{"name": "Ada"},
		Status:          queue.StatusQueued,
		Priority:        priority,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

func TestPostgresStore_ClaimOrderAndTransitions(t *testing.T) {
	ctx := context.Background()
	store := queue.NewPostgresStore(testDB)
	user := "user-" + uuid.NewString()
	t0 := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)

	low := newEntry(user, 5, t0)
	urgent := newEntry(user, 1, t0.Add(time.Second))
	future := t0.Add(time.Hour)
	scheduled := newEntry(user, 0, t0)
	scheduled.Status = queue.StatusScheduled
	scheduled.ScheduledTime = &future
	for _, e := range []queue.Entry{low, urgent, scheduled} {
		require.NoError(t, store.Insert(ctx, e))
	}

	batch, err := store.ClaimNextBatch(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	var ids []string
	for _, e := range batch {
		if e.UserID == user {
			ids = append(ids, e.ID)
		}
	}
	assert.Equal(t, []string{urgent.ID, low.ID}, ids)

	got, err := store.MarkStatus(ctx, urgent.ID, queue.Transition{
		To:           queue.StatusAssigned,
		Expected:     []queue.Status{queue.StatusQueued, queue.StatusScheduled},
		ProviderID:   "voice-a",
		CountAttempt: true,
	})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusAssigned, got.Status)
	assert.Equal(t, "voice-a", got.ProviderID)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, map[string]string{"name": "Ada"}, got.CustomVariables)

	_, err = store.MarkStatus(ctx, urgent.ID, queue.Transition{
		To:         queue.StatusAssigned,
		Expected:   []queue.Status{queue.StatusQueued},
		ProviderID: "voice-b",
	})
	assert.True(t, errors.Is(err, queue.ErrConflict), "got %v", err)

	held, err := store.ListHeld(ctx, time.Now().UTC().Add(time.Minute), 0)
	require.NoError(t, err)
	var heldIDs []string
	for _, e := range held {
		heldIDs = append(heldIDs, e.ID)
	}
	assert.Contains(t, heldIDs, urgent.ID)
	assert.NotContains(t, heldIDs, low.ID)

	retryAt := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	got, err = store.MarkStatus(ctx, urgent.ID, queue.Transition{
		To:        queue.StatusQueued,
		Expected:  []queue.Status{queue.StatusAssigned},
		NotBefore: &retryAt,
		LastError: "provider timeout",
	})
	require.NoError(t, err)
	assert.Empty(t, got.ProviderID)
	require.NotNil(t, got.NotBefore)
	assert.True(t, got.NotBefore.Equal(retryAt))
	assert.Equal(t, "provider timeout", got.LastError)

	// A batch read earlier cannot claim the entry inside its backoff.
	now := time.Now().UTC()
	_, err = store.MarkStatus(ctx, urgent.ID, queue.Transition{
		To:           queue.StatusAssigned,
		Expected:     []queue.Status{queue.StatusQueued, queue.StatusScheduled},
		ProviderID:   "voice-b",
		CountAttempt: true,
		DueBy:        &now,
	})
	assert.True(t, errors.Is(err, queue.ErrConflict), "got %v", err)

	batch, err = store.ClaimNextBatch(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	for _, e := range batch {
		assert.NotEqual(t, urgent.ID, e.ID, "held-back entry must not be claimable")
	}

	_, err = store.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestUsageService_ConcurrentReservationsRespectLimit(t *testing.T) {
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	now := time.Now().UTC()
	_, err := testDB.ExecContext(ctx, `
INSERT INTO subscriptions (id, user_id, status, calls_used, call_limit, created_at, updated_at)
VALUES ($1, $2, 'active', 0, 3, $3, $3)`, uuid.NewString(), user, now)
	require.NoError(t, err)

	svc := usage.NewService(testDB)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		exceeded int
	)
	entries := make([]string, 6)
	for i := range entries {
		entries[i] = uuid.NewString()
	}
	for _, id := range entries {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := svc.CheckAndReserve(ctx, user, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, usage.ErrQuotaExceeded):
				exceeded++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, 3, ok)
	assert.Equal(t, 3, exceeded)

	sub, err := svc.Current(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 3, sub.CallsUsed)

	// Releasing twice refunds once.
	require.NoError(t, svc.Release(ctx, user, entries[0]))
	require.NoError(t, svc.Release(ctx, user, entries[0]))
	sub, err = svc.Current(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 2, sub.CallsUsed)
}

func TestRetryAndHistory_Postgres(t *testing.T) {
	ctx := context.Background()
	store := queue.NewPostgresStore(testDB)
	e := newEntry("user-"+uuid.NewString(), 1, time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, store.Insert(ctx, e))

	retries := retry.NewPostgresStore(testDB)
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, retries.Append(ctx, retry.Record{QueueEntryID: e.ID, Attempt: 1, NextRetryAt: now.Add(30 * time.Second), Reason: "timeout", CreatedAt: now}))
	require.NoError(t, retries.Append(ctx, retry.Record{QueueEntryID: e.ID, Attempt: 2, NextRetryAt: now.Add(time.Minute), Reason: "timeout", CreatedAt: now}))
	assert.Error(t, retries.Append(ctx, retry.Record{QueueEntryID: e.ID, Attempt: 2, NextRetryAt: now, CreatedAt: now}))

	latest, found, err := retries.Latest(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, latest.Attempt)

	repo := history.NewPostgresRepo(testDB)
	rec := history.Record{
		ID:           uuid.NewString(),
		UserID:       e.UserID,
		QueueEntryID: e.ID,
		ProviderID:   "voice-a",
		Recipient:    e.RecipientNumber,
		TemplateID:   e.TemplateID,
		Status:       queue.StatusFailed,
		Attempts:     2,
		ErrorMessage: "gave up",
		CreatedAt:    now,
	}
	require.NoError(t, repo.Append(ctx, rec))
	rec.ID = uuid.NewString()
	assert.ErrorIs(t, repo.Append(ctx, rec), history.ErrDuplicate)

	got, err := repo.ListByUser(ctx, e.UserID, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "voice-a", got[0].ProviderID)
}
