package queue

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_Table(t *testing.T) {
	allowed := map[Status][]Status{
		StatusQueued:     {StatusAssigned, StatusCancelled, StatusFailed},
		StatusScheduled:  {StatusAssigned, StatusCancelled, StatusFailed},
		StatusAssigned:   {StatusInProgress, StatusQueued, StatusFailed},
		StatusInProgress: {StatusCompleted, StatusFailed, StatusQueued},
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusFailed} {
		assert.True(t, s.Terminal())
		for _, to := range allStatuses {
			assert.False(t, CanTransition(s, to), "%s -> %s", s, to)
		}
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("in_progress")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, s)

	_, err = ParseStatus("ringing")
	assert.Error(t, err)
}

func TestTransition_RequiresProviderWhenAssigned(t *testing.T) {
	err := Transition{To: StatusAssigned, Expected: []Status{StatusQueued}}.validate()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = Transition{To: StatusAssigned, Expected: []Status{StatusQueued}, ProviderID: "p1"}.validate()
	assert.NoError(t, err)
}

// Random walks over the state machine never break the provider invariant.
func TestProviderInvariant_RandomTransitions(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()
	store := NewMemoryStore()
	providers := []string{"p1", "p2", "p3"}

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("e-%d", i)
		initial := StatusQueued
		if rng.Intn(2) == 0 {
			initial = StatusScheduled
		}
		require.NoError(t, store.Insert(ctx, Entry{ID: id, UserID: "u", Status: initial, Priority: 1}))

		for step := 0; step < 12; step++ {
			cur, err := store.Get(ctx, id)
			require.NoError(t, err)
			assertProviderInvariant(t, cur)

			// Propose any target, legal or not, with a random expected status.
			to := allStatuses[rng.Intn(len(allStatuses))]
			expected := allStatuses[rng.Intn(len(allStatuses))]
			if rng.Intn(3) > 0 {
				expected = cur.Status
			}
			tr := Transition{To: to, Expected: []Status{expected}}
			if rng.Intn(4) > 0 {
				tr.ProviderID = providers[rng.Intn(len(providers))]
			}

			next, err := store.MarkStatus(ctx, id, tr)
			if err == nil {
				assert.True(t, CanTransition(cur.Status, to))
				assertProviderInvariant(t, next)
			} else {
				after, gerr := store.Get(ctx, id)
				require.NoError(t, gerr)
				assert.Equal(t, cur.Status, after.Status, "failed transition must not change status")
			}
		}
	}
}

func assertProviderInvariant(t *testing.T, e Entry) {
	t.Helper()
	if e.Status.HoldsProvider() {
		assert.NotEmpty(t, e.ProviderID, "entry %s in %s without provider", e.ID, e.Status)
	} else {
		assert.Empty(t, e.ProviderID, "entry %s in %s holds provider %q", e.ID, e.Status, e.ProviderID)
	}
}

func TestEntryEligible(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, Entry{Status: StatusQueued}.Eligible(now))
	assert.True(t, Entry{Status: StatusQueued, NotBefore: &past}.Eligible(now))
	assert.False(t, Entry{Status: StatusQueued, NotBefore: &future}.Eligible(now))
	assert.True(t, Entry{Status: StatusScheduled, ScheduledTime: &now}.Eligible(now))
	assert.False(t, Entry{Status: StatusScheduled, ScheduledTime: &future}.Eligible(now))
	assert.False(t, Entry{Status: StatusAssigned, ProviderID: "p"}.Eligible(now))
}
