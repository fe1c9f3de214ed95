package providers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"calldispatch/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProber struct {
	mu      sync.Mutex
	failing map[string]bool
}

func (s *scriptedProber) Probe(ctx context.Context, p Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing[p.ID] {
		return errors.New("probe failed")
	}
	return nil
}

func (s *scriptedProber) set(id string, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[id] = failing
}

func TestHealthChecker_DegradesThenRecovers(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(Provider{ID: "p", ConcurrencyLimit: 1}, Provider{ID: "q", ConcurrencyLimit: 1})
	prober := &scriptedProber{failing: map[string]bool{"p": true}}
	hc := NewHealthChecker(reg, prober, time.Minute, time.Second, logger.Discard())

	want := []Health{HealthDegraded, HealthDegraded, HealthUnavailable, HealthUnavailable}
	for i, w := range want {
		got, err := hc.CheckOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, w, got["p"], "pass %d", i+1)
		assert.Equal(t, HealthHealthy, got["q"])
	}

	_, ok, _ := reg.SelectCandidate(ctx, Requirements{Exclude: []string{"q"}})
	assert.False(t, ok, "unavailable provider is never selected")

	prober.set("p", false)
	got, err := hc.CheckOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, got["p"])
}

func TestHealthChecker_RunStopsWithContext(t *testing.T) {
	reg := NewMemoryRegistry(Provider{ID: "p", ConcurrencyLimit: 1})
	hc := NewHealthChecker(reg, &scriptedProber{failing: map[string]bool{}}, 5*time.Millisecond, time.Second, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hc.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
