package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"calldispatch/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_RunsImmediatelyAndOnTrigger(t *testing.T) {
	var runs atomic.Int32
	r := NewRunner("test", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, logger.Discard())

	r.Start(context.Background())
	defer r.Stop()
	require.True(t, r.IsRunning())

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	r.Trigger()
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRunner_StopWaitsAndAllowsRestart(t *testing.T) {
	var runs atomic.Int32
	r := NewRunner("test", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, logger.Discard())

	r.Start(context.Background())
	r.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
	assert.False(t, r.IsRunning())
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load())

	r.Start(context.Background())
	defer r.Stop()
	require.Eventually(t, func() bool { return runs.Load() > after }, time.Second, 5*time.Millisecond)
}

func TestRunner_TriggerDoesNotBlockWhenStopped(t *testing.T) {
	r := NewRunner("test", time.Hour, func(ctx context.Context) error { return nil }, logger.Discard())
	r.Trigger()
	r.Trigger()
	assert.False(t, r.IsRunning())
}
