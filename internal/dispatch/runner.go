package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"calldispatch/pkg/logger"
)

// Runner calls a task on a fixed interval and whenever Trigger is called.
// Triggers arriving while a run is in progress coalesce into one extra run.
type Runner struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context) error
	log      *slog.Logger

	mu      sync.RWMutex
	running bool
	trigger chan struct{}
	stopCh  chan struct{}
	cancel  context.CancelFunc
}

func NewRunner(name string, interval time.Duration, task func(ctx context.Context) error, log *slog.Logger) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		task:     task,
		log:      logger.Component(log, name),
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the loop under ctx. Starting a running Runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.stopCh = make(chan struct{})
	r.running = true
	go r.run(ctx, r.stopCh)
}

// Stop cancels the loop and waits for an in-flight run to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}

	r.running = false
	r.cancel()
	<-r.stopCh
}

func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Trigger requests a run as soon as possible without blocking.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Runner) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.execute(ctx)

	for {
		select {
		case <-ticker.C:
			r.execute(ctx)
		case <-r.trigger:
			r.execute(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) execute(ctx context.Context) {
	if err := r.task(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Error("task failed", "err", err)
	}
}
