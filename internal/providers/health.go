package providers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"calldispatch/pkg/logger"
)

// Prober runs one health probe against a provider.
type Prober interface {
	Probe(ctx context.Context, p Provider) error
}

const (
	degradedAfter    = 1
	unavailableAfter = 3
)

// HealthChecker probes every provider and writes the resulting health into
// the registry. One failure marks a provider degraded, three consecutive
// failures mark it unavailable, one success restores it.
//
// An operator override through SetHealth lasts until the next probe.
type HealthChecker struct {
	registry Registry
	prober   Prober
	log      *slog.Logger
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	failures map[string]int
}

func NewHealthChecker(reg Registry, prober Prober, interval, timeout time.Duration, log *slog.Logger) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		registry: reg,
		prober:   prober,
		log:      logger.Component(log, "provider_health"),
		interval: interval,
		timeout:  timeout,
		failures: map[string]int{},
	}
}

func healthAfter(failures int) Health {
	switch {
	case failures >= unavailableAfter:
		return HealthUnavailable
	case failures >= degradedAfter:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// CheckOnce probes all providers sequentially and returns the health written
// for each.
func (h *HealthChecker) CheckOnce(ctx context.Context) (map[string]Health, error) {
	ps, err := h.registry.Providers(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Health, len(ps))
	for _, p := range ps {
		probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
		perr := h.prober.Probe(probeCtx, p)
		cancel()

		h.mu.Lock()
		if perr != nil {
			h.failures[p.ID]++
		} else {
			h.failures[p.ID] = 0
		}
		status := healthAfter(h.failures[p.ID])
		h.mu.Unlock()

		if perr != nil {
			h.log.Warn("provider probe failed", "provider_id", p.ID, "health", status, "err", perr)
		}
		if err := h.registry.SetHealth(ctx, p.ID, status); err != nil {
			h.log.Error("write provider health failed", "provider_id", p.ID, "err", err)
			continue
		}
		out[p.ID] = status
	}
	return out, nil
}

// Run probes on every interval until ctx is done.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if _, err := h.CheckOnce(ctx); err != nil && ctx.Err() == nil {
			h.log.Error("provider health pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
