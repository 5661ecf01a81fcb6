// Package health implements the Health Prober: it polls each running
// instance's /health endpoint and records the result. It never calls the
// Runtime or Proxy adapters directly — the Reconciler decides what an
// unhealthy observation means for container lifecycle.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/wisbric/instancectl/pkg/instance"
	"github.com/wisbric/instancectl/pkg/reconciler"
	"github.com/redis/go-redis/v9"
)

const probeTimeout = 5 * time.Second

// Prober polls the health endpoint of every instance returned by
// Store.ListPollable (starting, healthy, or unhealthy, with a network
// address; creating, stopping, and failed instances are not polled) on a
// fixed cadence and applies consecutive-failure hysteresis before flipping
// an instance between healthy and unhealthy.
type Prober struct {
	store               *instance.Store
	rdb                 *redis.Client
	client              *http.Client
	logger              *slog.Logger
	interval            time.Duration
	failureLimit        int
	startingGraceWindow time.Duration
}

// New builds a Prober. startingGraceWindow bounds how long an instance may
// sit in "starting" without ever passing a probe before it's given up on and
// marked failed for the Reconciler to tear down and retry — a separate
// concept from failureLimit's consecutive-failure hysteresis, since an
// instance stuck in "starting" may never have had a single probe attempt
// succeed or fail cleanly (e.g. connection refused the whole time).
func New(store *instance.Store, rdb *redis.Client, logger *slog.Logger, interval time.Duration, failureLimit int, startingGraceWindow time.Duration) *Prober {
	return &Prober{
		store:               store,
		rdb:                 rdb,
		client:              &http.Client{Timeout: probeTimeout},
		logger:              logger,
		interval:            interval,
		failureLimit:        failureLimit,
		startingGraceWindow: startingGraceWindow,
	}
}

// Run polls on a ticker until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.logger.Info("health prober loop started", "interval", p.interval, "failure_limit", p.failureLimit)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("health prober loop stopped")
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Prober) pollOnce(ctx context.Context) {
	instances, err := p.store.ListPollable(ctx)
	if err != nil {
		p.logger.Error("health prober: listing pollable instances", "error", err)
		return
	}

	for _, inst := range instances {
		if err := p.probeOne(ctx, inst); err != nil {
			p.logger.Error("health prober: probing instance failed",
				"instance_id", inst.ID, "error", err)
		}
	}
}

func (p *Prober) probeOne(ctx context.Context, inst instance.Instance) error {
	healthy := p.check(ctx, inst)

	failures, err := p.store.RecordProbeResult(ctx, inst.ID, healthy)
	if err != nil {
		return err
	}

	wake := false
	switch {
	case healthy && inst.ObservedState != instance.ObservedHealthy:
		if err := p.store.RecordObserved(ctx, inst.ID, inst.Generation, instance.ObservedUpdate{
			ObservedState: instance.ObservedHealthy,
		}); err != nil {
			return err
		}
		wake = true
	case !healthy && failures >= p.failureLimit && inst.ObservedState == instance.ObservedHealthy:
		if err := p.store.RecordObserved(ctx, inst.ID, inst.Generation, instance.ObservedUpdate{
			ObservedState: instance.ObservedUnhealthy,
		}); err != nil {
			return err
		}
		wake = true
	case !healthy && inst.ObservedState == instance.ObservedStarting && time.Since(inst.LastTransitionAt) > p.startingGraceWindow:
		if err := p.store.RecordObserved(ctx, inst.ID, inst.Generation, instance.ObservedUpdate{
			ObservedState: instance.ObservedFailed,
			LastError:     ptr("never became healthy within the starting grace window"),
			Reason:        "starting grace window exceeded",
		}); err != nil {
			return err
		}
		wake = true
	}

	if wake {
		reconciler.Wake(ctx, p.rdb)
	}
	return nil
}

func ptr(s string) *string { return &s }

// check issues a probe request and classifies the outcome. Any 2xx response
// means healthy, whatever its body ({"status":"healthy"}, {"status":"ok"},
// another status, an empty or malformed body); a non-2xx response or a
// timeout means failure.
func (p *Prober) check(ctx context.Context, inst instance.Instance) bool {
	if inst.NetworkAddress == nil || *inst.NetworkAddress == "" {
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	url := "http://" + *inst.NetworkAddress + "/health"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	return true
}
