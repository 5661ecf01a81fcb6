package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/instancectl/internal/telemetry"
	"github.com/wisbric/instancectl/pkg/instance"
	"github.com/wisbric/instancectl/pkg/proxy"
	"github.com/wisbric/instancectl/pkg/runtime"
	"github.com/wisbric/instancectl/pkg/secretmint"
)

// WakeChannel is the Redis pub/sub channel admin writes publish to, so a
// desired-state change reconciles within the tick-interval floor instead of
// waiting a full interval for the next scheduled pass.
const WakeChannel = "instancectl:reconcile:wake"

// maxConcurrentPasses bounds how many instances this process reconciles at
// once; one ticks-worth of work rarely exceeds the tenant count, but this
// keeps a pathological backlog from opening unbounded Docker connections.
const maxConcurrentPasses = 8

const dataMountPath = "/data"

// Engine is the background worker that drives every instance's observed
// state toward its desired state.
type Engine struct {
	store        *instance.Store
	runtime      *runtime.Adapter
	proxy        proxy.Adapter
	mint         *secretmint.Mint
	rdb          *redis.Client
	logger       *slog.Logger
	interval     time.Duration
	network      string
	rootDomain   string
	dataRoot     string
	locks        *keyMutex
	adoptOrphans bool
}

// New creates a reconciler engine. adoptOrphans controls what the startup
// reconciliation pass does with a managed container that has no matching
// Instance row: synthesize one (deriving its data-volume path from dataRoot
// and the container's subdomain label) when true, only log a warning when
// false.
func New(store *instance.Store, rt *runtime.Adapter, px proxy.Adapter, mint *secretmint.Mint, rdb *redis.Client, logger *slog.Logger, interval time.Duration, network, rootDomain, dataRoot string, adoptOrphans bool) *Engine {
	return &Engine{
		store:        store,
		runtime:      rt,
		proxy:        px,
		mint:         mint,
		rdb:          rdb,
		logger:       logger,
		interval:     interval,
		network:      network,
		rootDomain:   rootDomain,
		dataRoot:     dataRoot,
		locks:        newKeyMutex(),
		adoptOrphans: adoptOrphans,
	}
}

// Run executes reconcile passes on a ticker, waking early on WakeChannel
// publications. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("reconciler started", "interval", e.interval, "adopt_orphans", e.adoptOrphans)

	pubsub := e.rdb.Subscribe(ctx, WakeChannel)
	defer pubsub.Close()
	wakeCh := pubsub.Channel()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.reconcileStartup(ctx)
	e.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("reconciler stopped")
			return nil
		case <-wakeCh:
			e.tick(ctx)
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// Wake publishes to WakeChannel, prompting a reconcile pass sooner than the
// next ticker fire. Callers that change desired_state call this after
// committing the change.
func Wake(ctx context.Context, rdb *redis.Client) {
	rdb.Publish(ctx, WakeChannel, "1")
}

func (e *Engine) tick(ctx context.Context) {
	unsettled, err := e.store.ListUnsettled(ctx)
	if err != nil {
		e.logger.Error("reconciler: listing unsettled instances", "error", err)
		telemetry.ReconcilePassesTotal.WithLabelValues("list_error").Inc()
		return
	}

	sem := make(chan struct{}, maxConcurrentPasses)
	done := make(chan struct{})
	remaining := len(unsettled)
	if remaining == 0 {
		return
	}

	for _, inst := range unsettled {
		inst := inst
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			e.processInstance(ctx, inst.ID.String())
		}()
	}
	for i := 0; i < remaining; i++ {
		<-done
	}
}

func (e *Engine) processInstance(ctx context.Context, instanceID string) {
	unlock := e.locks.lock(instanceID)
	defer unlock()

	id, err := uuid.Parse(instanceID)
	if err != nil {
		e.logger.Error("reconciler: invalid instance id", "instance_id", instanceID, "error", err)
		return
	}

	inst, err := e.store.LoadInstance(ctx, id)
	if err != nil {
		if !errors.Is(err, instance.ErrNotFound) {
			e.logger.Error("reconciler: loading instance", "instance_id", instanceID, "error", err)
		}
		return
	}

	action := NextAction(inst, e.observe(ctx, inst))
	if action.Kind == ActionNone {
		return
	}

	start := time.Now()
	fromState := inst.ObservedState

	var actErr error
	switch action.Kind {
	case ActionProvision, ActionRetryFailed:
		actErr = e.provision(ctx, inst, action.Reason)
	case ActionAwaitRunning:
		actErr = e.awaitRunning(ctx, inst, action.Reason)
	case ActionPublishRoute:
		actErr = e.publishRoute(ctx, inst, action.Reason)
	case ActionRestartUnhealthy, ActionReprovision:
		actErr = e.restart(ctx, inst, action.Reason)
	case ActionStopContainer:
		actErr = e.stopContainer(ctx, inst, action.Reason)
	case ActionRemoveContainer:
		actErr = e.removeContainer(ctx, inst, action.Reason)
	}

	outcome := "ok"
	toState := inst.ObservedState
	if actErr != nil {
		outcome = "error"
		e.logger.Error("reconciler: action failed",
			"instance_id", inst.ID, "action", action.Kind, "reason", action.Reason, "error", actErr)
		telemetry.RuntimeErrorsTotal.WithLabelValues(runtime.Kind(actErr).String(), action.Kind.String()).Inc()
	} else if reloaded, err := e.store.LoadInstance(ctx, inst.ID); err == nil {
		toState = reloaded.ObservedState
	}

	telemetry.ReconcilePassesTotal.WithLabelValues(outcome).Inc()
	telemetry.ReconcileDuration.WithLabelValues(fromState, toState).Observe(time.Since(start).Seconds())
}

// observe inspects the instance's running container, when it has one, so
// NextAction can compare the container's baked-in generation against the
// Store's. Only instances that could plausibly need a reprovision
// (healthy/unhealthy with a handle) pay for the extra Docker round trip.
func (e *Engine) observe(ctx context.Context, inst *instance.Instance) Observation {
	if inst.RuntimeHandle == nil || *inst.RuntimeHandle == "" {
		return Observation{}
	}
	if inst.ObservedState != instance.ObservedHealthy && inst.ObservedState != instance.ObservedUnhealthy {
		return Observation{}
	}

	status, err := e.runtime.Inspect(ctx, *inst.RuntimeHandle)
	if err != nil {
		e.logger.Warn("reconciler: inspecting container for generation check",
			"instance_id", inst.ID, "error", err)
		return Observation{}
	}
	return Observation{ContainerFound: true, ContainerGeneration: status.Generation}
}

// reconcileStartup reconciles the Store's view of the world against the
// runtime's, once, before the first scheduled tick. It adopts containers
// whose instance lost track of them (process crashed between create and
// RecordObserved), marks instances failed whose container vanished outside
// the reconciler's control, and — when adoptOrphans is set — synthesizes an
// Instance row for a container with no matching row at all, using the
// tenant id, subdomain, generation, and image baked into its own labels and
// image reference. Without adoptOrphans, such containers are only logged;
// they are never touched, since leaving them running is always safe and
// guessing wrong about whether to remove one is not.
func (e *Engine) reconcileStartup(ctx context.Context) {
	managed, err := e.runtime.ListManaged(ctx)
	if err != nil {
		e.logger.Error("reconciler: listing managed containers at startup", "error", err)
		return
	}
	byInstanceID := make(map[string]runtime.ManagedContainer, len(managed))
	for _, mc := range managed {
		byInstanceID[mc.InstanceID] = mc
	}

	unsettled, err := e.store.ListUnsettled(ctx)
	if err != nil {
		e.logger.Error("reconciler: listing unsettled instances at startup", "error", err)
		return
	}

	seen := make(map[string]bool, len(unsettled))
	for _, inst := range unsettled {
		seen[inst.ID.String()] = true
		mc, found := byInstanceID[inst.ID.String()]

		switch {
		case found && (inst.RuntimeHandle == nil || *inst.RuntimeHandle != mc.ContainerID):
			if !e.adoptOrphans {
				e.logger.Warn("reconciler: found container the instance row doesn't know about, leaving it alone",
					"instance_id", inst.ID, "container_id", mc.ContainerID)
				continue
			}
			e.logger.Info("reconciler: adopting container found at startup",
				"instance_id", inst.ID, "container_id", mc.ContainerID)
			if err := e.store.RecordObserved(ctx, inst.ID, inst.Generation, instance.ObservedUpdate{
				ObservedState: instance.ObservedCreating,
				RuntimeHandle: &mc.ContainerID,
				Reason:        "adopted running container found at startup",
			}); err != nil {
				e.logger.Error("reconciler: adopting container", "instance_id", inst.ID, "error", err)
			}
		case !found && inst.RuntimeHandle != nil && *inst.RuntimeHandle != "":
			e.logger.Warn("reconciler: instance's container is gone, marking failed",
				"instance_id", inst.ID, "runtime_handle", *inst.RuntimeHandle)
			if err := e.store.RecordObserved(ctx, inst.ID, inst.Generation, instance.ObservedUpdate{
				ObservedState: instance.ObservedFailed,
				LastError:     ptr("container no longer exists on the runtime"),
				Reason:        "container vanished outside the reconciler",
			}); err != nil {
				e.logger.Error("reconciler: marking vanished container failed", "instance_id", inst.ID, "error", err)
			}
		}
	}

	for instanceID, mc := range byInstanceID {
		if seen[instanceID] {
			continue
		}
		e.adoptTrueOrphan(ctx, instanceID, mc)
	}
}

// adoptTrueOrphan handles a managed container whose instance id matches no
// Instance row at all. It always logs; it only synthesizes a row when
// adoptOrphans is set and the container's labels carry enough to do so
// safely (a parseable instance/tenant id and a non-empty subdomain).
func (e *Engine) adoptTrueOrphan(ctx context.Context, instanceID string, mc runtime.ManagedContainer) {
	e.logger.Warn("reconciler: orphan container with no matching instance row",
		"instance_id", instanceID, "container_id", mc.ContainerID, "generation", mc.Generation,
		"adopt_orphans", e.adoptOrphans)
	if !e.adoptOrphans {
		return
	}

	id, err := uuid.Parse(instanceID)
	if err != nil {
		e.logger.Warn("reconciler: cannot adopt orphan, instance id label isn't a UUID",
			"container_id", mc.ContainerID, "instance_id_label", instanceID)
		return
	}
	tenantID, err := uuid.Parse(mc.TenantID)
	if err != nil || mc.Subdomain == "" || mc.Image == "" {
		e.logger.Warn("reconciler: cannot adopt orphan, missing tenant/subdomain/image labels",
			"container_id", mc.ContainerID, "tenant_id_label", mc.TenantID, "subdomain_label", mc.Subdomain)
		return
	}

	dataVolumePath := instance.DataVolumePath(e.dataRoot, mc.Subdomain)
	inst, err := e.store.AdoptOrphan(ctx, id, tenantID, mc.Subdomain, mc.Image, dataVolumePath, mc.ContainerID, mc.Generation)
	if err != nil {
		e.logger.Error("reconciler: adopting orphan container into a synthesized instance",
			"container_id", mc.ContainerID, "error", err)
		return
	}
	e.logger.Info("reconciler: synthesized instance row for orphan container",
		"instance_id", inst.ID, "container_id", mc.ContainerID, "subdomain", mc.Subdomain)
}

func (e *Engine) provision(ctx context.Context, inst *instance.Instance, reason string) error {
	var plain secretmint.Secrets
	if len(inst.SecretsEnvelope) > 0 {
		opened, err := e.mint.Open(inst.SecretsEnvelope)
		if err != nil {
			return fmt.Errorf("opening secrets envelope: %w", err)
		}
		plain = opened
	} else {
		minted, sealed, err := e.mint.GenerateSealed()
		if err != nil {
			return fmt.Errorf("minting secrets: %w", err)
		}
		if err := e.store.SetSecretsEnvelope(ctx, inst.ID, sealed); err != nil {
			return fmt.Errorf("persisting secrets envelope: %w", err)
		}
		plain = minted
	}

	spec := runtime.ContainerSpec{
		InstanceID:     inst.ID.String(),
		TenantID:       inst.TenantID.String(),
		Subdomain:      inst.Subdomain,
		Generation:     inst.Generation,
		Image:          inst.TargetImageRef,
		Env:            map[string]string{"ADMIN_PASSWORD": plain.AdminPassword},
		Network:        e.network,
		DataVolumePath: inst.DataVolumePath,
		DataMountPath:  dataMountPath,
	}

	containerID, err := retryTransient(ctx, func() (string, error) {
		return e.runtime.EnsureContainer(ctx, spec)
	})
	if err != nil {
		_ = e.store.RecordObserved(ctx, inst.ID, inst.Generation, instance.ObservedUpdate{
			ObservedState: instance.ObservedFailed,
			LastError:     errPtr(err),
			Reason:        "container creation failed",
		})
		return err
	}

	return e.store.RecordObserved(ctx, inst.ID, inst.Generation, instance.ObservedUpdate{
		ObservedState: instance.ObservedCreating,
		RuntimeHandle: &containerID,
		Reason:        reason,
	})
}

func (e *Engine) awaitRunning(ctx context.Context, inst *instance.Instance, reason string) error {
	if inst.RuntimeHandle == nil {
		return fmt.Errorf("instance has no runtime handle while creating")
	}

	status, err := retryTransient(ctx, func() (runtime.Status, error) {
		return e.runtime.Inspect(ctx, *inst.RuntimeHandle)
	})
	if err != nil {
		return e.store.RecordObserved(ctx, inst.ID, inst.Generation, instance.ObservedUpdate{
			ObservedState: instance.ObservedFailed,
			LastError:     errPtr(err),
			Reason:        "inspect failed while awaiting start",
		})
	}

	if !status.Running {
		if status.ExitCode != 0 {
			return e.store.RecordObserved(ctx, inst.ID, inst.Generation, instance.ObservedUpdate{
				ObservedState: instance.ObservedFailed,
				LastError:     ptr(fmt.Sprintf("container exited with code %d: %s", status.ExitCode, status.Error)),
				Reason:        "container exited before becoming healthy",
			})
		}
		return nil // still starting up; wait for the next tick
	}

	return e.store.RecordObserved(ctx, inst.ID, inst.Generation, instance.ObservedUpdate{
		ObservedState:  instance.ObservedStarting,
		NetworkAddress: &status.IPAddress,
		Reason:         reason,
	})
}

func (e *Engine) publishRoute(ctx context.Context, inst *instance.Instance, reason string) error {
	if inst.NetworkAddress == nil {
		return fmt.Errorf("instance has no network address while publishing route")
	}

	if err := e.proxy.Publish(ctx, proxy.Route{
		InstanceID: inst.ID.String(),
		Subdomain:  inst.Subdomain,
		RootDomain: e.rootDomain,
		TargetAddr: *inst.NetworkAddress,
	}); err != nil {
		return fmt.Errorf("publishing proxy route: %w", err)
	}

	// Health prober owns the starting → healthy/unhealthy transition from
	// here; the reconciler's job for this pass ends once the route exists.
	_ = reason
	return nil
}

func (e *Engine) restart(ctx context.Context, inst *instance.Instance, reason string) error {
	if inst.RuntimeHandle != nil {
		if err := retryTransientErr(ctx, func() error { return e.runtime.Stop(ctx, *inst.RuntimeHandle) }); err != nil {
			return fmt.Errorf("stopping unhealthy container: %w", err)
		}
		if err := retryTransientErr(ctx, func() error { return e.runtime.Remove(ctx, *inst.RuntimeHandle) }); err != nil {
			return fmt.Errorf("removing unhealthy container: %w", err)
		}
	}

	return e.store.RecordObserved(ctx, inst.ID, inst.Generation, instance.ObservedUpdate{
		ObservedState: instance.ObservedAbsent,
		Reason:        reason,
	})
}

func (e *Engine) stopContainer(ctx context.Context, inst *instance.Instance, reason string) error {
	if inst.RuntimeHandle != nil {
		if err := retryTransientErr(ctx, func() error { return e.runtime.Stop(ctx, *inst.RuntimeHandle) }); err != nil {
			return fmt.Errorf("stopping container: %w", err)
		}
	}
	if err := e.proxy.Retract(ctx, inst.ID.String()); err != nil {
		e.logger.Warn("reconciler: retracting proxy route", "instance_id", inst.ID, "error", err)
	}

	return e.store.RecordObserved(ctx, inst.ID, inst.Generation, instance.ObservedUpdate{
		ObservedState: instance.ObservedStopping,
		Reason:        reason,
	})
}

func (e *Engine) removeContainer(ctx context.Context, inst *instance.Instance, reason string) error {
	if inst.RuntimeHandle != nil {
		if err := retryTransientErr(ctx, func() error { return e.runtime.Remove(ctx, *inst.RuntimeHandle) }); err != nil {
			return fmt.Errorf("removing container: %w", err)
		}
	}

	return e.store.RecordObserved(ctx, inst.ID, inst.Generation, instance.ObservedUpdate{
		ObservedState:  instance.ObservedAbsent,
		RuntimeHandle:  ptr(""),
		NetworkAddress: ptr(""),
		Reason:         reason,
	})
}

func errPtr(err error) *string {
	s := err.Error()
	return &s
}

func ptr(s string) *string { return &s }
