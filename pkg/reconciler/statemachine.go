// Package reconciler drives every instance's observed state toward its
// desired state, one mutation per pass, by comparing the two and invoking
// at most one runtime or proxy operation per instance per tick.
package reconciler

import "github.com/wisbric/instancectl/pkg/instance"

// ActionKind is the single runtime/proxy operation a reconcile pass performs
// for one instance.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionProvision
	ActionAwaitRunning
	ActionPublishRoute
	ActionRestartUnhealthy
	ActionRetryFailed
	ActionReprovision
	ActionStopContainer
	ActionRemoveContainer
)

// Action is the decision NextAction returns: what to do, and the reason
// string to record on the resulting transition row.
type Action struct {
	Kind   ActionKind
	Reason string
}

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionProvision:
		return "provision"
	case ActionAwaitRunning:
		return "await_running"
	case ActionPublishRoute:
		return "publish_route"
	case ActionRestartUnhealthy:
		return "restart_unhealthy"
	case ActionRetryFailed:
		return "retry_failed"
	case ActionReprovision:
		return "reprovision"
	case ActionStopContainer:
		return "stop_container"
	case ActionRemoveContainer:
		return "remove_container"
	default:
		return "unknown"
	}
}

// unhealthyRestartThreshold is how many consecutive failed health probes an
// instance tolerates before the reconciler tears down and recreates its
// container, rather than waiting indefinitely for it to recover on its own.
const unhealthyRestartThreshold = 5

// Observation is what the caller learned about the instance's actual running
// container before asking NextAction what to do. It exists because the
// generation and image-ref columns on Instance describe the target state;
// telling whether the container already matches that target requires
// looking at what the container itself was created with.
type Observation struct {
	// ContainerFound is true when Inspect found the container RuntimeHandle
	// names, whether or not it is currently running.
	ContainerFound bool
	// ContainerGeneration is the generation label the running container was
	// created with. Only meaningful when ContainerFound is true.
	ContainerGeneration int64
}

// NextAction decides the single next operation to perform for inst. It never
// looks at any other instance: every decision is a pure function of one
// instance's own desired/observed state, failure count, and obs.
func NextAction(inst *instance.Instance, obs Observation) Action {
	switch inst.DesiredState {
	case instance.DesiredRunning:
		return nextActionForRunning(inst, obs)
	case instance.DesiredAbsent:
		return nextActionForAbsent(inst)
	default:
		return Action{Kind: ActionNone}
	}
}

func nextActionForRunning(inst *instance.Instance, obs Observation) Action {
	switch inst.ObservedState {
	case instance.ObservedAbsent:
		return Action{Kind: ActionProvision, Reason: "provisioning requested"}
	case instance.ObservedCreating:
		return Action{Kind: ActionAwaitRunning, Reason: "awaiting container start"}
	case instance.ObservedStarting:
		return Action{Kind: ActionPublishRoute, Reason: "container running, publishing route"}
	case instance.ObservedHealthy:
		if stale(inst, obs) {
			return Action{Kind: ActionReprovision, Reason: "target generation advanced past running container"}
		}
		return Action{Kind: ActionNone}
	case instance.ObservedUnhealthy:
		if stale(inst, obs) {
			return Action{Kind: ActionReprovision, Reason: "target generation advanced past running container"}
		}
		if inst.ConsecutiveFailures >= unhealthyRestartThreshold {
			return Action{Kind: ActionRestartUnhealthy, Reason: "exceeded consecutive failure threshold"}
		}
		return Action{Kind: ActionNone}
	case instance.ObservedFailed:
		if inst.RuntimeHandle != nil {
			// A container exists but is stuck or crash-looping; tear it down
			// before retrying instead of letting EnsureContainer silently
			// re-adopt the same broken container.
			return Action{Kind: ActionRestartUnhealthy, Reason: "clearing failed container before retry"}
		}
		return Action{Kind: ActionRetryFailed, Reason: "retrying after failure"}
	case instance.ObservedStopping:
		// Desired flipped back to running after the container was stopped;
		// remove it, then the next pass will re-provision from absent.
		return Action{Kind: ActionRemoveContainer, Reason: "stop complete, removing container before re-provisioning"}
	default:
		return Action{Kind: ActionNone}
	}
}

// stale reports whether the running container was created under a
// generation that has since been superseded by a reprovision (bumping
// generation/target_image_ref without ever touching the container). The
// comparison is strict-less-than: a container can never run ahead of the
// instance's own recorded generation.
func stale(inst *instance.Instance, obs Observation) bool {
	return obs.ContainerFound && obs.ContainerGeneration < inst.Generation
}

func nextActionForAbsent(inst *instance.Instance) Action {
	switch inst.ObservedState {
	case instance.ObservedAbsent:
		return Action{Kind: ActionNone}
	case instance.ObservedStopping:
		return Action{Kind: ActionRemoveContainer, Reason: "stop complete, removing container"}
	case instance.ObservedFailed:
		return Action{Kind: ActionRemoveContainer, Reason: "removing failed container"}
	default:
		return Action{Kind: ActionStopContainer, Reason: "deprovisioning requested"}
	}
}
