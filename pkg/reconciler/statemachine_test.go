package reconciler

import (
	"testing"

	"github.com/wisbric/instancectl/pkg/instance"
)

func TestNextAction_Running(t *testing.T) {
	handle := "container-1"

	tests := []struct {
		name                string
		observed            string
		consecutiveFailures int
		runtimeHandle       *string
		obs                 Observation
		want                ActionKind
	}{
		{"absent needs provisioning", instance.ObservedAbsent, 0, nil, Observation{}, ActionProvision},
		{"creating awaits start", instance.ObservedCreating, 0, &handle, Observation{}, ActionAwaitRunning},
		{"starting publishes route", instance.ObservedStarting, 0, &handle, Observation{}, ActionPublishRoute},
		{"healthy at current generation is settled", instance.ObservedHealthy, 0, &handle,
			Observation{ContainerFound: true, ContainerGeneration: 1}, ActionNone},
		{"unhealthy below threshold waits", instance.ObservedUnhealthy, 4, &handle,
			Observation{ContainerFound: true, ContainerGeneration: 1}, ActionNone},
		{"unhealthy at threshold restarts", instance.ObservedUnhealthy, 5, &handle,
			Observation{ContainerFound: true, ContainerGeneration: 1}, ActionRestartUnhealthy},
		{"unhealthy above threshold restarts", instance.ObservedUnhealthy, 9, &handle,
			Observation{ContainerFound: true, ContainerGeneration: 1}, ActionRestartUnhealthy},
		{"failed with a container tears it down first", instance.ObservedFailed, 0, &handle, Observation{}, ActionRestartUnhealthy},
		{"failed with no container retries directly", instance.ObservedFailed, 0, nil, Observation{}, ActionRetryFailed},
		{"stopping while running removes before re-provisioning", instance.ObservedStopping, 0, &handle, Observation{}, ActionRemoveContainer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := &instance.Instance{
				DesiredState:        instance.DesiredRunning,
				ObservedState:       tt.observed,
				ConsecutiveFailures: tt.consecutiveFailures,
				RuntimeHandle:       tt.runtimeHandle,
				Generation:          1,
			}
			got := NextAction(inst, tt.obs)
			if got.Kind != tt.want {
				t.Errorf("NextAction().Kind = %v, want %v", got.Kind, tt.want)
			}
		})
	}
}

func TestNextAction_Running_StaleGenerationReprovisions(t *testing.T) {
	handle := "container-1"

	for _, observed := range []string{instance.ObservedHealthy, instance.ObservedUnhealthy} {
		t.Run(observed, func(t *testing.T) {
			inst := &instance.Instance{
				DesiredState:  instance.DesiredRunning,
				ObservedState: observed,
				RuntimeHandle: &handle,
				Generation:    2,
			}
			obs := Observation{ContainerFound: true, ContainerGeneration: 1}
			got := NextAction(inst, obs)
			if got.Kind != ActionReprovision {
				t.Errorf("NextAction().Kind = %v, want ActionReprovision", got.Kind)
			}
		})
	}
}

func TestNextAction_Absent(t *testing.T) {
	tests := []struct {
		name     string
		observed string
		want     ActionKind
	}{
		{"already absent is settled", instance.ObservedAbsent, ActionNone},
		{"healthy gets stopped", instance.ObservedHealthy, ActionStopContainer},
		{"starting gets stopped", instance.ObservedStarting, ActionStopContainer},
		{"creating gets stopped", instance.ObservedCreating, ActionStopContainer},
		{"unhealthy gets stopped", instance.ObservedUnhealthy, ActionStopContainer},
		{"stopping proceeds to removal", instance.ObservedStopping, ActionRemoveContainer},
		{"failed gets removed", instance.ObservedFailed, ActionRemoveContainer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := &instance.Instance{
				DesiredState:  instance.DesiredAbsent,
				ObservedState: tt.observed,
			}
			got := NextAction(inst, Observation{})
			if got.Kind != tt.want {
				t.Errorf("NextAction().Kind = %v, want %v", got.Kind, tt.want)
			}
		})
	}
}

func TestNextAction_UnknownDesiredState(t *testing.T) {
	inst := &instance.Instance{DesiredState: "bogus", ObservedState: instance.ObservedHealthy}
	got := NextAction(inst, Observation{})
	if got.Kind != ActionNone {
		t.Errorf("NextAction().Kind = %v, want ActionNone", got.Kind)
	}
}

func TestActionKind_String(t *testing.T) {
	if ActionProvision.String() != "provision" {
		t.Errorf("ActionProvision.String() = %q, want %q", ActionProvision.String(), "provision")
	}
	if ActionReprovision.String() != "reprovision" {
		t.Errorf("ActionReprovision.String() = %q, want %q", ActionReprovision.String(), "reprovision")
	}
	if ActionKind(99).String() != "unknown" {
		t.Errorf("unknown ActionKind.String() = %q, want %q", ActionKind(99).String(), "unknown")
	}
}
