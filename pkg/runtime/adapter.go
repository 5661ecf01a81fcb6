// Package runtime adapts the Docker Engine API to the narrow set of
// container lifecycle operations the reconciler needs: create-or-adopt one
// container per instance, observe its health, stop it, and remove it. It
// never makes scheduling decisions — that is the reconciler's job.
package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/filters"
	"github.com/moby/moby/api/types/image"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// LabelInstanceID and LabelGeneration are set on every container this
// control plane creates, so a restarted process can find and adopt
// containers it created in a previous run instead of creating duplicates.
// LabelTenantID and LabelSubdomain carry just enough of the owning Instance
// row to let startup reconciliation rebuild one if it's ever missing.
const (
	LabelInstanceID = "instancectl.instance_id"
	LabelGeneration = "instancectl.generation"
	LabelManagedBy  = "instancectl.managed_by"
	LabelTenantID   = "instancectl.tenant_id"
	LabelSubdomain  = "instancectl.subdomain"
	ManagedByValue  = "instancectl"
)

// ContainerSpec describes the container a single instance needs.
type ContainerSpec struct {
	InstanceID     string
	TenantID       string
	Subdomain      string
	Generation     int64
	Image          string
	Env            map[string]string
	Network        string
	DataVolumePath string
	DataMountPath  string
	MemoryLimitMB  int64
}

// Status is what Inspect reports back about a previously created container.
type Status struct {
	ContainerID string
	Running     bool
	IPAddress   string
	ExitCode    int
	Error       string
	// Generation is the LabelGeneration value the container was created
	// with, so a caller can tell a container apart from a more recent
	// reprovision that only bumped the Store's generation column.
	Generation int64
}

// ManagedContainer is one container discovered by ListManaged: any container
// carrying this control plane's managed-by label, whether or not an
// Instance row currently agrees it should exist.
type ManagedContainer struct {
	ContainerID string
	InstanceID  string
	TenantID    string
	Subdomain   string
	Image       string
	Generation  int64
}

// Adapter is a thin, narrowly-scoped wrapper over the Docker Engine API.
type Adapter struct {
	cli *client.Client
}

// NewAdapter connects to the Docker daemon at host (e.g.
// "unix:///var/run/docker.sock").
func NewAdapter(host string) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Adapter{cli: cli}, nil
}

func containerName(instanceID string) string {
	return "instancectl-" + instanceID
}

// FindByInstanceID returns the container id previously created for
// instanceID, if one exists — used on startup to adopt containers orphaned
// by a prior process restart rather than creating duplicates.
func (a *Adapter) FindByInstanceID(ctx context.Context, instanceID string) (string, bool, error) {
	f := filters.NewArgs()
	f.Add("label", fmt.Sprintf("%s=%s", LabelInstanceID, instanceID))

	containers, err := a.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return "", false, fmt.Errorf("listing containers: %w", err)
	}
	if len(containers) == 0 {
		return "", false, nil
	}
	return containers[0].ID, true, nil
}

// ListManaged returns every container this control plane has ever created,
// across all instances. Called once at startup to reconcile the runtime's
// actual state against the Store's before the first scheduled tick runs.
func (a *Adapter) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	f := filters.NewArgs()
	f.Add("label", fmt.Sprintf("%s=%s", LabelManagedBy, ManagedByValue))

	containers, err := a.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("listing managed containers: %w", err)
	}

	out := make([]ManagedContainer, 0, len(containers))
	for _, c := range containers {
		gen, _ := strconv.ParseInt(c.Labels[LabelGeneration], 10, 64)
		out = append(out, ManagedContainer{
			ContainerID: c.ID,
			InstanceID:  c.Labels[LabelInstanceID],
			TenantID:    c.Labels[LabelTenantID],
			Subdomain:   c.Labels[LabelSubdomain],
			Image:       c.Image,
			Generation:  gen,
		})
	}
	return out, nil
}

// EnsureContainer creates and starts a container for spec if none already
// carries this instance id, adopting a pre-existing one otherwise (whatever
// generation it was created with). It is the one runtime call the reconciler
// makes to move an instance toward "creating"/"starting".
func (a *Adapter) EnsureContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error) {
	if id, found, err := a.FindByInstanceID(ctx, spec.InstanceID); err != nil {
		return "", err
	} else if found {
		return id, nil
	}

	if err := a.PullImage(ctx, spec.Image); err != nil {
		return "", fmt.Errorf("pulling image %s: %w", spec.Image, err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		LabelInstanceID: spec.InstanceID,
		LabelGeneration: fmt.Sprintf("%d", spec.Generation),
		LabelManagedBy:  ManagedByValue,
		LabelTenantID:   spec.TenantID,
		LabelSubdomain:  spec.Subdomain,
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if spec.DataVolumePath != "" && spec.DataMountPath != "" {
		hostCfg.Binds = []string{fmt.Sprintf("%s:%s", spec.DataVolumePath, spec.DataMountPath)}
	}
	if spec.MemoryLimitMB > 0 {
		hostCfg.Resources = container.Resources{Memory: spec.MemoryLimitMB * 1024 * 1024}
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, containerName(spec.InstanceID))
	if err != nil {
		return "", classify("create", err)
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, classify("start", err)
	}

	return resp.ID, nil
}

// Inspect reports the current runtime status of a container.
func (a *Adapter) Inspect(ctx context.Context, containerID string) (Status, error) {
	info, err := a.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return Status{}, classify("inspect", err)
	}

	status := Status{
		ContainerID: containerID,
		Running:     info.State != nil && info.State.Running,
	}
	if info.State != nil {
		status.ExitCode = info.State.ExitCode
		status.Error = info.State.Error
	}
	if info.Config != nil {
		if gen, err := strconv.ParseInt(info.Config.Labels[LabelGeneration], 10, 64); err == nil {
			status.Generation = gen
		}
	}
	if info.NetworkSettings != nil {
		for _, ep := range info.NetworkSettings.Networks {
			if ep.IPAddress != "" {
				status.IPAddress = ep.IPAddress
				break
			}
		}
	}
	return status, nil
}

// Stop stops a running container, tolerating "already stopped".
func (a *Adapter) Stop(ctx context.Context, containerID string) error {
	if err := a.cli.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return classify("stop", err)
	}
	return nil
}

// Remove removes a stopped container, tolerating "already gone".
func (a *Adapter) Remove(ctx context.Context, containerID string) error {
	if err := a.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: false}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return classify("remove", err)
	}
	return nil
}

// PullImage pulls an image reference, draining and discarding the progress
// stream — the control plane has no UI to show pull progress to.
func (a *Adapter) PullImage(ctx context.Context, ref string) error {
	if !strings.Contains(ref, "/") && !strings.Contains(ref, ":") {
		return fmt.Errorf("refusing to pull ambiguous image reference %q", ref)
	}

	rc, err := a.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify("pull", err)
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return classify("pull", err)
	}
	return nil
}

// Close releases the underlying Docker client connection.
func (a *Adapter) Close() error {
	return a.cli.Close()
}
