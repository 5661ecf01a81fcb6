package proxy

import (
	"context"
	"log/slog"
)

// LabelAdapter is used when the reverse proxy discovers routes itself from
// Docker container labels (e.g. Traefik- or Caddy-docker-style discovery).
// runtime.Adapter stamps every container it creates with the instancectl.*
// labels only (instance id, generation, managed-by, tenant id, subdomain);
// it attaches no proxy-specific routing labels such as Traefik router rules.
// This adapter's only job is to log the intended route so operators can
// correlate a provisioning event with the proxy picking it up.
type LabelAdapter struct {
	logger *slog.Logger
}

// NewLabelAdapter creates a label-mode adapter.
func NewLabelAdapter(logger *slog.Logger) *LabelAdapter {
	return &LabelAdapter{logger: logger}
}

// Publish is a no-op: the proxy already sees the container's labels directly
// via the Docker API or socket it watches.
func (a *LabelAdapter) Publish(_ context.Context, route Route) error {
	a.logger.Debug("proxy route published via container labels",
		"instance_id", route.InstanceID,
		"subdomain", route.Subdomain,
	)
	return nil
}

// Retract is a no-op: removing the container (runtime.Adapter.Remove) already
// removes its labels, and the proxy stops routing to it on its next refresh.
func (a *LabelAdapter) Retract(_ context.Context, instanceID string) error {
	a.logger.Debug("proxy route retracted via container removal", "instance_id", instanceID)
	return nil
}
