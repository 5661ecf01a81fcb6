// Package proxy publishes a running instance's virtual host to the shared
// reverse proxy in front of every tenant's container. Two modes are
// supported: label mode, where the proxy itself discovers routes from
// Docker container labels and this package is a no-op beyond logging, and
// file mode, where this package writes one routing fragment file per
// instance and triggers a reload.
package proxy

import "context"

// Route describes the public virtual host that should route to a running
// instance's container.
type Route struct {
	InstanceID string
	Subdomain  string
	RootDomain string
	TargetAddr string // container IP:port the proxy should forward to
}

// Adapter publishes and retracts routes. Publish must be idempotent:
// calling it twice with the same Route has the same effect as once.
type Adapter interface {
	Publish(ctx context.Context, route Route) error
	Retract(ctx context.Context, instanceID string) error
}
