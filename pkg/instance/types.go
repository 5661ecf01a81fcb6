// Package instance defines the Tenant, Instance, and BillingEvent entities
// and the Store that owns their durable persistence.
package instance

import (
	"time"

	"github.com/google/uuid"
)

// Tenant auth methods.
const (
	AuthPassword   = "password"
	AuthFederated  = "federated"
)

// Subscription states.
const (
	SubscriptionNone      = "none"
	SubscriptionTrialing  = "trialing"
	SubscriptionActive    = "active"
	SubscriptionPastDue   = "past_due"
	SubscriptionCancelled = "cancelled"
)

// Tenant is the billable identity that owns at most one non-terminal Instance.
type Tenant struct {
	ID                     uuid.UUID
	Email                  string
	AuthMethod             string
	PasswordHash           *string
	FederatedSubject       *string
	ExternalCustomerID     *string
	ExternalSubscriptionID *string
	SubscriptionState      string
	AnonymizedAt           *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Desired states.
const (
	DesiredAbsent  = "absent"
	DesiredRunning = "running"
)

// Observed states — the instance state machine's vocabulary.
const (
	ObservedAbsent    = "absent"
	ObservedCreating  = "creating"
	ObservedStarting  = "starting"
	ObservedHealthy   = "healthy"
	ObservedUnhealthy = "unhealthy"
	ObservedStopping  = "stopping"
	ObservedFailed    = "failed"
)

// Instance is a per-tenant isolated workload: one container, one volume, one
// virtual host.
type Instance struct {
	ID                  uuid.UUID
	TenantID            uuid.UUID
	Subdomain           string
	DesiredState        string
	TargetImageRef      string
	ObservedState       string
	LastTransitionAt    time.Time
	LastError           *string
	RuntimeHandle       *string
	NetworkAddress      *string
	SecretsEnvelope     []byte
	DataVolumePath      string
	Generation          int64
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// URL returns the public address of the instance under rootDomain.
func (i *Instance) URL(rootDomain string) string {
	return "https://" + i.Subdomain + "." + rootDomain
}

// Billing event kinds.
const (
	BillingCheckoutCompleted     = "checkout_completed"
	BillingSubscriptionUpdated   = "subscription_updated"
	BillingSubscriptionCancelled = "subscription_cancelled"
	BillingPaymentFailed         = "payment_failed"
)

// BillingEvent is an append-only, deduplicated record of a billing webhook.
type BillingEvent struct {
	ID              uuid.UUID
	ExternalEventID string
	Kind            string
	TenantID        *uuid.UUID
	NormalizedBody  []byte
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
}

// Transition is one row of the append-only instance_transitions audit table.
type Transition struct {
	ID         uuid.UUID
	InstanceID uuid.UUID
	Generation int64
	FromState  string
	ToState    string
	Reason     string
	CreatedAt  time.Time
}

// DataVolumePath derives the host path under dataRoot for a subdomain. It is
// derived from subdomain, not container id, so tenant data survives
// arbitrarily many reprovisions (spec invariant: volume invariance).
func DataVolumePath(dataRoot, subdomain string) string {
	return dataRoot + "/" + subdomain
}
