package instance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/instancectl/internal/db"
)

// Sentinel errors returned by Store operations. Callers map these to HTTP
// responses via internal/httpserver's typed Kind hierarchy.
var (
	ErrAlreadyExists     = errors.New("already exists")
	ErrNotFound          = errors.New("not found")
	ErrSubdomainTaken    = errors.New("subdomain taken")
	ErrTenantHasInstance = errors.New("tenant has active instance")
	ErrStaleGeneration   = errors.New("stale generation")
)

// pgUniqueViolation is Postgres error code 23505.
const pgUniqueViolation = "23505"

// Store is the sole owner of durable truth: tenants, instances,
// instance_transitions, billing_events. It issues hand-rolled SQL directly
// over a db.DBTX, the same style used elsewhere in this codebase for
// operations that don't fit a thin code-generated query layer.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a Store bound to dbtx (a pool, a pooled connection, or an
// open transaction).
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// --- Tenants ---

// CreateTenant inserts a new tenant row. authMethod is AuthPassword or
// AuthFederated; secret is the bcrypt hash (password) or the federated
// subject identifier.
func (s *Store) CreateTenant(ctx context.Context, email, authMethod, secret string) (*Tenant, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var passwordHash, federatedSubject *string
	switch authMethod {
	case AuthPassword:
		passwordHash = &secret
	case AuthFederated:
		federatedSubject = &secret
	default:
		return nil, fmt.Errorf("unknown auth method %q", authMethod)
	}

	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO tenants (email, auth_method, password_hash, federated_subject)
		VALUES ($1, $2, $3, $4)
		RETURNING id, email, auth_method, password_hash, federated_subject,
		          external_customer_id, external_subscription_id, subscription_state,
		          anonymized_at, created_at, updated_at
	`, email, authMethod, passwordHash, federatedSubject)

	t, err := scanTenant(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("creating tenant: %w", err)
	}
	return t, nil
}

// GetTenant loads a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	row := s.dbtx.QueryRow(ctx, tenantSelectSQL+" WHERE id = $1", id)
	t, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading tenant: %w", err)
	}
	return t, nil
}

// GetTenantByEmail loads a tenant by case-folded email.
func (s *Store) GetTenantByEmail(ctx context.Context, email string) (*Tenant, error) {
	row := s.dbtx.QueryRow(ctx, tenantSelectSQL+" WHERE lower(email) = lower($1)", email)
	t, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading tenant by email: %w", err)
	}
	return t, nil
}

// UpdateSubscriptionState updates a tenant's billing-derived subscription state.
func (s *Store) UpdateSubscriptionState(ctx context.Context, tenantID uuid.UUID, state, customerID, subscriptionID string) error {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE tenants
		SET subscription_state = $2,
		    external_customer_id = COALESCE(NULLIF($3, ''), external_customer_id),
		    external_subscription_id = COALESCE(NULLIF($4, ''), external_subscription_id),
		    updated_at = now()
		WHERE id = $1
	`, tenantID, state, customerID, subscriptionID)
	if err != nil {
		return fmt.Errorf("updating subscription state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AnonymizeTenant clears PII on soft-delete, per the lifecycle requirement
// that tenants are never hard-deleted.
func (s *Store) AnonymizeTenant(ctx context.Context, tenantID uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE tenants
		SET email = 'anonymized+' || id || '@invalid.local',
		    password_hash = NULL,
		    federated_subject = NULL,
		    anonymized_at = now(),
		    updated_at = now()
		WHERE id = $1 AND anonymized_at IS NULL
	`, tenantID)
	if err != nil {
		return fmt.Errorf("anonymizing tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := s.dbtx.Exec(ctx, `
		INSERT INTO tenant_events (tenant_id, action) VALUES ($1, 'tenant_anonymized')
	`, tenantID); err != nil {
		return fmt.Errorf("recording anonymization event: %w", err)
	}
	return nil
}

const tenantSelectSQL = `
	SELECT id, email, auth_method, password_hash, federated_subject,
	       external_customer_id, external_subscription_id, subscription_state,
	       anonymized_at, created_at, updated_at
	FROM tenants`

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	if err := row.Scan(
		&t.ID, &t.Email, &t.AuthMethod, &t.PasswordHash, &t.FederatedSubject,
		&t.ExternalCustomerID, &t.ExternalSubscriptionID, &t.SubscriptionState,
		&t.AnonymizedAt, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Instances ---

const instanceSelectSQL = `
	SELECT id, tenant_id, subdomain, desired_state, target_image_ref, observed_state,
	       last_transition_at, last_error, runtime_handle, network_address,
	       secrets_envelope, data_volume_path, generation, consecutive_failures,
	       created_at, updated_at
	FROM instances`

func scanInstance(row pgx.Row) (*Instance, error) {
	var i Instance
	if err := row.Scan(
		&i.ID, &i.TenantID, &i.Subdomain, &i.DesiredState, &i.TargetImageRef, &i.ObservedState,
		&i.LastTransitionAt, &i.LastError, &i.RuntimeHandle, &i.NetworkAddress,
		&i.SecretsEnvelope, &i.DataVolumePath, &i.Generation, &i.ConsecutiveFailures,
		&i.CreatedAt, &i.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &i, nil
}

// ReserveInstance creates the Instance row the moment provisioning is
// requested. It relies on the partial unique index on (tenant_id) WHERE
// desired_state <> 'absent' and the global unique index on subdomain to
// enforce the Tenant-has-at-most-one-Instance and subdomain-uniqueness
// invariants at the database layer.
func (s *Store) ReserveInstance(ctx context.Context, tenantID uuid.UUID, subdomain, imageRef, dataVolumePath string) (*Instance, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO instances (tenant_id, subdomain, desired_state, target_image_ref, data_volume_path, generation)
		VALUES ($1, $2, 'running', $3, $4, 1)
		RETURNING id, tenant_id, subdomain, desired_state, target_image_ref, observed_state,
		          last_transition_at, last_error, runtime_handle, network_address,
		          secrets_envelope, data_volume_path, generation, consecutive_failures,
		          created_at, updated_at
	`, tenantID, subdomain, imageRef, dataVolumePath)

	inst, err := scanInstance(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "subdomain") {
				return nil, ErrSubdomainTaken
			}
			if strings.Contains(pgErr.ConstraintName, "tenant_active") {
				return nil, ErrTenantHasInstance
			}
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("reserving instance: %w", err)
	}
	return inst, nil
}

// AdoptOrphan inserts an Instance row for a container startup reconciliation
// found running with no matching row — id, generation, and runtime_handle
// come from the container's own labels/inspect result, so the synthesized
// row agrees with what's already running rather than triggering a
// needless recreate on the next pass. Fails with a foreign-key violation if
// tenantID no longer names a real tenant, which is surfaced as a generic
// error rather than a new sentinel since it's an anomaly an operator has to
// look into by hand either way.
func (s *Store) AdoptOrphan(ctx context.Context, id, tenantID uuid.UUID, subdomain, imageRef, dataVolumePath, runtimeHandle string, generation int64) (*Instance, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO instances (id, tenant_id, subdomain, desired_state, target_image_ref,
		                        observed_state, runtime_handle, data_volume_path, generation)
		VALUES ($1, $2, $3, 'running', $4, 'creating', $5, $6, $7)
		RETURNING id, tenant_id, subdomain, desired_state, target_image_ref, observed_state,
		          last_transition_at, last_error, runtime_handle, network_address,
		          secrets_envelope, data_volume_path, generation, consecutive_failures,
		          created_at, updated_at
	`, id, tenantID, subdomain, imageRef, runtimeHandle, dataVolumePath, generation)

	inst, err := scanInstance(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "subdomain") {
				return nil, ErrSubdomainTaken
			}
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("adopting orphan instance: %w", err)
	}

	if _, err := s.dbtx.Exec(ctx, `
		INSERT INTO instance_transitions (instance_id, generation, from_state, to_state, reason)
		VALUES ($1, $2, 'absent', 'creating', 'adopted orphan container found at startup')
	`, inst.ID, generation); err != nil {
		return nil, fmt.Errorf("recording orphan adoption transition: %w", err)
	}
	return inst, nil
}

// SetSecretsEnvelope stores the sealed secrets bundle minted for an
// instance. Called by the reconciler before each container creation, and by
// the admin rotate-password handler.
func (s *Store) SetSecretsEnvelope(ctx context.Context, instanceID uuid.UUID, sealed []byte) error {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE instances SET secrets_envelope = $2, updated_at = now() WHERE id = $1
	`, instanceID, sealed)
	if err != nil {
		return fmt.Errorf("setting secrets envelope: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadInstance loads an instance by id.
func (s *Store) LoadInstance(ctx context.Context, id uuid.UUID) (*Instance, error) {
	row := s.dbtx.QueryRow(ctx, instanceSelectSQL+" WHERE id = $1", id)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading instance: %w", err)
	}
	return inst, nil
}

// LoadInstanceBySubdomain loads an instance by its subdomain.
func (s *Store) LoadInstanceBySubdomain(ctx context.Context, subdomain string) (*Instance, error) {
	row := s.dbtx.QueryRow(ctx, instanceSelectSQL+" WHERE subdomain = $1", subdomain)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading instance by subdomain: %w", err)
	}
	return inst, nil
}

// LoadInstanceByTenant loads the (at most one) non-terminal instance for a tenant.
func (s *Store) LoadInstanceByTenant(ctx context.Context, tenantID uuid.UUID) (*Instance, error) {
	row := s.dbtx.QueryRow(ctx, instanceSelectSQL+` WHERE tenant_id = $1 AND desired_state <> 'absent'`, tenantID)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading instance by tenant: %w", err)
	}
	return inst, nil
}

// ListUnsettled returns every instance the reconciler examines on one pass:
// all but those with desired=absent && observed=absent. Instances with
// desired=running && observed=healthy are included, since only inspecting
// their container shows whether a reprovision has advanced the generation
// past it; NextAction returns no action for them otherwise.
func (s *Store) ListUnsettled(ctx context.Context) ([]Instance, error) {
	rows, err := s.dbtx.Query(ctx, instanceSelectSQL+`
		WHERE NOT (desired_state = 'absent' AND observed_state = 'absent')
		ORDER BY updated_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing unsettled instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// ListInstances returns a page of instances ordered by creation time, plus the
// total row count.
func (s *Store) ListInstances(ctx context.Context, offset, limit int) ([]Instance, int, error) {
	rows, err := s.dbtx.Query(ctx, instanceSelectSQL+`
		ORDER BY created_at DESC
		OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("listing instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning instance: %w", err)
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating instances: %w", err)
	}

	var total int
	if err := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM instances`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting instances: %w", err)
	}

	return out, total, nil
}

// AdminInstanceSummary is one row of the admin instance listing, joining in
// the owning tenant's email.
type AdminInstanceSummary struct {
	ID             uuid.UUID
	TenantEmail    string
	Subdomain      string
	DesiredState   string
	ObservedState  string
	TargetImageRef string
	CreatedAt      time.Time
	LastError      *string
}

// ListInstancesWithTenant returns a page of instances with their tenant's
// email joined in, for the admin listing endpoint.
func (s *Store) ListInstancesWithTenant(ctx context.Context, offset, limit int) ([]AdminInstanceSummary, int, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT i.id, t.email, i.subdomain, i.desired_state, i.observed_state,
		       i.target_image_ref, i.created_at, i.last_error
		FROM instances i
		JOIN tenants t ON t.id = i.tenant_id
		ORDER BY i.created_at DESC
		OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("listing instances with tenant: %w", err)
	}
	defer rows.Close()

	var out []AdminInstanceSummary
	for rows.Next() {
		var r AdminInstanceSummary
		if err := rows.Scan(&r.ID, &r.TenantEmail, &r.Subdomain, &r.DesiredState, &r.ObservedState,
			&r.TargetImageRef, &r.CreatedAt, &r.LastError); err != nil {
			return nil, 0, fmt.Errorf("scanning instance summary: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM instances`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting instances: %w", err)
	}
	return out, total, nil
}

// UpdateDesiredState sets the desired state under optimistic concurrency on
// generation. Admin/tenant write-paths call this; observed-state fields are
// written only through RecordObserved, by the Reconciler and the Health Prober.
func (s *Store) UpdateDesiredState(ctx context.Context, instanceID uuid.UUID, expectedGeneration int64, newDesired string) error {
	tag, err := s.dbtx.Exec(ctx, `
		UPDATE instances
		SET desired_state = $3, updated_at = now()
		WHERE id = $1 AND generation = $2
	`, instanceID, expectedGeneration, newDesired)
	if err != nil {
		return fmt.Errorf("updating desired state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleGeneration
	}
	return nil
}

// BumpGeneration increments generation and sets target_image_ref (the
// reprovision and rotate-password handlers pass the current image reference
// unchanged) under optimistic concurrency, returning the new value.
func (s *Store) BumpGeneration(ctx context.Context, instanceID uuid.UUID, expectedGeneration int64, newImageRef string) (int64, error) {
	var newGen int64
	err := s.dbtx.QueryRow(ctx, `
		UPDATE instances
		SET generation = generation + 1, target_image_ref = $3, updated_at = now()
		WHERE id = $1 AND generation = $2
		RETURNING generation
	`, instanceID, expectedGeneration, newImageRef).Scan(&newGen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrStaleGeneration
		}
		return 0, fmt.Errorf("bumping generation: %w", err)
	}
	return newGen, nil
}

// ObservedUpdate is the set of fields RecordObserved may write in one pass.
type ObservedUpdate struct {
	ObservedState  string
	RuntimeHandle  *string
	NetworkAddress *string
	LastError      *string
	Reason         string
}

// RecordObserved is the single write path for observed-state fields, used by
// the Reconciler and the Health Prober: it commits the new state and appends the transition row in the same
// transaction, enforcing that every successful transition is audited.
func (s *Store) RecordObserved(ctx context.Context, instanceID uuid.UUID, expectedGeneration int64, upd ObservedUpdate) error {
	if pool, ok := s.dbtx.(*pgxpool.Pool); ok {
		return db.WithTx(ctx, pool, func(tx pgx.Tx) error {
			return recordObservedTx(ctx, tx, instanceID, expectedGeneration, upd)
		})
	}

	// Already running inside a transaction (dbtx is a pgx.Tx) — no nested begin.
	return recordObservedTx(ctx, s.dbtx, instanceID, expectedGeneration, upd)
}

func recordObservedTx(ctx context.Context, dbtx db.DBTX, instanceID uuid.UUID, expectedGeneration int64, upd ObservedUpdate) error {
	var fromState string
	if err := dbtx.QueryRow(ctx, `SELECT observed_state FROM instances WHERE id = $1 AND generation = $2`,
		instanceID, expectedGeneration).Scan(&fromState); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleGeneration
		}
		return fmt.Errorf("reading current state: %w", err)
	}

	tag, err := dbtx.Exec(ctx, `
		UPDATE instances
		SET observed_state = $3, runtime_handle = COALESCE($4, runtime_handle),
		    network_address = COALESCE($5, network_address), last_error = $6,
		    last_transition_at = now(), updated_at = now()
		WHERE id = $1 AND generation = $2
	`, instanceID, expectedGeneration, upd.ObservedState, upd.RuntimeHandle, upd.NetworkAddress, upd.LastError)
	if err != nil {
		return fmt.Errorf("recording observed state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleGeneration
	}

	if fromState == upd.ObservedState {
		return nil
	}

	if _, err := dbtx.Exec(ctx, `
		INSERT INTO instance_transitions (instance_id, generation, from_state, to_state, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, instanceID, expectedGeneration, fromState, upd.ObservedState, upd.Reason); err != nil {
		return fmt.Errorf("appending transition: %w", err)
	}
	return nil
}

// RecordProbeResult updates consecutive_failures and returns the new count —
// called by the Health Prober, which owns the hysteresis decision and the
// corresponding RecordObserved call itself; this method never drives
// runtime mutations directly.
func (s *Store) RecordProbeResult(ctx context.Context, instanceID uuid.UUID, healthy bool) (int, error) {
	if healthy {
		var failures int
		err := s.dbtx.QueryRow(ctx, `
			UPDATE instances SET consecutive_failures = 0, updated_at = now()
			WHERE id = $1
			RETURNING consecutive_failures
		`, instanceID).Scan(&failures)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, ErrNotFound
			}
			return 0, fmt.Errorf("resetting probe failures: %w", err)
		}
		return failures, nil
	}

	var failures int
	err := s.dbtx.QueryRow(ctx, `
		UPDATE instances SET consecutive_failures = consecutive_failures + 1, updated_at = now()
		WHERE id = $1
		RETURNING consecutive_failures
	`, instanceID).Scan(&failures)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("incrementing probe failures: %w", err)
	}
	return failures, nil
}

// ListPollable returns every instance the Health Prober checks: observed
// state starting, healthy, or unhealthy, with a network address to probe.
// Creating, stopping, and failed instances are not returned.
func (s *Store) ListPollable(ctx context.Context) ([]Instance, error) {
	rows, err := s.dbtx.Query(ctx, instanceSelectSQL+`
		WHERE observed_state IN ('starting', 'healthy', 'unhealthy')
		AND network_address IS NOT NULL
		ORDER BY updated_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing pollable instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// ListTransitions returns the most recent transitions for an instance, newest first.
func (s *Store) ListTransitions(ctx context.Context, instanceID uuid.UUID, limit int) ([]Transition, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT id, instance_id, generation, from_state, to_state, reason, created_at
		FROM instance_transitions
		WHERE instance_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.InstanceID, &t.Generation, &t.FromState, &t.ToState, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Billing events ---

// DedupeAndStoreBillingEvent inserts a billing event keyed by external id.
// fresh=false means the event was already present (a duplicate delivery).
func (s *Store) DedupeAndStoreBillingEvent(ctx context.Context, externalEventID, kind string, tenantID *uuid.UUID, normalizedBody []byte) (fresh bool, event *BillingEvent, err error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO billing_events (external_event_id, kind, tenant_id, normalized_body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_event_id) DO NOTHING
		RETURNING id, external_event_id, kind, tenant_id, normalized_body, received_at, processed_at
	`, externalEventID, kind, tenantID, normalizedBody)

	var e BillingEvent
	scanErr := row.Scan(&e.ID, &e.ExternalEventID, &e.Kind, &e.TenantID, &e.NormalizedBody, &e.ReceivedAt, &e.ProcessedAt)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			// ON CONFLICT DO NOTHING produced no row: this is a duplicate.
			existing, lookupErr := s.getBillingEventByExternalID(ctx, externalEventID)
			if lookupErr != nil {
				return false, nil, lookupErr
			}
			return false, existing, nil
		}
		return false, nil, fmt.Errorf("storing billing event: %w", scanErr)
	}
	return true, &e, nil
}

func (s *Store) getBillingEventByExternalID(ctx context.Context, externalEventID string) (*BillingEvent, error) {
	var e BillingEvent
	err := s.dbtx.QueryRow(ctx, `
		SELECT id, external_event_id, kind, tenant_id, normalized_body, received_at, processed_at
		FROM billing_events WHERE external_event_id = $1
	`, externalEventID).Scan(&e.ID, &e.ExternalEventID, &e.Kind, &e.TenantID, &e.NormalizedBody, &e.ReceivedAt, &e.ProcessedAt)
	if err != nil {
		return nil, fmt.Errorf("loading billing event: %w", err)
	}
	return &e, nil
}

// MarkBillingEventProcessed sets processed_at, making the row immutable per spec.
func (s *Store) MarkBillingEventProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE billing_events SET processed_at = now() WHERE id = $1 AND processed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("marking billing event processed: %w", err)
	}
	return nil
}

// AuditEntry is one row written through LogAudit.
type AuditEntry struct {
	Actor      string
	Action     string
	Resource   string
	ResourceID uuid.UUID
	Detail     []byte
	IPAddress  *string
	UserAgent  *string
}

// LogAudit writes a single audit_log row synchronously; the async batching
// writer (internal/audit) calls this from its flush loop.
func (s *Store) LogAudit(ctx context.Context, e AuditEntry) error {
	var resourceID *uuid.UUID
	if e.ResourceID != uuid.Nil {
		resourceID = &e.ResourceID
	}
	_, err := s.dbtx.Exec(ctx, `
		INSERT INTO audit_log (actor, action, resource, resource_id, detail, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.Actor, e.Action, e.Resource, resourceID, e.Detail, e.IPAddress, e.UserAgent)
	if err != nil {
		return fmt.Errorf("writing audit log entry: %w", err)
	}
	return nil
}

// ListAuditLog returns a page of audit entries, newest first.
func (s *Store) ListAuditLog(ctx context.Context, offset, limit int) ([]AuditEntry, int, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT actor, action, resource, resource_id, detail, ip_address, user_agent
		FROM audit_log ORDER BY created_at DESC OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var resourceID *uuid.UUID
		if err := rows.Scan(&e.Actor, &e.Action, &e.Resource, &resourceID, &e.Detail, &e.IPAddress, &e.UserAgent); err != nil {
			return nil, 0, fmt.Errorf("scanning audit entry: %w", err)
		}
		if resourceID != nil {
			e.ResourceID = *resourceID
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM audit_log`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting audit log: %w", err)
	}
	return out, total, nil
}
