// Package seed provisions a development tenant and instance so a freshly
// created local environment has something to reconcile and poll.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/instancectl/pkg/instance"
	"github.com/wisbric/instancectl/pkg/secretmint"
)

// DevTenantEmail is the tenant seeded for local development.
const DevTenantEmail = "dev@instancectl.local"

// DevSubdomain is the subdomain reserved for the seeded instance.
const DevSubdomain = "dev"

// Run provisions the "dev" tenant and a single instance for it. It is
// idempotent: if the tenant already exists it logs a message and returns nil.
func Run(ctx context.Context, pool *pgxpool.Pool, imageRef, dataRoot string, logger *slog.Logger) error {
	store := instance.NewStore(pool)

	if _, err := store.GetTenantByEmail(ctx, DevTenantEmail); err == nil {
		logger.Info("seed: tenant already exists, skipping", "email", DevTenantEmail)
		return nil
	} else if !errors.Is(err, instance.ErrNotFound) {
		return fmt.Errorf("looking up seed tenant: %w", err)
	}

	password, err := secretmint.GenerateAdminPassword(20)
	if err != nil {
		return fmt.Errorf("generating seed password: %w", err)
	}
	hash, err := secretmint.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing seed password: %w", err)
	}

	tenant, err := store.CreateTenant(ctx, DevTenantEmail, instance.AuthPassword, hash)
	if err != nil {
		return fmt.Errorf("creating seed tenant: %w", err)
	}
	logger.Info("seed: created tenant", "tenant_id", tenant.ID, "email", tenant.Email, "password", password)

	dataVolumePath := instance.DataVolumePath(dataRoot, DevSubdomain)
	inst, err := store.ReserveInstance(ctx, tenant.ID, DevSubdomain, imageRef, dataVolumePath)
	if err != nil {
		return fmt.Errorf("reserving seed instance: %w", err)
	}
	logger.Info("seed: reserved instance", "instance_id", inst.ID, "subdomain", inst.Subdomain)

	logger.Info("seed: completed successfully", "tenant", tenant.Email, "instance", inst.Subdomain)
	return nil
}
