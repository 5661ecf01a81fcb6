package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/instancectl/internal/httpserver"
	"github.com/wisbric/instancectl/internal/telemetry"
	"github.com/wisbric/instancectl/pkg/instance"
	"github.com/wisbric/instancectl/pkg/reconciler"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Handler processes POST /webhooks/billing.
type Handler struct {
	store  *instance.Store
	rdb    *redis.Client
	secret string
	policy Policy
	logger *slog.Logger
}

// NewHandler creates a billing webhook handler. policy may be nil, in which
// case DefaultPolicy is used.
func NewHandler(store *instance.Store, rdb *redis.Client, secret string, policy Policy, logger *slog.Logger) *Handler {
	if policy == nil {
		policy = DefaultPolicy
	}
	return &Handler{store: store, rdb: rdb, secret: secret, policy: policy, logger: logger}
}

// ServeHTTP verifies, dedupes, normalizes, and applies an inbound billing
// webhook. Every response is 2xx once the event is durably recorded,
// including for duplicates — the provider should never retry past that
// point, per the idempotence invariant.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httpserver.RespondErr(w, httpserver.Validationf(fmt.Sprintf("reading request body: %v", err)))
		return
	}

	if err := VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)); err != nil {
		httpserver.RespondErr(w, httpserver.Unauthorizedf(fmt.Sprintf("signature verification failed: %v", err)))
		return
	}

	event, err := Parse(body)
	if err != nil {
		httpserver.RespondErr(w, httpserver.Validationf(err.Error()))
		return
	}

	ctx := r.Context()

	var tenantID *uuid.UUID
	if event.CustomerEmail != "" {
		if t, err := h.store.GetTenantByEmail(ctx, event.CustomerEmail); err == nil {
			tenantID = &t.ID
		} else if !errors.Is(err, instance.ErrNotFound) {
			h.logger.Error("billing: tenant lookup failed", "error", err)
		}
	}

	fresh, stored, err := h.store.DedupeAndStoreBillingEvent(ctx, event.ExternalEventID, event.Kind, tenantID, body)
	if err != nil {
		h.logger.Error("billing: storing event failed", "error", err)
		httpserver.RespondErr(w, httpserver.PermanentInfra("storing billing event", err))
		return
	}

	telemetry.BillingEventsTotal.WithLabelValues(event.Kind).Inc()

	if !fresh {
		telemetry.BillingEventsDeduplicatedTotal.Inc()
		respondAccepted(w, stored.ID.String())
		return
	}

	if tenantID != nil {
		if err := h.apply(ctx, *tenantID, event); err != nil {
			h.logger.Error("billing: applying event failed", "error", err, "event_id", stored.ID)
		}
	} else {
		h.logger.Warn("billing: event has no resolvable tenant, recorded without side effects",
			"event_id", stored.ID, "kind", event.Kind)
	}

	if err := h.store.MarkBillingEventProcessed(ctx, stored.ID); err != nil {
		h.logger.Error("billing: marking event processed failed", "error", err)
	}

	respondAccepted(w, stored.ID.String())
}

func (h *Handler) apply(ctx context.Context, tenantID uuid.UUID, event NormalizedEvent) error {
	desiredState, subState := h.policy(event)

	if err := h.store.UpdateSubscriptionState(ctx, tenantID, subState, event.ExternalCustomer, event.SubscriptionID); err != nil {
		return err
	}

	inst, err := h.store.LoadInstanceByTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			return nil // no instance yet to drive; the next ProvisionInstance call creates one
		}
		return err
	}

	if inst.DesiredState == desiredState {
		return nil
	}

	if err := h.store.UpdateDesiredState(ctx, inst.ID, inst.Generation, desiredState); err != nil {
		return err
	}

	reconciler.Wake(ctx, h.rdb)
	return nil
}

func respondAccepted(w http.ResponseWriter, eventID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"event_id": eventID})
}
