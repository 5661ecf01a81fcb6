// Package adminapi implements the operator-facing HTTP surface: instance
// listing, creation, reprovisioning, deprovisioning, and password rotation.
// Every route here must be mounted behind auth.Middleware and
// auth.RequireRole(auth.RoleAdmin).
package adminapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/instancectl/internal/audit"
	"github.com/wisbric/instancectl/internal/httpserver"
	"github.com/wisbric/instancectl/pkg/instance"
	"github.com/wisbric/instancectl/pkg/reconciler"
	"github.com/wisbric/instancectl/pkg/secretmint"
)

// Handler serves the /admin/instances HTTP surface.
type Handler struct {
	store        *instance.Store
	mint         *secretmint.Mint
	rdb          *redis.Client
	audit        *audit.Writer
	logger       *slog.Logger
	defaultImage string
	dataRoot     string
}

func NewHandler(store *instance.Store, mint *secretmint.Mint, rdb *redis.Client, auditWriter *audit.Writer, logger *slog.Logger, defaultImage, dataRoot string) *Handler {
	return &Handler{
		store:        store,
		mint:         mint,
		rdb:          rdb,
		audit:        auditWriter,
		logger:       logger,
		defaultImage: defaultImage,
		dataRoot:     dataRoot,
	}
}

// Routes returns a chi.Router with every admin instance route mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/reprovision", h.handleReprovision)
		r.Post("/deprovision", h.handleDeprovision)
		r.Post("/rotate-password", h.handleRotatePassword)
	})
	return r
}

type instanceSummaryResponse struct {
	ID            string  `json:"id"`
	TenantEmail   string  `json:"tenant_email"`
	Subdomain     string  `json:"subdomain"`
	Desired       string  `json:"desired"`
	Observed      string  `json:"observed"`
	ImageRef      string  `json:"image_ref"`
	CreatedAt     string  `json:"created_at"`
	LastError     *string `json:"last_error,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondErr(w, httpserver.Validationf(err.Error()))
		return
	}

	rows, total, err := h.store.ListInstancesWithTenant(r.Context(), params.Offset, params.PageSize)
	if err != nil {
		h.logger.Error("admin: listing instances", "error", err)
		httpserver.RespondErr(w, httpserver.TransientInfra("listing instances", err))
		return
	}

	items := make([]instanceSummaryResponse, len(rows))
	for i, row := range rows {
		items[i] = instanceSummaryResponse{
			ID:          row.ID.String(),
			TenantEmail: row.TenantEmail,
			Subdomain:   row.Subdomain,
			Desired:     row.DesiredState,
			Observed:    row.ObservedState,
			ImageRef:    row.TargetImageRef,
			CreatedAt:   row.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			LastError:   row.LastError,
		}
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, params, total))
}

type createInstanceRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Subdomain string `json:"subdomain" validate:"required,alphanum,min=1,max=63"`
}

type createInstanceResponse struct {
	ID string `json:"id"`
}

// handleCreate provisions an instance for a tenant, creating the tenant with
// a freshly minted password if it doesn't already exist.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	tenant, err := h.store.GetTenantByEmail(ctx, req.Email)
	if err != nil {
		if !errors.Is(err, instance.ErrNotFound) {
			h.logger.Error("admin: tenant lookup failed", "error", err)
			httpserver.RespondErr(w, httpserver.TransientInfra("looking up tenant", err))
			return
		}

		password, genErr := secretmint.GenerateAdminPassword(20)
		if genErr != nil {
			httpserver.RespondErr(w, httpserver.PermanentInfra("generating tenant password", genErr))
			return
		}
		hash, hashErr := secretmint.HashPassword(password)
		if hashErr != nil {
			httpserver.RespondErr(w, httpserver.PermanentInfra("hashing tenant password", hashErr))
			return
		}
		tenant, err = h.store.CreateTenant(ctx, req.Email, instance.AuthPassword, hash)
		if err != nil {
			httpserver.RespondErr(w, httpserver.TransientInfra("creating tenant", err))
			return
		}
	}

	dataVolumePath := instance.DataVolumePath(h.dataRoot, req.Subdomain)
	inst, err := h.store.ReserveInstance(ctx, tenant.ID, req.Subdomain, h.defaultImage, dataVolumePath)
	if err != nil {
		switch {
		case errors.Is(err, instance.ErrSubdomainTaken):
			httpserver.RespondErr(w, httpserver.Conflictf("subdomain-taken"))
		case errors.Is(err, instance.ErrTenantHasInstance):
			httpserver.RespondErr(w, httpserver.Conflictf("tenant-has-instance"))
		default:
			httpserver.RespondErr(w, httpserver.TransientInfra("reserving instance", err))
		}
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "create", "instance", inst.ID, nil)
	}

	reconciler.Wake(ctx, h.rdb)
	httpserver.Respond(w, http.StatusCreated, createInstanceResponse{ID: inst.ID.String()})
}

type instanceDetailResponse struct {
	instanceSummaryResponse
	RuntimeHandle  *string              `json:"runtime_handle,omitempty"`
	NetworkAddress *string              `json:"network_address,omitempty"`
	Generation     int64                `json:"generation"`
	Transitions    []transitionResponse `json:"transitions"`
}

type transitionResponse struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondErr(w, httpserver.Validationf("invalid instance id"))
		return
	}

	ctx := r.Context()
	inst, err := h.store.LoadInstance(ctx, id)
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			httpserver.RespondErr(w, httpserver.NotFoundf("instance not found"))
			return
		}
		httpserver.RespondErr(w, httpserver.TransientInfra("loading instance", err))
		return
	}

	tenant, err := h.store.GetTenant(ctx, inst.TenantID)
	if err != nil {
		httpserver.RespondErr(w, httpserver.TransientInfra("loading tenant", err))
		return
	}

	transitions, err := h.store.ListTransitions(ctx, id, 20)
	if err != nil {
		httpserver.RespondErr(w, httpserver.TransientInfra("loading transitions", err))
		return
	}

	resp := instanceDetailResponse{
		instanceSummaryResponse: instanceSummaryResponse{
			ID:          inst.ID.String(),
			TenantEmail: tenant.Email,
			Subdomain:   inst.Subdomain,
			Desired:     inst.DesiredState,
			Observed:    inst.ObservedState,
			ImageRef:    inst.TargetImageRef,
			CreatedAt:   inst.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			LastError:   inst.LastError,
		},
		RuntimeHandle:  inst.RuntimeHandle,
		NetworkAddress: inst.NetworkAddress,
		Generation:     inst.Generation,
		Transitions:    make([]transitionResponse, len(transitions)),
	}
	for i, t := range transitions {
		resp.Transitions[i] = transitionResponse{
			FromState: t.FromState,
			ToState:   t.ToState,
			Reason:    t.Reason,
			CreatedAt: t.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

// handleReprovision bumps the instance's generation with its current image,
// forcing the Reconciler to tear down and recreate the container even though
// the desired image is unchanged — useful for recovering drift.
func (h *Handler) handleReprovision(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondErr(w, httpserver.Validationf("invalid instance id"))
		return
	}

	ctx := r.Context()
	inst, err := h.store.LoadInstance(ctx, id)
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			httpserver.RespondErr(w, httpserver.NotFoundf("instance not found"))
			return
		}
		httpserver.RespondErr(w, httpserver.TransientInfra("loading instance", err))
		return
	}

	if _, err := h.store.BumpGeneration(ctx, id, inst.Generation, inst.TargetImageRef); err != nil {
		if errors.Is(err, instance.ErrStaleGeneration) {
			httpserver.RespondErr(w, httpserver.Conflictf("instance was concurrently modified, retry"))
			return
		}
		httpserver.RespondErr(w, httpserver.TransientInfra("bumping generation", err))
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "reprovision", "instance", id, nil)
	}

	reconciler.Wake(ctx, h.rdb)
	w.WriteHeader(http.StatusAccepted)
}

type deprovisionRequest struct {
	Retain bool `json:"retain"`
}

// handleDeprovision sets desired=absent. retain is recorded for audit only —
// the core never touches the data volume itself regardless of its value.
func (h *Handler) handleDeprovision(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondErr(w, httpserver.Validationf("invalid instance id"))
		return
	}

	var req deprovisionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	ctx := r.Context()
	inst, err := h.store.LoadInstance(ctx, id)
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			httpserver.RespondErr(w, httpserver.NotFoundf("instance not found"))
			return
		}
		httpserver.RespondErr(w, httpserver.TransientInfra("loading instance", err))
		return
	}

	if err := h.store.UpdateDesiredState(ctx, id, inst.Generation, instance.DesiredAbsent); err != nil {
		if errors.Is(err, instance.ErrStaleGeneration) {
			httpserver.RespondErr(w, httpserver.Conflictf("instance was concurrently modified, retry"))
			return
		}
		httpserver.RespondErr(w, httpserver.TransientInfra("updating desired state", err))
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "deprovision", "instance", id, []byte(`{"retain":`+boolJSON(req.Retain)+`}`))
	}

	reconciler.Wake(ctx, h.rdb)
	w.WriteHeader(http.StatusAccepted)
}

type rotatePasswordResponse struct {
	PasswordOnce string `json:"password_once"`
}

// handleRotatePassword mints a replacement admin password, seals it into the
// instance's secrets envelope, and bumps generation so the Reconciler
// recreates the container with the new credential. The plaintext is returned
// exactly once.
func (h *Handler) handleRotatePassword(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondErr(w, httpserver.Validationf("invalid instance id"))
		return
	}

	ctx := r.Context()
	inst, err := h.store.LoadInstance(ctx, id)
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			httpserver.RespondErr(w, httpserver.NotFoundf("instance not found"))
			return
		}
		httpserver.RespondErr(w, httpserver.TransientInfra("loading instance", err))
		return
	}

	plain, sealed, err := h.mint.RotatePassword()
	if err != nil {
		httpserver.RespondErr(w, httpserver.PermanentInfra("rotating password", err))
		return
	}

	if err := h.store.SetSecretsEnvelope(ctx, id, sealed); err != nil {
		httpserver.RespondErr(w, httpserver.TransientInfra("storing new secrets", err))
		return
	}

	if _, err := h.store.BumpGeneration(ctx, id, inst.Generation, inst.TargetImageRef); err != nil {
		if errors.Is(err, instance.ErrStaleGeneration) {
			httpserver.RespondErr(w, httpserver.Conflictf("instance was concurrently modified, retry"))
			return
		}
		httpserver.RespondErr(w, httpserver.TransientInfra("bumping generation", err))
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "rotate-password", "instance", id, nil)
	}

	reconciler.Wake(ctx, h.rdb)
	httpserver.Respond(w, http.StatusOK, rotatePasswordResponse{PasswordOnce: plain.AdminPassword})
}

func boolJSON(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
