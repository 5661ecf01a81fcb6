// Package tenantapi implements the tenant-facing HTTP surface: instance
// summary, coarse health, and SSO-backed direct login. Every route here must
// be mounted behind auth.Middleware and auth.RequireRole(auth.RoleTenant).
package tenantapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/instancectl/internal/auth"
	"github.com/wisbric/instancectl/internal/httpserver"
	"github.com/wisbric/instancectl/pkg/instance"
	"github.com/wisbric/instancectl/pkg/secretmint"
)

// Handler serves the /me/instance HTTP surface.
type Handler struct {
	store      *instance.Store
	sso        *secretmint.SSOSigner
	logger     *slog.Logger
	rootDomain string
}

func NewHandler(store *instance.Store, sso *secretmint.SSOSigner, logger *slog.Logger, rootDomain string) *Handler {
	return &Handler{store: store, sso: sso, logger: logger, rootDomain: rootDomain}
}

// Routes returns a chi.Router with every tenant-facing instance route mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleGet)
	r.Get("/health", h.handleHealth)
	r.Get("/open", h.handleOpen)
	return r
}

func (h *Handler) loadOwnInstance(r *http.Request) (*instance.Instance, error) {
	id := auth.FromContext(r.Context())
	if id == nil {
		return nil, errors.New("no authenticated identity")
	}
	return h.store.LoadInstanceByTenant(r.Context(), id.TenantID)
}

type instanceResponse struct {
	Subdomain string `json:"subdomain"`
	Observed  string `json:"observed"`
	URL       string `json:"url"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := h.loadOwnInstance(r)
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			httpserver.RespondErr(w, httpserver.NotFoundf("no instance provisioned"))
			return
		}
		httpserver.RespondErr(w, httpserver.TransientInfra("loading instance", err))
		return
	}

	httpserver.Respond(w, http.StatusOK, instanceResponse{
		Subdomain: inst.Subdomain,
		Observed:  inst.ObservedState,
		URL:       inst.URL(h.rootDomain),
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	CheckedAt string `json:"checked_at"`
}

// handleHealth exposes only a coarse status derived from observed_state —
// never runtime handles, network addresses, or error detail.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	inst, err := h.loadOwnInstance(r)
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			httpserver.RespondErr(w, httpserver.NotFoundf("no instance provisioned"))
			return
		}
		httpserver.RespondErr(w, httpserver.TransientInfra("loading instance", err))
		return
	}

	httpserver.Respond(w, http.StatusOK, healthResponse{
		Status:    coarseStatus(inst.ObservedState),
		CheckedAt: inst.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

func coarseStatus(observed string) string {
	switch observed {
	case instance.ObservedHealthy:
		return "healthy"
	case instance.ObservedAbsent:
		return "absent"
	case instance.ObservedCreating, instance.ObservedStarting:
		return "provisioning"
	default:
		return "unhealthy"
	}
}

// handleOpen mints a short-lived SSO token and redirects the tenant straight
// into their running instance.
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondErr(w, httpserver.Unauthorizedf("no authenticated identity"))
		return
	}

	inst, err := h.loadOwnInstance(r)
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			httpserver.RespondErr(w, httpserver.NotFoundf("no instance provisioned"))
			return
		}
		httpserver.RespondErr(w, httpserver.TransientInfra("loading instance", err))
		return
	}
	if inst.ObservedState != instance.ObservedHealthy {
		httpserver.RespondErr(w, httpserver.Conflictf("instance is not ready"))
		return
	}

	token, err := h.sso.Mint(id.Subject, inst.ID.String(), id.TenantID.String())
	if err != nil {
		httpserver.RespondErr(w, httpserver.PermanentInfra("minting sso token", err))
		return
	}

	http.Redirect(w, r, "https://"+inst.Subdomain+"."+h.rootDomain+"/sso?token="+token, http.StatusFound)
}
