package audit

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/instancectl/internal/httpserver"
	"github.com/wisbric/instancectl/pkg/instance"
)

// Handler serves GET /admin/audit-log.
type Handler struct {
	store  *instance.Store
	logger *slog.Logger
}

func NewHandler(store *instance.Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondErr(w, httpserver.Validationf(err.Error()))
		return
	}

	entries, total, err := h.store.ListAuditLog(r.Context(), params.Offset, params.PageSize)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondErr(w, httpserver.TransientInfra("listing audit log", err))
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(entries, params, total))
}
