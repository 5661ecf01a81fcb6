package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/instancectl/pkg/instance"
)

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for a successful login. The session
// itself travels as an HttpOnly cookie, not in this body.
type LoginResponse struct {
	Tenant struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"tenant"`
}

// AuthConfigResponse tells the frontend which auth methods are available.
type AuthConfigResponse struct {
	OIDCEnabled  bool `json:"oidc_enabled"`
	LocalEnabled bool `json:"local_enabled"`
}

// LoginHandler handles tenant email/password login and auth discovery.
type LoginHandler struct {
	sessionMgr    *SessionManager
	store         *instance.Store
	logger        *slog.Logger
	oidcEnabled   bool
	sessionMaxAge int
	secureCookies bool
}

// NewLoginHandler creates a new login handler. sessionMaxAge is in seconds;
// secureCookies should be true in any environment served over TLS.
func NewLoginHandler(sm *SessionManager, store *instance.Store, logger *slog.Logger, oidcEnabled bool, sessionMaxAge int, secureCookies bool) *LoginHandler {
	return &LoginHandler{
		sessionMgr:    sm,
		store:         store,
		logger:        logger,
		oidcEnabled:   oidcEnabled,
		sessionMaxAge: sessionMaxAge,
		secureCookies: secureCookies,
	}
}

// HandleLogin authenticates a tenant with email/password and sets a session
// JWT cookie; the response body carries only the tenant.
func (h *LoginHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	if req.Email == "" || req.Password == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "email and password are required")
		return
	}

	t, err := h.store.GetTenantByEmail(r.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, instance.ErrNotFound) {
			h.logger.Error("login: tenant lookup failed", "error", err)
		}
		respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}

	if t.AuthMethod != instance.AuthPassword || t.PasswordHash == nil {
		respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(*t.PasswordHash), []byte(req.Password)); err != nil {
		respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}

	token, err := h.sessionMgr.IssueToken(SessionClaims{
		Subject:  t.Email,
		Email:    t.Email,
		TenantID: t.ID.String(),
		Method:   "password",
	})
	if err != nil {
		h.logger.Error("login: issuing token", "error", err)
		respondErr(w, http.StatusInternalServerError, "internal", "failed to issue token")
		return
	}

	SetSessionCookie(w, token, h.sessionMaxAge, h.secureCookies)

	var resp LoginResponse
	resp.Tenant.ID = t.ID.String()
	resp.Tenant.Email = t.Email
	respondJSON(w, http.StatusOK, resp)
}

// HandleAuthConfig returns the available authentication methods.
func (h *LoginHandler) HandleAuthConfig(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, AuthConfigResponse{
		OIDCEnabled:  h.oidcEnabled,
		LocalEnabled: true,
	})
}

// HandleMe returns the current tenant's info. Requires the session
// middleware to have already run and populated the request context.
func (h *LoginHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil || id.Role != RoleTenant {
		respondErr(w, http.StatusUnauthorized, "unauthorized", "no active session")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"email":     id.Email,
		"tenant_id": id.TenantID.String(),
	})
}

// HandleLogout clears the session cookie; sessions are otherwise stateless
// JWTs with no server-side revocation list.
func (h *LoginHandler) HandleLogout(w http.ResponseWriter, _ *http.Request) {
	ClearSessionCookie(w, h.secureCookies)
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
