package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/wisbric/instancectl/pkg/instance"
)

// OIDCFlowHandler handles the OAuth2 Authorization Code flow used for tenant
// signup and login against an external identity provider.
type OIDCFlowHandler struct {
	oauth2Cfg     *oauth2.Config
	oidcAuth      *OIDCAuthenticator
	sessionMgr    *SessionManager
	store         *instance.Store
	redis         *redis.Client
	logger        *slog.Logger
	postLoginURL  string
	sessionMaxAge int
	secureCookies bool
}

// NewOIDCFlowHandler creates a handler for the full OIDC Authorization Code
// flow. postLoginURL is where the browser is redirected after a session
// cookie has been set (no token is ever carried in a URL).
func NewOIDCFlowHandler(
	oauth2Cfg *oauth2.Config,
	oidcAuth *OIDCAuthenticator,
	sm *SessionManager,
	store *instance.Store,
	rdb *redis.Client,
	logger *slog.Logger,
	postLoginURL string,
	sessionMaxAge int,
	secureCookies bool,
) *OIDCFlowHandler {
	return &OIDCFlowHandler{
		oauth2Cfg:     oauth2Cfg,
		oidcAuth:      oidcAuth,
		sessionMgr:    sm,
		store:         store,
		redis:         rdb,
		logger:        logger,
		postLoginURL:  postLoginURL,
		sessionMaxAge: sessionMaxAge,
		secureCookies: secureCookies,
	}
}

// HandleLogin redirects the caller to the OIDC identity provider.
func (h *OIDCFlowHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "internal", "failed to generate state")
		return
	}

	if err := h.redis.Set(r.Context(), "oidc_state:"+state, "1", 10*time.Minute).Err(); err != nil {
		h.logger.Error("oidc: storing state in redis", "error", err)
		respondErr(w, http.StatusInternalServerError, "internal", "failed to store state")
		return
	}

	url := h.oauth2Cfg.AuthCodeURL(state)
	http.Redirect(w, r, url, http.StatusFound)
}

// HandleCallback handles the IdP callback after authentication, resolving or
// creating the tenant and issuing a session token.
func (h *OIDCFlowHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state := r.URL.Query().Get("state")
	if state == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "missing state parameter")
		return
	}

	result, err := h.redis.GetDel(ctx, "oidc_state:"+state).Result()
	if err != nil || result == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "invalid or expired state")
		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		desc := r.URL.Query().Get("error_description")
		h.logger.Warn("oidc: IdP returned error", "error", errParam, "description", desc)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication failed: "+errParam)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "missing code parameter")
		return
	}

	oauth2Token, err := h.oauth2Cfg.Exchange(ctx, code)
	if err != nil {
		h.logger.Error("oidc: code exchange failed", "error", err)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "code exchange failed")
		return
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		respondErr(w, http.StatusUnauthorized, "unauthorized", "no id_token in response")
		return
	}

	claims, err := h.oidcAuth.Authenticate(ctx, "Bearer "+rawIDToken)
	if err != nil {
		h.logger.Error("oidc: token verification failed", "error", err)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid id_token")
		return
	}

	t, err := h.findOrCreateTenant(ctx, claims)
	if err != nil {
		h.logger.Error("oidc: tenant lookup/create failed", "error", err)
		respondErr(w, http.StatusInternalServerError, "internal", "failed to resolve tenant")
		return
	}

	token, err := h.sessionMgr.IssueToken(SessionClaims{
		Subject:  claims.Subject,
		Email:    claims.Email,
		TenantID: t.ID.String(),
		Method:   "oidc",
	})
	if err != nil {
		h.logger.Error("oidc: issuing session token", "error", err)
		respondErr(w, http.StatusInternalServerError, "internal", "failed to issue token")
		return
	}

	SetSessionCookie(w, token, h.sessionMaxAge, h.secureCookies)
	http.Redirect(w, r, h.postLoginURL, http.StatusFound)
}

// findOrCreateTenant resolves an OIDC subject to a tenant row, creating one on
// first login.
func (h *OIDCFlowHandler) findOrCreateTenant(ctx context.Context, claims *OIDCClaims) (*instance.Tenant, error) {
	t, err := h.store.GetTenantByEmail(ctx, claims.Email)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, instance.ErrNotFound) {
		return nil, err
	}

	t, err = h.store.CreateTenant(ctx, claims.Email, instance.AuthFederated, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("creating tenant: %w", err)
	}

	h.logger.Info("oidc: created new tenant", "tenant_id", t.ID, "email", claims.Email)
	return t, nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
