package auth

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// SessionCookieName is the cookie the tenant login flows (password and
// OIDC) set, and the one Middleware reads to authenticate tenant requests.
const SessionCookieName = "instancectl_session"

// AdminTokenHeader is the fixed header admin callers present, per the
// external HTTP contract.
const AdminTokenHeader = "X-Admin-Token"

// Middleware returns an HTTP middleware that authenticates the caller and
// stores the resulting Identity in the request context.
//
// Authentication precedence:
//  1. X-Admin-Token header → admin identity (constant-time compare)
//  2. session cookie → tenant identity, issued at login by either the
//     password flow (login.go) or the OIDC callback (oidc_flow.go)
//
// If neither succeeds, the request is rejected with 401.
func Middleware(sessionMgr *SessionManager, adminToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var identity *Identity

			if presented := r.Header.Get(AdminTokenHeader); presented != "" && adminToken != "" &&
				subtle.ConstantTimeCompare([]byte(presented), []byte(adminToken)) == 1 {
				identity = &Identity{
					Subject: "admin",
					Role:    RoleAdmin,
					Method:  MethodAdminToken,
				}
			}

			if identity == nil && sessionMgr != nil {
				if cookie, err := r.Cookie(SessionCookieName); err == nil {
					claims, err := sessionMgr.ValidateToken(cookie.Value)
					if err != nil {
						respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid or expired session")
						return
					}
					tenantID, parseErr := uuid.Parse(claims.TenantID)
					if parseErr != nil {
						logger.Warn("session token carried an unparsable tenant id", "error", parseErr)
						respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid session")
						return
					}
					identity = &Identity{
						Subject:  claims.Subject,
						Email:    claims.Email,
						Role:     RoleTenant,
						TenantID: tenantID,
						Method:   MethodSession,
					}
				}
			}

			if identity == nil {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "no valid authentication provided")
				return
			}

			ctx := NewContext(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SetSessionCookie attaches the session token to the response as an
// HttpOnly, SameSite=Lax cookie, used by both the password and OIDC login
// flows.
func SetSessionCookie(w http.ResponseWriter, token string, maxAge int, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

// ClearSessionCookie expires the session cookie immediately, used by logout.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func respondErr(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}
