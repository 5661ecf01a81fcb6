package adminapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestHandleCreate_Validation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "missing email",
			body:       `{"subdomain":"acme"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid email",
			body:       `{"email":"not-an-email","subdomain":"acme"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "subdomain not alphanumeric",
			body:       `{"email":"a@b.com","subdomain":"acme-co"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid JSON",
			body:       `{bad}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	h := &Handler{}
	router := chi.NewRouter()
	router.Mount("/admin/instances", h.Routes())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/admin/instances", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestHandleGet_InvalidID(t *testing.T) {
	h := &Handler{}
	router := chi.NewRouter()
	router.Mount("/admin/instances", h.Routes())

	r := httptest.NewRequest(http.MethodGet, "/admin/instances/not-a-uuid", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
}

func TestHandleReprovision_InvalidID(t *testing.T) {
	h := &Handler{}
	router := chi.NewRouter()
	router.Mount("/admin/instances", h.Routes())

	r := httptest.NewRequest(http.MethodPost, "/admin/instances/not-a-uuid/reprovision", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
}

func TestBoolJSON(t *testing.T) {
	if got := boolJSON(true); got != "true" {
		t.Errorf("boolJSON(true) = %q, want %q", got, "true")
	}
	if got := boolJSON(false); got != "false" {
		t.Errorf("boolJSON(false) = %q, want %q", got, "false")
	}
}
