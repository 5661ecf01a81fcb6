package tenantapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wisbric/instancectl/pkg/instance"
)

func TestCoarseStatus(t *testing.T) {
	tests := []struct {
		observed string
		want     string
	}{
		{instance.ObservedHealthy, "healthy"},
		{instance.ObservedAbsent, "absent"},
		{instance.ObservedCreating, "provisioning"},
		{instance.ObservedStarting, "provisioning"},
		{instance.ObservedUnhealthy, "unhealthy"},
		{instance.ObservedFailed, "unhealthy"},
		{instance.ObservedStopping, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.observed, func(t *testing.T) {
			if got := coarseStatus(tt.observed); got != tt.want {
				t.Errorf("coarseStatus(%q) = %q, want %q", tt.observed, got, tt.want)
			}
		})
	}
}

func TestHandleGet_NoIdentity(t *testing.T) {
	h := &Handler{}

	r := httptest.NewRequest(http.MethodGet, "/me/instance", nil)
	w := httptest.NewRecorder()

	h.handleGet(w, r)

	if w.Code < 500 {
		t.Errorf("status = %d, want a server-side failure for missing identity", w.Code)
	}
}

func TestHandleOpen_NoIdentity(t *testing.T) {
	h := &Handler{}

	r := httptest.NewRequest(http.MethodGet, "/me/instance/open", nil)
	w := httptest.NewRecorder()

	h.handleOpen(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
