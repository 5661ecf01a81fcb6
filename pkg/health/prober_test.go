package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wisbric/instancectl/pkg/instance"
)

func TestProber_Check(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
		want bool
	}{
		{"healthy status", `{"status":"healthy"}`, http.StatusOK, true},
		{"ok status", `{"status":"ok"}`, http.StatusOK, true},
		{"other 2xx with no recognized status", `{"status":"degraded"}`, http.StatusOK, true},
		{"2xx empty body", ``, http.StatusNoContent, true},
		{"non-2xx", `{"status":"healthy"}`, http.StatusServiceUnavailable, false},
		{"malformed body still 2xx", `not json`, http.StatusOK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasSuffix(r.URL.Path, "/health") {
					t.Errorf("unexpected path %q", r.URL.Path)
				}
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			addr := strings.TrimPrefix(srv.URL, "http://")
			p := &Prober{client: srv.Client()}
			inst := instance.Instance{NetworkAddress: &addr}

			got := p.check(context.Background(), inst)
			if got != tt.want {
				t.Errorf("check() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProber_Check_NoAddress(t *testing.T) {
	p := &Prober{client: http.DefaultClient}
	got := p.check(context.Background(), instance.Instance{})
	if got {
		t.Error("check() with no network address should be unhealthy")
	}
}

func TestProber_Check_Unreachable(t *testing.T) {
	p := &Prober{client: http.DefaultClient}
	addr := "127.0.0.1:1" // nothing listens here
	got := p.check(context.Background(), instance.Instance{NetworkAddress: &addr})
	if got {
		t.Error("check() against an unreachable address should be unhealthy")
	}
}
