package audit

import (
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/instancectl/pkg/instance"
)

func TestClientIP_XForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")

	if got := clientIP(r); got != "203.0.113.50" {
		t.Errorf("clientIP = %q, want %q", got, "203.0.113.50")
	}
}

func TestClientIP_XRealIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Real-IP", "198.51.100.23")

	if got := clientIP(r); got != "198.51.100.23" {
		t.Errorf("clientIP = %q, want %q", got, "198.51.100.23")
	}
}

func TestClientIP_RemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:12345"

	if got := clientIP(r); got != "192.0.2.1" {
		t.Errorf("clientIP = %q, want %q", got, "192.0.2.1")
	}
}

func TestClientIP_Precedence(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50")
	r.Header.Set("X-Real-IP", "198.51.100.23")
	r.RemoteAddr = "192.0.2.1:12345"

	if got := clientIP(r); got != "203.0.113.50" {
		t.Errorf("clientIP = %q, want %q (X-Forwarded-For should take precedence)", got, "203.0.113.50")
	}
}

func TestLog_DropsWhenFull(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)
	// Don't start the background goroutine — nothing drains the channel.

	for i := 0; i < bufferSize; i++ {
		w.Log(instance.AuditEntry{Action: "test", Resource: "test"})
	}

	// The next log should be dropped (non-blocking).
	w.Log(instance.AuditEntry{Action: "dropped", Resource: "dropped"})

	if len(w.entries) != bufferSize {
		t.Errorf("buffer size = %d, want %d", len(w.entries), bufferSize)
	}
}

func TestLogFromRequest_ExtractsFields(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)
	// Don't start — we'll read from the channel directly.

	r := httptest.NewRequest("POST", "/admin/instances", nil)
	r.Header.Set("User-Agent", "test-agent/1.0")
	r.Header.Set("X-Real-IP", "198.51.100.23")

	id := uuid.New()
	w.LogFromRequest(r, "create", "instance", id, nil)

	entry := <-w.entries

	if entry.Action != "create" {
		t.Errorf("Action = %q, want %q", entry.Action, "create")
	}
	if entry.Resource != "instance" {
		t.Errorf("Resource = %q, want %q", entry.Resource, "instance")
	}
	if entry.ResourceID != id {
		t.Errorf("ResourceID = %v, want %v", entry.ResourceID, id)
	}
	if entry.IPAddress == nil || *entry.IPAddress != "198.51.100.23" {
		t.Errorf("IPAddress = %v, want 198.51.100.23", entry.IPAddress)
	}
	if entry.UserAgent == nil || *entry.UserAgent != "test-agent/1.0" {
		t.Errorf("UserAgent = %v, want test-agent/1.0", entry.UserAgent)
	}
}
