package reconciler

import (
	"context"
	"errors"
	"testing"

	"github.com/wisbric/instancectl/internal/httpserver"
)

func TestRetryTransient_RetriesUntilSuccess(t *testing.T) {
	attempts := 0
	got, err := retryTransient(context.Background(), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", httpserver.TransientInfra("daemon unreachable", errors.New("dial tcp: timeout"))
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("retryTransient() error = %v, want nil", err)
	}
	if got != "ok" {
		t.Errorf("retryTransient() = %q, want %q", got, "ok")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryTransient_StopsOnPermanentError(t *testing.T) {
	attempts := 0
	permanent := httpserver.PermanentInfra("image not found", errors.New("no such image"))

	_, err := retryTransient(context.Background(), func() (string, error) {
		attempts++
		return "", permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("retryTransient() error = %v, want %v", err, permanent)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on a permanent error)", attempts)
	}
}

func TestRetryTransientErr_WrapsErrorOnlyOps(t *testing.T) {
	attempts := 0
	err := retryTransientErr(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return httpserver.TransientInfra("daemon unreachable", errors.New("dial tcp: timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retryTransientErr() error = %v, want nil", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetryTransientErr_NoErrorFirstTry(t *testing.T) {
	attempts := 0
	err := retryTransientErr(context.Background(), func() error {
		attempts++
		return nil
	})
	if err != nil {
		t.Fatalf("retryTransientErr() error = %v, want nil", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
