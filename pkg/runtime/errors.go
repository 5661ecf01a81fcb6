package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/moby/moby/client"

	"github.com/wisbric/instancectl/internal/httpserver"
)

// classify wraps a Docker client error into the typed error-kind hierarchy
// used throughout the control plane, so the reconciler and health prober can
// tell a transient daemon hiccup apart from a permanent misconfiguration
// (e.g. an image that doesn't exist) without string-matching error text.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return httpserver.TransientInfra(fmt.Sprintf("docker %s timed out", operation), err)
	case client.IsErrNotFound(err):
		return httpserver.NotFoundf(fmt.Sprintf("docker %s: container not found", operation))
	case client.IsErrConnectionFailed(err):
		return httpserver.TransientInfra(fmt.Sprintf("docker %s: daemon unreachable", operation), err)
	default:
		return httpserver.PermanentInfra(fmt.Sprintf("docker %s failed", operation), err)
	}
}

// Kind extracts the classified httpserver.Kind from an error produced by
// classify, for metrics labeling. Returns KindPermanentInfra if err wasn't
// produced by classify.
func Kind(err error) httpserver.Kind {
	var e *httpserver.Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return httpserver.KindPermanentInfra
}
