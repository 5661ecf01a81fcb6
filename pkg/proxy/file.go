package proxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// fragment is the on-disk shape of one instance's routing rule, written as
// its own file under the fragment directory so the reverse proxy's
// file-provider can pick up additions and removals independently.
type fragment struct {
	Subdomain  string `yaml:"subdomain"`
	RootDomain string `yaml:"root_domain"`
	TargetAddr string `yaml:"target_addr"`
}

// FileAdapter is used when the reverse proxy reads its routing table from a
// directory of fragment files (e.g. a file-provider configuration). Writes
// are idempotent by content hash: publishing the same route twice does not
// rewrite the file or trigger a reload.
type FileAdapter struct {
	dir       string
	reloadURL string
	client    *http.Client
	logger    *slog.Logger
}

// NewFileAdapter creates a file-mode adapter writing fragments under dir and
// POSTing to reloadURL (if non-empty) after every change.
func NewFileAdapter(dir, reloadURL string, logger *slog.Logger) *FileAdapter {
	return &FileAdapter{
		dir:       dir,
		reloadURL: reloadURL,
		client:    &http.Client{Timeout: 5 * time.Second},
		logger:    logger,
	}
}

func (a *FileAdapter) path(instanceID string) string {
	return filepath.Join(a.dir, instanceID+".yaml")
}

// Publish writes the routing fragment for route, reloading the proxy only if
// the fragment's content actually changed.
func (a *FileAdapter) Publish(ctx context.Context, route Route) error {
	frag := fragment{
		Subdomain:  route.Subdomain,
		RootDomain: route.RootDomain,
		TargetAddr: route.TargetAddr,
	}

	body, err := yaml.Marshal(frag)
	if err != nil {
		return fmt.Errorf("marshaling proxy fragment: %w", err)
	}

	path := a.path(route.InstanceID)
	changed, err := writeIfChanged(path, body)
	if err != nil {
		return fmt.Errorf("writing proxy fragment: %w", err)
	}
	if !changed {
		return nil
	}

	a.logger.Info("proxy fragment written", "instance_id", route.InstanceID, "path", path)
	return a.reload(ctx)
}

// Retract removes the routing fragment for instanceID, if present, and
// reloads the proxy.
func (a *FileAdapter) Retract(ctx context.Context, instanceID string) error {
	path := a.path(instanceID)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("removing proxy fragment: %w", err)
	}

	a.logger.Info("proxy fragment removed", "instance_id", instanceID, "path", path)
	return a.reload(ctx)
}

// writeIfChanged writes body to path only if the existing content (if any)
// hashes differently, returning whether a write occurred.
func writeIfChanged(path string, body []byte) (bool, error) {
	if existing, err := os.ReadFile(path); err == nil {
		if sameHash(existing, body) {
			return false, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("creating fragment directory: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return false, err
	}
	return true, nil
}

func sameHash(a, b []byte) bool {
	ha := sha256.Sum256(a)
	hb := sha256.Sum256(b)
	return hex.EncodeToString(ha[:]) == hex.EncodeToString(hb[:])
}

func (a *FileAdapter) reload(ctx context.Context) error {
	if a.reloadURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.reloadURL, bytes.NewReader(nil))
	if err != nil {
		return fmt.Errorf("building reload request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("reloading proxy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("proxy reload returned status %d", resp.StatusCode)
	}
	return nil
}
