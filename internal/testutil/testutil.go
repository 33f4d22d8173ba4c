package testutil

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/allaspectsdev/switchyard/internal/config"
	"github.com/allaspectsdev/switchyard/internal/registry"
	"github.com/allaspectsdev/switchyard/internal/store"
)

// NewTestStore creates a SQLite store in a temporary directory.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), store.FileName))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// NewTestConfig returns a valid config rooted in a temporary directory, with
// no providers configured.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Cache.RootPath = filepath.Join(cfg.Server.DataDir, "cache")
	cfg.Providers = nil
	return cfg
}

// NewUpstream starts an httptest server closed when the test completes.
func NewUpstream(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// FlatProvider returns an enabled flat-kind provider pointing at baseURL.
func FlatProvider(service registry.Service, name, baseURL string, priority int, ops ...registry.Operation) registry.Provider {
	return registry.Provider{
		Service:      service,
		Name:         name,
		Kind:         registry.KindFlat,
		BaseEndpoint: baseURL,
		Priority:     priority,
		Enabled:      true,
		Limit:        registry.Limit{MaxRequests: 100, Window: time.Minute},
		Timeout:      2 * time.Second,
		Capabilities: ops,
	}
}

// WriteFile writes content to a file in the given directory.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	return path
}
