package offline

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/storage"
)

const testConfig = `
origin: https://api.example.com
database: memory
cache: app
preflight:
  pattern: ^https://api\.example\.com/
  timeout: 5s
endpoints:
  - prefix: /orders
    store: orders
    idField: id
    strategy: cache-first
rules:
  - event: beforeSyncRequest
    when: Method == "DELETE"
    action: skip
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if config.Origin != "https://api.example.com" || config.Cache != "app" {
		t.Fatalf("unexpected config %+v", config)
	}
	if config.Driver != storage.DriverSQLite {
		t.Fatalf("driver default not kept: %q", config.Driver)
	}
	if config.Preflight.Timeout != 5*time.Second {
		t.Fatalf("preflight timeout is %v", config.Preflight.Timeout)
	}
	if len(config.Endpoints) != 1 || config.Endpoints[0].Store != "orders" || config.Endpoints[0].IDField != "id" {
		t.Fatalf("unexpected endpoints %+v", config.Endpoints)
	}
	if len(config.Rules) != 1 || config.Rules[0].Action != "skip" {
		t.Fatalf("unexpected rules %+v", config.Rules)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if config.Cache != cache.DefaultName || config.Database == "" {
		t.Fatalf("unexpected defaults %+v", config)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("OFFLINE_ORIGIN", "http://localhost:9000")
	t.Setenv("OFFLINE_START_OFFLINE", "true")
	t.Setenv("OFFLINE_PREFLIGHT_TIMEOUT", "1m")

	config, err := LoadConfig(writeConfig(t, testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if config.Origin != "http://localhost:9000" {
		t.Fatalf("origin is %q", config.Origin)
	}
	if !config.Offline {
		t.Fatal("offline not set from env")
	}
	if config.Preflight.Timeout != time.Minute {
		t.Fatalf("preflight timeout is %v", config.Preflight.Timeout)
	}
	if config.Preflight.Pattern == "" {
		t.Fatal("preflight pattern from file lost")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := LoadConfig(writeConfig(t, "origin: [")); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
	t.Setenv("OFFLINE_PREFLIGHT_TIMEOUT", "soon")
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestOpenFromConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, testConfig))
	if err != nil {
		t.Fatal(err)
	}
	config.Database = filepath.Join(t.TempDir(), "offline.db")

	app, err := Open(context.Background(), config, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer app.Close()
	if app.Proxy == nil {
		t.Fatal("proxy not created")
	}
	if endpoint := app.Keys.Endpoints().Find(httptest.NewRequest("GET", "https://api.example.com/orders", nil)); endpoint == nil || endpoint.Store != "orders" {
		t.Fatalf("endpoint not registered: %+v", endpoint)
	}
	has, err := app.Caches.Has(context.Background(), "app")
	if err != nil || !has {
		t.Fatalf("cache not opened: %v %v", has, err)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	if _, err := Open(context.Background(), FileConfig{Database: MemoryDatabase, Origin: "not a url"}, nil); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
	_, err := Open(context.Background(), FileConfig{
		Database: MemoryDatabase,
		Rules:    []SyncRule{{Event: "beforeSyncRequest", Action: "dance"}},
	}, nil)
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
}
