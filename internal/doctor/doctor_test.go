package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/flightrec/internal/bus"
	"github.com/basket/flightrec/internal/config"
	"github.com/basket/flightrec/internal/persistence"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("FLIGHTREC_WORKSPACE", "")
	t.Setenv("FLIGHTREC_STATE_DIR", "")
	t.Setenv("FLIGHTREC_SOCKET", "")
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	dir, err := os.MkdirTemp("", "frdoc")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg.WorkspaceDir = dir
	cfg.StateDir = filepath.Join(dir, ".devs")
	cfg.Bus.SocketPath = bus.DefaultSocketPath(cfg.StateDir)
	return &cfg
}

func TestCheckStateFile_MissingIsWarning(t *testing.T) {
	cfg := testConfig(t)
	if got := checkStateFile(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("status = %s, want WARN (%+v)", got.Status, got)
	}
	if got := checkDatabase(context.Background(), cfg); got.Status != "SKIP" {
		t.Fatalf("database status = %s, want SKIP", got.Status)
	}
	if _, err := os.Stat(cfg.StatePath()); !os.IsNotExist(err) {
		t.Fatalf("doctor must not create the state file, stat err = %v", err)
	}
}

func TestCheckStateFile_InsecurePermissions(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.StatePath(), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chmod(cfg.StatePath(), 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	if got := checkStateFile(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("status = %s, want FAIL", got.Status)
	}
	if got := checkDatabase(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("database status = %s, want FAIL", got.Status)
	}
}

func TestCheckDatabase_Pass(t *testing.T) {
	cfg := testConfig(t)
	store, err := persistence.Open(context.Background(), cfg.StatePath(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store.Close()

	if got := checkStateFile(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("state file status = %s, want PASS (%+v)", got.Status, got)
	}
	if got := checkDatabase(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("database status = %s, want PASS (%+v)", got.Status, got)
	}
}

func TestCheckEventBus(t *testing.T) {
	cfg := testConfig(t)
	if got := checkEventBus(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("no hub: status = %s, want WARN", got.Status)
	}

	hub, err := bus.StartHub(context.Background(), cfg.Bus.SocketPath)
	if err != nil {
		t.Fatalf("start hub: %v", err)
	}
	defer hub.Close()
	if got := checkEventBus(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("hub running: status = %s, want PASS (%+v)", got.Status, got)
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatalf("expected a failing diagnosis for nil config")
	}
	for _, r := range d.Results {
		if r.Name == "Config" && r.Status != "FAIL" {
			t.Fatalf("config status = %s, want FAIL", r.Status)
		}
		if r.Name == "Database" && r.Status != "SKIP" {
			t.Fatalf("database status = %s, want SKIP", r.Status)
		}
	}
}
