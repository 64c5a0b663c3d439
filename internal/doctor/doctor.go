package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/basket/flightrec/internal/bus"
	"github.com/basket/flightrec/internal/config"
	"github.com/basket/flightrec/internal/persistence"
	"github.com/basket/flightrec/internal/vcs"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkStateFile,
		checkDatabase,
		checkGit,
		checkWorkspace,
		checkEventBus,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Config", Status: "PASS", Message: "Using defaults (no config.yaml)", Detail: cfg.HomeDir}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

// checkStateFile inspects permissions without opening the file, so a
// missing file is not created as a side effect.
func checkStateFile(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "State File", Status: "SKIP", Message: "Config missing"}
	}
	path := cfg.StatePath()
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "State File", Status: "WARN", Message: "State file not created yet", Detail: path}
	}
	if err != nil {
		return CheckResult{Name: "State File", Status: "FAIL", Message: fmt.Sprintf("Stat failed: %v", err)}
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		return CheckResult{
			Name:    "State File",
			Status:  "FAIL",
			Message: fmt.Sprintf("Insecure permissions %04o", mode),
			Detail:  fmt.Sprintf("run: chmod 600 %q", path),
		}
	}
	return CheckResult{Name: "State File", Status: "PASS", Message: "Owner-only permissions (0600)", Detail: path}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.StatePath()); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "State file not created yet"}
	}

	store, err := persistence.Open(ctx, cfg.StatePath(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if err := store.IntegrityCheck(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Integrity check failed", Detail: err.Error()}
	}
	objects, err := persistence.SchemaObjects(ctx, store.DB())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "WAL mode, schema valid", Detail: fmt.Sprintf("%d tables and indexes", len(objects))}
}

func checkGit(ctx context.Context, _ *config.Config) CheckResult {
	path, err := exec.LookPath("git")
	if err != nil {
		return CheckResult{Name: "Git", Status: "FAIL", Message: "git binary not found on PATH"}
	}
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return CheckResult{Name: "Git", Status: "FAIL", Message: fmt.Sprintf("git --version failed: %v", err)}
	}
	return CheckResult{Name: "Git", Status: "PASS", Message: strings.TrimSpace(string(out)), Detail: path}
}

func checkWorkspace(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Workspace", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := exec.LookPath("git"); err != nil {
		return CheckResult{Name: "Workspace", Status: "SKIP", Message: "git missing"}
	}
	client := vcs.NewClient(cfg.WorkspaceDir, vcs.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	report := client.VerifyWorkspace(ctx)
	if report.Passed() {
		return CheckResult{Name: "Workspace", Status: "PASS", Message: "Clean working tree on a branch", Detail: cfg.WorkspaceDir}
	}

	var msgs []string
	status := "WARN"
	for _, v := range report.Violations {
		msgs = append(msgs, v.Message)
		if v.Kind == vcs.ViolationMissingHead {
			status = "FAIL"
		}
	}
	return CheckResult{
		Name:    "Workspace",
		Status:  status,
		Message: fmt.Sprintf("%d violation(s)", len(report.Violations)),
		Detail:  strings.Join(msgs, "; "),
	}
}

// checkEventBus reports whether a hub is answering on the configured
// socket. No hub is a warning, not a failure.
func checkEventBus(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Event Bus", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.Bus.SocketPath); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Event Bus", Status: "WARN", Message: "No hub socket", Detail: cfg.Bus.SocketPath}
	}

	start := time.Now()
	peer, err := bus.ConnectPeer(ctx, cfg.Bus.SocketPath,
		bus.WithConnectTimeout(2*time.Second),
		bus.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		return CheckResult{
			Name:    "Event Bus",
			Status:  "WARN",
			Message: "Stale socket, no hub answering",
			Detail:  err.Error(),
		}
	}
	defer peer.Close()
	return CheckResult{
		Name:    "Event Bus",
		Status:  "PASS",
		Message: fmt.Sprintf("Hub reachable (%dms)", time.Since(start).Milliseconds()),
		Detail:  cfg.Bus.SocketPath,
	}
}
