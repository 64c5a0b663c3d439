package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/flightrec/internal/audit"
	"github.com/basket/flightrec/internal/bus"
	"github.com/basket/flightrec/internal/config"
	"github.com/basket/flightrec/internal/lock"
	otelPkg "github.com/basket/flightrec/internal/otel"
	"github.com/basket/flightrec/internal/persistence"
	"github.com/basket/flightrec/internal/shared"
	"github.com/basket/flightrec/internal/telemetry"
	"github.com/basket/flightrec/internal/vcs"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// Exit codes. Each error kind gets its own so scripts can tell a missing
// task from a dirty workspace.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitUsage        = 2
	ExitNotFound     = 3
	ExitPrecondition = 4
	ExitIntegrity    = 5
	ExitExternalTool = 6
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(execute(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and maps the outcome to an exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	if details := shared.DetailsOf(err); len(details) > 0 {
		for _, d := range details {
			fmt.Fprintf(stderr, "  - %s\n", d)
		}
	}
	return exitCode(err)
}

func exitCode(err error) int {
	var usage *usageError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &usage):
		return ExitUsage
	case errors.Is(err, shared.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, shared.ErrPreconditionFailed):
		return ExitPrecondition
	case errors.Is(err, shared.ErrIntegrityViolation):
		return ExitIntegrity
	case errors.Is(err, shared.ErrExternalToolFailure):
		return ExitExternalTool
	default:
		return ExitFailure
	}
}

type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// rootOptions holds the persistent flags.
type rootOptions struct {
	Home      string
	Workspace string
	LogLevel  string
	JSON      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "flightrec",
		Short:         "Flight Recorder: task state, git commits and rewind",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	cmd.PersistentFlags().StringVar(&opts.Home, "home", "", "config and log directory (default $FLIGHTREC_HOME or ~/.flightrec)")
	cmd.PersistentFlags().StringVar(&opts.Workspace, "workspace", "", "git working tree (default from config, else current directory)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print results as JSON")

	cmd.AddCommand(newHubCommand(opts))
	cmd.AddCommand(newCompleteCommand(opts))
	cmd.AddCommand(newRewindCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newDoctorCommand(opts))
	cmd.AddCommand(newMaintainCommand(opts))
	cmd.AddCommand(newPauseCommand(opts))
	cmd.AddCommand(newResumeCommand(opts))
	return cmd
}

// runtime is everything a command needs, built once from the flags.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	level    *slog.LevelVar
	otel     *otelPkg.Provider
	metrics  *otelPkg.Metrics
	audit    *audit.Logger
	closers  []func() error
	quietLog bool
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	if opts.Workspace != "" {
		if err := os.Setenv("FLIGHTREC_WORKSPACE", opts.Workspace); err != nil {
			return config.Config{}, err
		}
	}
	home := opts.Home
	if home == "" {
		home = config.HomeDir()
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return cfg, err
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	return cfg, nil
}

// newRuntime loads config and sets up logging, telemetry and the audit
// trail. Logs stay file-only when stdout is a terminal so command output
// stays readable.
func newRuntime(ctx context.Context, opts *rootOptions, component string) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	rt := &runtime{cfg: cfg, quietLog: isatty.IsTerminal(os.Stdout.Fd()) || opts.JSON}

	logger, level, logFile, err := telemetry.NewLogger(cfg.HomeDir, telemetry.Options{
		Level:     cfg.LogLevel,
		Quiet:     rt.quietLog,
		Stdout:    os.Stderr,
		Component: component,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	rt.logger, rt.level = logger, level
	rt.closers = append(rt.closers, logFile.Close)

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Warn("otel init failed, continuing without telemetry", "error", err)
		provider = otelPkg.Disabled()
	}
	rt.otel = provider
	rt.closers = append(rt.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return provider.Shutdown(sctx)
	})
	if rt.metrics, err = otelPkg.NewMetrics(provider.Meter); err != nil {
		logger.Warn("metrics init failed", "error", err)
		rt.metrics = otelPkg.NoopMetrics()
	}

	if rt.audit, err = audit.Open(cfg.HomeDir); err != nil {
		logger.Warn("audit log unavailable", "error", err)
	}
	rt.closers = append(rt.closers, rt.audit.Close)
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i]()
	}
}

func (rt *runtime) openStore(ctx context.Context) (*persistence.Store, error) {
	store, err := persistence.Open(ctx, rt.cfg.StatePath(), rt.logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, store.Close)
	return store, nil
}

func (rt *runtime) git() *vcs.Client {
	return vcs.NewClient(rt.cfg.WorkspaceDir,
		vcs.WithIdentity(rt.cfg.Git.AuthorName, rt.cfg.Git.AuthorEmail),
		vcs.WithLockRetries(rt.cfg.Git.LockRetries),
		vcs.WithAllowEmpty(rt.cfg.Git.AllowEmpty),
		vcs.WithIgnores(vcs.IgnoreEntry(rt.cfg.WorkspaceDir, rt.cfg.StateDir)),
		vcs.WithLogger(rt.logger),
	)
}

// locker excludes other flightrec processes working on the same state dir.
func (rt *runtime) locker() *lock.ProjectLocker {
	return lock.NewProjectLocker(filepath.Join(rt.cfg.StateDir, "run", "locks"))
}

// publisher connects to a running hub. Without one, events are skipped: the
// bus is for live observers and nothing is queued for later.
func (rt *runtime) publisher(ctx context.Context) bus.Publisher {
	peer, err := bus.ConnectPeer(ctx, rt.cfg.Bus.SocketPath,
		bus.WithConnectTimeout(rt.cfg.ConnectTimeout()),
		bus.WithQueueSize(rt.cfg.Bus.QueueSize),
		bus.WithLogger(rt.logger),
		bus.WithMetrics(rt.metrics),
	)
	if err != nil {
		rt.logger.Debug("no event bus hub, events not published", "socket", rt.cfg.Bus.SocketPath, "error", err)
		return nil
	}
	rt.closers = append(rt.closers, peer.Close)
	return peer
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, &usageError{err: fmt.Errorf("invalid %s %q", what, arg)}
	}
	return id, nil
}
