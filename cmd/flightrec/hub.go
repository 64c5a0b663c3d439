package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basket/flightrec/internal/audit"
	"github.com/basket/flightrec/internal/bus"
	"github.com/basket/flightrec/internal/config"
	"github.com/basket/flightrec/internal/maintenance"
	"github.com/basket/flightrec/internal/telemetry"
)

func newHubCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hub",
		Short: "Run the event bus hub until interrupted",
		Long: `Bind the event bus socket and relay STATE_CHANGE, PAUSE, RESUME and
LOG_STREAM messages between connected processes. A stale socket left by a
crashed hub is removed first. With maintenance enabled the hub also runs
scheduled WAL checkpoints and integrity checks on the state file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHub(cmd.Context(), opts)
		},
	}
}

func runHub(ctx context.Context, opts *rootOptions) error {
	rt, err := newRuntime(ctx, opts, "hub")
	if err != nil {
		return err
	}
	defer rt.Close()

	hub, err := bus.StartHub(ctx, rt.cfg.Bus.SocketPath,
		bus.WithLogger(rt.logger),
		bus.WithMetrics(rt.metrics),
		bus.WithQueueSize(rt.cfg.Bus.QueueSize),
		bus.WithDedupSize(rt.cfg.Bus.DedupSize),
	)
	if err != nil {
		return err
	}
	defer hub.Close()
	observe(ctx, hub, rt.logger, rt.audit)

	g, gctx := errgroup.WithContext(ctx)

	if rt.cfg.Maintenance.Enabled {
		store, err := rt.openStore(ctx)
		if err != nil {
			return err
		}
		sched, err := maintenance.NewScheduler(maintenance.Config{
			Store:          store,
			Logger:         rt.logger.With("component", "maintenance"),
			Schedule:       rt.cfg.Maintenance.Schedule,
			BackupSchedule: rt.cfg.Maintenance.BackupSchedule,
			BackupDir:      filepath.Join(rt.cfg.StateDir, "backups"),
			BackupKeep:     rt.cfg.Maintenance.BackupKeep,
		})
		if err != nil {
			return err
		}
		sched.Start(gctx)
		defer sched.Stop()
	}

	watcher := config.NewWatcher(rt.cfg.HomeDir, rt.logger)
	if err := watcher.Start(gctx); err != nil {
		rt.logger.Warn("config watcher unavailable", "error", err)
	} else {
		g.Go(func() error {
			for ev := range watcher.Events() {
				if ev.Err != nil {
					continue
				}
				rt.level.Set(telemetry.ParseLevel(ev.Config.LogLevel))
				rt.logger.Info("log level reloaded", "level", ev.Config.LogLevel)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return hub.Close()
	})

	rt.logger.Info("hub running", "socket", hub.SocketPath(), "source", hub.Source())
	err = g.Wait()
	rt.logger.Info("hub stopped")
	return err
}

// observe mirrors bus traffic into the hub's own log and audit trail.
func observe(ctx context.Context, hub *bus.Hub, logger *slog.Logger, trail *audit.Logger) {
	for _, topic := range bus.Topics {
		hub.Subscribe(topic, func(msg bus.Message) {
			switch p := msg.Payload.(type) {
			case bus.StateChange:
				logger.Info("state change", "source", msg.Source, "entity_type", p.EntityType,
					"entity_id", string(p.EntityID), "previous", p.PreviousStatus, "new", p.NewStatus)
			case bus.Pause:
				logger.Info("pause requested", "source", msg.Source, "requested_by", p.RequestedBy, "reason", p.Reason)
				_ = trail.Record(ctx, audit.Entry{Action: "pause", Outcome: "relayed", Subject: p.RequestedBy,
					Details: map[string]string{"reason": p.Reason, "source": msg.Source}})
			case bus.Resume:
				logger.Info("resume requested", "source", msg.Source, "requested_by", p.RequestedBy)
				_ = trail.Record(ctx, audit.Entry{Action: "resume", Outcome: "relayed", Subject: p.RequestedBy,
					Details: map[string]string{"source": msg.Source}})
			case bus.LogStream:
				logger.Log(ctx, telemetry.ParseLevel(string(p.Level)), p.Message,
					"source", msg.Source, "agent_id", p.AgentID, "stream_task_id", p.TaskID)
			}
		})
	}
}
