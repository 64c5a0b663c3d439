package main

import (
	"context"
	"fmt"
	"io"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/basket/flightrec/internal/bus"
	"github.com/basket/flightrec/internal/shared"
)

type pauseOptions struct {
	*rootOptions
	Reason string
	By     string
}

func newPauseCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &pauseOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Ask running agents to pause",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sendControl(cmd.Context(), opts, bus.Pause{Reason: opts.Reason, RequestedBy: requester(opts.By)}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "why the run is paused")
	cmd.Flags().StringVar(&opts.By, "by", "", "who is asking (default current user)")
	return cmd
}

func newResumeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &pauseOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Ask paused agents to resume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sendControl(cmd.Context(), opts, bus.Resume{RequestedBy: requester(opts.By)}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.By, "by", "", "who is asking (default current user)")
	return cmd
}

func requester(by string) string {
	if by != "" {
		return by
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}

// sendControl publishes a control payload. Unlike task events, a control
// request with no hub to carry it is an error.
func sendControl(ctx context.Context, opts *pauseOptions, payload bus.Payload, out io.Writer) error {
	rt, err := newRuntime(ctx, opts.rootOptions, "bus")
	if err != nil {
		return err
	}
	defer rt.Close()

	pub := rt.publisher(ctx)
	if pub == nil {
		return shared.PreconditionFailed("send "+string(payload.Topic()), "event bus",
			"no hub listening on "+rt.cfg.Bus.SocketPath)
	}
	if err := pub.Publish(payload.Topic(), payload); err != nil {
		return err
	}
	if opts.JSON {
		fmt.Fprintf(out, "{\"sent\":%q}\n", payload.Topic())
		return nil
	}
	fmt.Fprintf(out, "sent %s\n", payload.Topic())
	return nil
}
