package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/flightrec/internal/doctor"
)

var errDoctorFailed = errors.New("one or more checks failed")

func newDoctorCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runDoctor(ctx context.Context, opts *rootOptions, out, errOut io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(errOut, "Error loading config: %v\n", err)
		// Continue anyway to diagnose why.
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
	} else {
		fmt.Fprintf(out, "Flight Recorder Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Fprintln(out, "---")
		for _, res := range diag.Results {
			fmt.Fprintf(out, "[%-4s] %-12s: %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(out, "       %s\n", res.Detail)
			}
		}
	}

	if diag.Failed() {
		return errDoctorFailed
	}
	return nil
}
