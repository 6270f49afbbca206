package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/accountscope/common/window"
)

var (
	runEvent    string
	runHistory  bool
	runStart    string
	runEnd      string
	runInterval string
	runOutput   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Collect one invocation event and exit",
	Long: `run executes one invocation event and prints its summary as JSON or YAML.

The event is either given with --event (a JSON document, or "-" to read it
from stdin) or built from the --history, --start, --end and --interval flags:

  {"history": true, "start": "01-03-2024", "end": "31-03-2024", "interval": "DAILY"}

Without --history the window ending today is collected.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if runOutput != "json" && runOutput != "yaml" {
			return fmt.Errorf("unknown output format %q", runOutput)
		}
		ev, err := buildEvent(cmd.InOrStdin())
		if err != nil {
			return err
		}

		rt, err := newRuntime(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		sum, err := rt.service.Handle(ctx, ev)
		if sum != nil {
			if werr := writeSummary(cmd.OutOrStdout(), runOutput, sum); werr != nil && err == nil {
				err = werr
			}
		}
		if err != nil {
			return fmt.Errorf("run failed: %w", err)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runEvent, "event", "", `invocation event as JSON, or "-" to read it from stdin`)
	runCmd.Flags().BoolVar(&runHistory, "history", false, "backfill one window per day from --start to --end")
	runCmd.Flags().StringVar(&runStart, "start", "", "first as-of date of a history run (DD-MM-YYYY)")
	runCmd.Flags().StringVar(&runEnd, "end", "", "last as-of date of a history run (DD-MM-YYYY)")
	runCmd.Flags().StringVar(&runInterval, "interval", "", "DAILY, WEEKLY, MONTHLY or YEARLY (default DAILY)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "json", "summary format: json or yaml")
}

func writeSummary(w io.Writer, format string, sum any) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(sum); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

func buildEvent(stdin io.Reader) (window.Event, error) {
	switch runEvent {
	case "":
		return window.Event{History: runHistory, Start: runStart, End: runEnd, Interval: runInterval}, nil
	case "-":
		if stdin == nil {
			stdin = os.Stdin
		}
		b, err := io.ReadAll(stdin)
		if err != nil {
			return window.Event{}, fmt.Errorf("failed to read event: %w", err)
		}
		return window.DecodeEvent(b)
	default:
		return window.DecodeEvent([]byte(runEvent))
	}
}
