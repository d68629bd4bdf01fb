package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	pacerrors "github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/errors"
)

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run a sequence of synchronized capture rounds",
		Description: `Each round probes the nodes, schedules a common start instant on the
next time-grid boundary, waits until every participant reports completion
and hands the new recordings to the retrieval stage.

Duration and repetitions default to the run section of the configuration.`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "duration",
				Aliases: []string{"d"},
				Usage:   "capture duration per round (e.g. 15s)",
			},
			&cli.IntFlag{
				Name:    "repetitions",
				Aliases: []string{"n"},
				Usage:   "number of rounds",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			duration := a.cfg.Run.GetDuration()
			if cmd.IsSet("duration") {
				duration = cmd.Duration("duration")
			}
			repetitions := a.cfg.Run.Repetitions
			if cmd.IsSet("repetitions") {
				repetitions = int(cmd.Int("repetitions"))
			}

			orch, ret, err := a.orchestrator()
			if err != nil {
				return err
			}

			stopMetrics := a.serveMetrics(ctx)
			defer stopMetrics()

			a.logger.Info("Starting capture sequence",
				slog.Duration("duration", duration),
				slog.Int("repetitions", repetitions),
				slog.Int("nodes", len(a.cfg.Nodes)))

			summary, err := orch.Run(ctx, duration, repetitions)

			stats := ret.GetStatistics()
			a.logger.Info("Capture sequence finished",
				slog.Uint64("files_fetched", stats.FilesFetched),
				slog.Uint64("files_failed", stats.FilesFailed),
				slog.Int64("bytes_fetched", stats.BytesFetched))

			if summary != nil {
				if werr := printJSON(os.Stdout, summary); werr != nil {
					return werr
				}
			}
			return err
		},
	}
}

func probeCmd() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Check which nodes accept command connections",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			alive := a.scheduler.ProbeNodes(ctx)

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NODE\tADDRESS\tRESPONSIVE")
			for _, n := range a.scheduler.Nodes() {
				fmt.Fprintf(tw, "%s\t%s\t%t\n", n.Name(), n.Address(), n.IsResponsive())
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if len(alive) < len(a.cfg.Nodes) {
				return pacerrors.NewWithContext(pacerrors.ErrCodePartialFailure,
					fmt.Sprintf("%d of %d nodes responsive", len(alive), len(a.cfg.Nodes)), nil)
			}
			return nil
		},
	}
}

func filesCmd() *cli.Command {
	return &cli.Command{
		Name:  "files",
		Usage: "List the recordings of each node's last round",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			listings, err := a.scheduler.ListFiles(ctx)
			if listings != nil {
				if werr := printJSON(os.Stdout, listings); werr != nil {
					return werr
				}
			}
			return err
		},
	}
}

func fetchCmd() *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "Copy the recordings every node currently lists to local storage",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			orch, _, err := a.orchestrator()
			if err != nil {
				return err
			}

			report, err := orch.FetchListed(ctx)
			if report != nil {
				if werr := printJSON(os.Stdout, report); werr != nil {
					return werr
				}
			}
			return err
		},
	}
}

func resetCmd() *cli.Command {
	return &cli.Command{
		Name:      "reset",
		Usage:     "Clear capture state and file listings on nodes",
		ArgsUsage: "[node...]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			names := cmd.Args().Slice()
			if err := a.scheduler.ResetNodes(ctx, names...); err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintf(os.Stdout, "reset %d nodes\n", len(a.cfg.Nodes))
			} else {
				fmt.Fprintf(os.Stdout, "reset %d nodes\n", len(names))
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := printJSON(w, v); err != nil {
		slog.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}
