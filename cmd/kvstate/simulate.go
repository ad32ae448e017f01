package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvstate/internal/logger"
	"github.com/samcharles93/kvstate/internal/simulate"
)

func simulateCmd() *cli.Command {
	var (
		shape  kvShape
		steps  int64
		seed   int64
		asJSON bool
	)

	flags := append([]cli.Flag{}, manifestFlags()...)
	flags = append(flags, kvShapeFlags(&shape)...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "decoding steps to simulate",
			Value:       16,
			Destination: &steps,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed for values and beam tables",
			Value:       1,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the report as JSON",
			Destination: &asJSON,
		},
	)

	return &cli.Command{
		Name:  "simulate",
		Usage: "Run decoding steps over the states and verify every read",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyManifestConfig(cmd, cfg)

			m, source, err := resolveManifest(shape)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: manifest: %v", err), 1)
			}
			states, err := buildStates(ctx, m)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build states: %v", err), 1)
			}

			log.Info("simulating", "manifest", source, "states", len(states), "steps", steps, "seed", seed)
			start := time.Now()
			report, err := simulate.Run(ctx, states, simulate.Options{
				Steps: int(steps),
				Seed:  uint64(seed),
				Log:   log,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: simulate: %v", err), 1)
			}
			log.Info("simulation done", "elapsed", time.Since(start).Round(time.Millisecond), "ok", report.OK())

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else if err := printReport(os.Stdout, report); err != nil {
				return err
			}
			if !report.OK() {
				return cli.Exit("error: some states exceeded their tolerance", 1)
			}
			return nil
		},
	}
}

func printReport(w io.Writer, r *simulate.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STATE\tVARIANT\tSTORAGE\tROWS\tREORDERED\tMAX ERR\tTOL\tOK")
	for _, s := range r.States {
		storage := s.Storage
		if s.Quant != "" {
			storage += "/" + s.Quant
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%.3g\t%.3g\t%t\n",
			s.Name, s.Variant, storage, s.Rows, s.Reordered, s.MaxAbsError, s.Tolerance, s.OK)
	}
	return tw.Flush()
}
