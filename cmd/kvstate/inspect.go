package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvstate/internal/registry"
)

func inspectCmd() *cli.Command {
	var (
		shape    kvShape
		asJSON   bool
		showYAML bool
	)

	flags := append([]cli.Flag{}, manifestFlags()...)
	flags = append(flags, kvShapeFlags(&shape)...)
	flags = append(flags,
		&cli.BoolFlag{Name: "json", Usage: "print state summaries as JSON", Destination: &asJSON},
		&cli.BoolFlag{Name: "yaml", Usage: "print the resolved manifest as YAML", Destination: &showYAML},
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print the states a manifest defines",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyManifestConfig(cmd, cfg)

			m, source, err := resolveManifest(shape)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: manifest: %v", err), 1)
			}
			if showYAML {
				data, err := m.Marshal()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: marshal manifest: %v", err), 1)
				}
				_, err = os.Stdout.Write(data)
				return err
			}

			states, err := buildStates(ctx, m)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build states: %v", err), 1)
			}
			reg := registry.New(nil)
			for _, s := range states {
				if _, err := reg.Add(s); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			infos := reg.Describe()

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"manifest": source,
					"states":   infos,
				})
			}
			fmt.Printf("Manifest: %s\n", source)
			fmt.Printf("States:   %d\n\n", len(infos))
			return printInfos(os.Stdout, infos)
		},
	}
}

func printInfos(w io.Writer, infos []registry.Info) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tVARIANT\tEXTERNAL\tINTERNAL")
	for _, info := range infos {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Name, info.Variant, info.External, info.Internal)
	}
	return tw.Flush()
}
