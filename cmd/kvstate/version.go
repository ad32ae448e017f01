package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvstate/internal/version"
)

func versionCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print build information as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return printVersion(os.Stdout, version.Resolve(), asJSON)
		},
	}
}

// printVersion writes "kvstate <version> (<commit>)", followed by the build
// time and toolchain when known.
func printVersion(w io.Writer, info version.Info, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(info)
	}
	line := "kvstate " + info.String()
	if info.BuildTime != "" && info.BuildTime != info.Version {
		line += " built " + info.BuildTime
	}
	if info.GoVersion != "" {
		line += " " + info.GoVersion
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
