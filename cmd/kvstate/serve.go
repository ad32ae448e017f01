package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvstate/internal/api"
	"github.com/samcharles93/kvstate/internal/logger"
	"github.com/samcharles93/kvstate/internal/registry"
)

func serveCmd() *cli.Command {
	var (
		shape       kvShape
		addr        string
		readTimeout time.Duration
	)

	flags := append([]cli.Flag{}, manifestFlags()...)
	flags = append(flags, kvShapeFlags(&shape)...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the state REST API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, cfg, &addr)

			m, source, err := resolveManifest(shape)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: manifest: %v", err), 1)
			}
			states, err := buildStates(ctx, m)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build states: %v", err), 1)
			}
			reg := registry.New(log)
			for _, s := range states {
				if _, err := reg.Add(s); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}

			server := api.NewServer(reg, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "manifest", source, "states", reg.Len())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
