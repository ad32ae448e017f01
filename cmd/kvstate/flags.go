package main

import "github.com/urfave/cli/v3"

var (
	manifestPath string
	threads      int64
	logLevel     string
	logFormat    string
	debug        bool
)

// kvShape describes the built-in key/value manifest used when no manifest
// file is given.
type kvShape struct {
	layers    int64
	batch     int64
	heads     int64
	headSize  int64
	storage   string
	byChannel bool
	groupSize int64
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (trace, debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func manifestFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "manifest",
			Aliases:     []string{"m"},
			Usage:       "path to a state manifest (.yaml); defaults to a built-in kv cache layout",
			Destination: &manifestPath,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Aliases:     []string{"t"},
			Usage:       "worker threads per state (0 = KVSTATE_NUM_THREADS or GOMAXPROCS)",
			Destination: &threads,
		},
	}
}

func kvShapeFlags(s *kvShape) []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "layers",
			Usage:       "attention layers in the built-in layout",
			Value:       2,
			Destination: &s.layers,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"beams"},
			Usage:       "batch (beam) width",
			Value:       4,
			Destination: &s.batch,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Usage:       "kv heads per layer",
			Value:       8,
			Destination: &s.heads,
		},
		&cli.Int64Flag{
			Name:        "head-size",
			Usage:       "elements per head",
			Value:       64,
			Destination: &s.headSize,
		},
		&cli.StringFlag{
			Name:        "storage",
			Usage:       "cache storage precision (f32, f16, bf16, u8)",
			Value:       "f32",
			Destination: &s.storage,
		},
		&cli.BoolFlag{
			Name:        "by-channel",
			Usage:       "quantize u8 storage per channel across steps instead of per row group",
			Destination: &s.byChannel,
		},
		&cli.Int64Flag{
			Name:        "group-size",
			Usage:       "u8 quantization group size (0 = whole dimension)",
			Destination: &s.groupSize,
		},
	}
}
