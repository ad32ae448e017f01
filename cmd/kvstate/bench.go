package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sys/cpu"

	"github.com/samcharles93/kvstate/internal/logger"
	"github.com/samcharles93/kvstate/internal/parallel"
	"github.com/samcharles93/kvstate/internal/state"
	"github.com/samcharles93/kvstate/internal/tensor"
)

type benchMode struct {
	name      string
	storage   tensor.DType
	byChannel bool
}

var benchModes = []benchMode{
	{name: "f32", storage: tensor.DTypeF32},
	{name: "f16", storage: tensor.DTypeF16},
	{name: "u8/group", storage: tensor.DTypeU8},
	{name: "u8/channel", storage: tensor.DTypeU8, byChannel: true},
}

func benchCmd() *cli.Command {
	var (
		shape      kvShape
		length     int64
		warmupRuns int64
		benchRuns  int64
	)

	flags := []cli.Flag{
		&cli.Int64Flag{
			Name:        "threads",
			Aliases:     []string{"t"},
			Usage:       "worker threads (0 = KVSTATE_NUM_THREADS or GOMAXPROCS)",
			Destination: &threads,
		},
		&cli.Int64Flag{
			Name:        "length",
			Aliases:     []string{"l"},
			Usage:       "history length in steps",
			Value:       512,
			Destination: &length,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       5,
			Destination: &benchRuns,
		},
	}
	// The layout flags other than storage apply; every mode is measured.
	for _, f := range kvShapeFlags(&shape) {
		switch f.Names()[0] {
		case "layers", "storage", "by-channel":
			continue
		}
		flags = append(flags, f)
	}

	return &cli.Command{
		Name:  "bench",
		Usage: "Time set_state and get_state of one kv cache in each storage mode",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if cfg.Threads != nil && !cmd.IsSet("threads") {
				threads = *cfg.Threads
			}
			workers := int(threads)
			if workers <= 0 {
				workers = parallel.DefaultWorkers()
			}
			if length <= 0 || benchRuns <= 0 {
				return cli.Exit("error: --length and --runs must be positive", 1)
			}

			dims := []int{int(length), int(shape.batch), int(shape.heads), int(shape.headSize)}
			input, err := randomInput(dims)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			fmt.Println("=== kvstate Benchmark ===")
			fmt.Printf("Shape:      %v (L, B, H, S)\n", dims)
			fmt.Printf("Group size: %d\n", shape.groupSize)
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Threads:    %d\n", workers)
			fmt.Printf("Features:   %s\n", cpuFeatures())
			fmt.Printf("Warmup:     %d runs\n", warmupRuns)
			fmt.Printf("Runs:       %d\n", benchRuns)
			fmt.Println()

			fmt.Println("=== Results ===")
			fmt.Printf("%-12s %12s %12s %12s\n", "Mode", "set_state", "get_state", "GB/s (get)")
			for _, mode := range benchModes {
				ext := tensor.NewDesc(tensor.DTypeF32, tensor.Undefined, dims[1], dims[2], dims[3])
				kv, err := state.NewKVCache("bench."+mode.name, ext, ext.CloneWithDType(mode.storage),
					mode.byChannel, int(shape.groupSize), state.WithWorkers(workers), state.WithLogger(log))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %s: %v", mode.name, err), 1)
				}
				for i := range int(warmupRuns) {
					log.Debug("warmup run", "mode", mode.name, "run", i+1)
					if _, _, err := timeRoundTrip(kv, input); err != nil {
						return cli.Exit(fmt.Sprintf("error: %s warmup: %v", mode.name, err), 1)
					}
				}
				var setTotal, getTotal time.Duration
				for range int(benchRuns) {
					set, get, err := timeRoundTrip(kv, input)
					if err != nil {
						return cli.Exit(fmt.Sprintf("error: %s: %v", mode.name, err), 1)
					}
					setTotal += set
					getTotal += get
				}
				n := time.Duration(benchRuns)
				get := getTotal / n
				gbps := float64(input.NumElements()*4) / get.Seconds() / 1e9
				fmt.Printf("%-12s %12s %12s %12.2f\n", mode.name,
					(setTotal / n).Round(time.Microsecond), get.Round(time.Microsecond), gbps)
			}

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

func timeRoundTrip(kv *state.KVCache, input *tensor.Tensor) (set, get time.Duration, err error) {
	start := time.Now()
	if err := kv.SetState(input); err != nil {
		return 0, 0, err
	}
	set = time.Since(start)
	start = time.Now()
	if _, err := kv.GetState(); err != nil {
		return 0, 0, err
	}
	return set, time.Since(start), nil
}

func randomInput(dims []int) (*tensor.Tensor, error) {
	n := tensor.NewDesc(tensor.DTypeF32, dims...).NumElements()
	rng := rand.New(rand.NewPCG(42, 42))
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = rng.Float32()*2 - 1
	}
	return tensor.FromFloat32(dims, vals)
}

func cpuFeatures() string {
	var out []string
	switch runtime.GOARCH {
	case "amd64", "386":
		for _, f := range []struct {
			name string
			ok   bool
		}{
			{"sse4.1", cpu.X86.HasSSE41},
			{"avx", cpu.X86.HasAVX},
			{"avx2", cpu.X86.HasAVX2},
			{"fma", cpu.X86.HasFMA},
			{"avx512f", cpu.X86.HasAVX512F},
		} {
			if f.ok {
				out = append(out, f.name)
			}
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			out = append(out, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			out = append(out, "fphp")
		}
		if cpu.ARM64.HasASIMDHP {
			out = append(out, "asimdhp")
		}
	}
	if len(out) == 0 {
		return "none detected"
	}
	return strings.Join(out, " ")
}
