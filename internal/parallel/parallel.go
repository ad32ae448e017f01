// Package parallel provides the data-parallel loop used by the state
// kernels: a static split of an iteration cube over a fixed set of workers,
// each owning its own scratch buffer.
package parallel

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// EnvThreads overrides the default worker count when set to a positive integer.
const EnvThreads = "KVSTATE_NUM_THREADS"

// DefaultWorkers returns KVSTATE_NUM_THREADS when valid, else GOMAXPROCS.
func DefaultWorkers() int {
	if s := strings.TrimSpace(os.Getenv(EnvThreads)); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return max(runtime.GOMAXPROCS(0), 1)
}

// Arena holds one reusable float32 scratch buffer per worker. A worker only
// ever touches its own slot, so no locking is needed.
type Arena struct {
	bufs [][]float32
}

// NewArena returns an arena for the given number of workers (at least one).
func NewArena(workers int) *Arena {
	return &Arena{bufs: make([][]float32, max(workers, 1))}
}

// Workers returns the number of slots.
func (a *Arena) Workers() int { return len(a.bufs) }

// Scratch returns the handle for one worker's slot.
func (a *Arena) Scratch(worker int) Scratch {
	return Scratch{Worker: worker, buf: &a.bufs[worker]}
}

// Scratch is a worker's view of its arena slot.
type Scratch struct {
	Worker int
	buf    *[]float32
}

// Floats returns a buffer of length n, reusing the slot's allocation when it
// is large enough. Contents are unspecified.
func (s Scratch) Floats(n int) []float32 {
	if cap(*s.buf) < n {
		*s.buf = make([]float32, n)
	}
	return (*s.buf)[:n]
}

// For3D calls fn once for every (i, j, k) in [0,d0) x [0,d1) x [0,d2).
//
// The flattened iteration space is split into contiguous, balanced chunks,
// one per arena slot. Iterations must be independent. A worker stops at its
// first error; For3D waits for all workers and returns the first error.
func For3D(a *Arena, d0, d1, d2 int, fn func(s Scratch, i, j, k int) error) error {
	total := d0 * d1 * d2
	if total <= 0 {
		return nil
	}
	workers := min(a.Workers(), total)
	if workers == 1 {
		return runRange(a.Scratch(0), 0, total, d1, d2, fn)
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for w := range workers {
		start, end := Split(total, workers, w)
		g.Go(func() error {
			return runRange(a.Scratch(w), start, end, d1, d2, fn)
		})
	}
	return g.Wait()
}

// Split returns the [start, end) chunk of n items assigned to worker w out
// of workers. Chunk sizes differ by at most one.
func Split(n, workers, w int) (start, end int) {
	if workers <= 1 {
		return 0, n
	}
	big := (n + workers - 1) / workers
	small := big - 1
	nBig := n - small*workers
	if w < nBig {
		start = w * big
		return start, start + big
	}
	start = nBig*big + (w-nBig)*small
	return start, start + small
}

func runRange(s Scratch, start, end, d1, d2 int, fn func(s Scratch, i, j, k int) error) error {
	if start >= end {
		return nil
	}
	k := start % d2
	j := (start / d2) % d1
	i := start / (d1 * d2)
	for n := start; n < end; n++ {
		if err := fn(s, i, j, k); err != nil {
			return err
		}
		k++
		if k == d2 {
			k = 0
			j++
			if j == d1 {
				j = 0
				i++
			}
		}
	}
	return nil
}
