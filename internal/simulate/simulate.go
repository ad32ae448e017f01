// Package simulate drives a set of states through autoregressive decoding
// steps and checks every read against a float32 reference.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/samcharles93/kvstate/internal/logger"
	"github.com/samcharles93/kvstate/internal/state"
	"github.com/samcharles93/kvstate/internal/tensor"
)

type Options struct {
	Steps int
	Seed  uint64
	Log   logger.Logger
}

// StateReport summarizes one state over a run.
type StateReport struct {
	Name        string  `json:"name"`
	Variant     string  `json:"variant"`
	Storage     string  `json:"storage"`
	Quant       string  `json:"quant,omitempty"`
	Rows        int     `json:"rows"`
	MaxAbsError float64 `json:"max_abs_error"`
	Tolerance   float64 `json:"tolerance"`
	Reordered   int     `json:"reordered"`
	OK          bool    `json:"ok"`
}

type Report struct {
	Steps  int           `json:"steps"`
	Seed   uint64        `json:"seed"`
	States []StateReport `json:"states"`
}

// OK reports whether every state stayed within its tolerance.
func (r *Report) OK() bool {
	for _, s := range r.States {
		if !s.OK {
			return false
		}
	}
	return true
}

type stepper interface {
	step(rng *rand.Rand) error
	report() StateReport
}

// Run executes opts.Steps steps over states. Values are drawn from [-1, 1)
// with a generator seeded by opts.Seed, so runs are reproducible.
func Run(ctx context.Context, states []state.State, opts Options) (*Report, error) {
	if opts.Steps <= 0 {
		return nil, fmt.Errorf("simulate: steps must be positive, got %d", opts.Steps)
	}
	if len(states) == 0 {
		return nil, errors.New("simulate: no states")
	}
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}

	sims := make([]stepper, 0, len(states))
	for _, s := range states {
		sim, err := newStepper(s)
		if err != nil {
			return nil, err
		}
		sims = append(sims, sim)
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	for step := range opts.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, sim := range sims {
			if err := sim.step(rng); err != nil {
				return nil, fmt.Errorf("step %d: %w", step, err)
			}
		}
		log.Trace("simulation step done", "step", step)
	}

	report := &Report{Steps: opts.Steps, Seed: opts.Seed}
	for _, sim := range sims {
		report.States = append(report.States, sim.report())
	}
	log.Debug("simulation finished", "steps", opts.Steps, "states", len(sims), "ok", report.OK())
	return report, nil
}

func newStepper(s state.State) (stepper, error) {
	switch st := s.(type) {
	case *state.KVCache:
		return newKVSim(st)
	case state.Buffers:
		return newBufferSim(s, st.InternalDesc().DType)
	default:
		return nil, fmt.Errorf("simulate: state %q has no buffers", s.Name())
	}
}

// kvSim keeps the reference history in [length, batch, heads, size] order.
type kvSim struct {
	kv    *state.KVCache
	ext   tensor.Desc
	order []int

	batch, heads, size int
	length             int
	ref                []float32

	rep StateReport
}

func newKVSim(kv *state.KVCache) (*kvSim, error) {
	ext := kv.ExternalDesc()
	dense := kv.InternalDesc()
	order := dense.PhysicalOrder()
	if ext.Dims[order[0]] != tensor.Undefined {
		return nil, fmt.Errorf("simulate: state %q: history dimension %d is not dynamic", kv.Name(), order[0])
	}
	k := &kvSim{
		kv:    kv,
		ext:   ext,
		order: order,
		batch: ext.Dims[order[1]],
		heads: ext.Dims[order[2]],
		size:  ext.Dims[order[3]],
	}
	if k.batch <= 0 || k.heads <= 0 || k.size <= 0 {
		return nil, fmt.Errorf("simulate: state %q: batch, heads and size must be static in %s", kv.Name(), ext)
	}

	k.rep = StateReport{
		Name:    kv.Name(),
		Variant: state.Variant(kv),
		Storage: dense.DType.String(),
	}
	tol := relError(ext.DType) + relError(dense.DType)
	if kv.Quantized() {
		k.rep.Quant = "by_group"
		if kv.QuantByChannel() {
			k.rep.Quant = "by_channel"
		}
		// Rounding to the nearest level is off by at most half a step,
		// and a step spans at most 2/255 for values in [-1, 1).
		tol += 1.0 / 255
	}
	k.rep.Tolerance = tol + 1e-5
	return k, nil
}

func (k *kvSim) index(m, b, h int) int {
	return ((m*k.batch+b)*k.heads + h) * k.size
}

func (k *kvSim) step(rng *rand.Rand) error {
	for range k.batch * k.heads * k.size {
		k.ref = append(k.ref, rng.Float32()*2-1)
	}
	k.length++

	dims := slices.Clone(k.ext.Dims)
	dims[k.order[0]] = k.length
	in, err := tensor.New(tensor.NewDesc(tensor.DTypeF32, dims...))
	if err != nil {
		return err
	}
	view := in.Permute(k.order)
	for m := range k.length {
		for b := range k.batch {
			for h := range k.heads {
				if err := writeRow(view, k.ref[k.index(m, b, h):][:k.size], m, b, h); err != nil {
					return err
				}
			}
		}
	}
	if err := k.kv.SetState(in); err != nil {
		return err
	}

	beam := make([]int32, k.batch*k.length)
	for b := range k.batch {
		for m := range k.length {
			src := rng.IntN(k.batch)
			beam[b*k.length+m] = int32(src)
			if src != b {
				k.rep.Reordered++
			}
		}
	}
	table, err := tensor.FromInt32([]int{k.batch, k.length}, beam)
	if err != nil {
		return err
	}
	if err := k.kv.ValidateBeamTable(table); err != nil {
		return err
	}
	k.kv.AssignBeamTable(table)

	out, err := k.kv.GetState()
	if err != nil {
		return err
	}
	got := out.Permute(k.order)
	if got.Dim(0) != k.length {
		return fmt.Errorf("state %q: got %d rows, want %d", k.kv.Name(), got.Dim(0), k.length)
	}

	// The reordered history becomes the reference for the next step, as a
	// decoder adopts the surviving hypotheses.
	want := make([]float32, len(k.ref))
	for m := range k.length {
		for b := range k.batch {
			src := int(beam[b*k.length+m])
			for h := range k.heads {
				copy(want[k.index(m, b, h):][:k.size], k.ref[k.index(m, src, h):][:k.size])
				for j := range k.size {
					k.observe(got.Float32At(m, b, h, j), want[k.index(m, b, h)+j])
				}
			}
		}
	}
	k.ref = want
	k.kv.Commit()
	return nil
}

func (k *kvSim) observe(got, want float32) {
	k.rep.MaxAbsError = max(k.rep.MaxAbsError, math.Abs(float64(got)-float64(want)))
}

func (k *kvSim) report() StateReport {
	r := k.rep
	r.Rows = k.length
	r.OK = r.MaxAbsError <= r.Tolerance
	return r
}

// bufferSim writes a fresh random tensor every step and reads it back.
type bufferSim struct {
	s    state.State
	dims []int
	rep  StateReport
}

func newBufferSim(s state.State, storage tensor.DType) (*bufferSim, error) {
	ext := s.ExternalDesc()
	dims := make([]int, ext.Rank())
	for i, d := range ext.Dims {
		dims[i] = d
		if d == tensor.Undefined {
			dims[i] = 1
		}
	}
	tol := relError(ext.DType) + relError(storage) + 1e-6
	if !storage.IsFloat() {
		// Integer storage rounds and saturates values in [-1, 1).
		tol += 1
	}
	return &bufferSim{
		s:    s,
		dims: dims,
		rep: StateReport{
			Name:      s.Name(),
			Variant:   state.Variant(s),
			Storage:   storage.String(),
			Tolerance: tol,
		},
	}, nil
}

func (b *bufferSim) step(rng *rand.Rand) error {
	n := tensor.NewDesc(tensor.DTypeF32, b.dims...).NumElements()
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = rng.Float32()*2 - 1
	}
	in, err := tensor.FromFloat32(b.dims, vals)
	if err != nil {
		return err
	}
	if err := b.s.SetState(in); err != nil {
		return err
	}
	out, err := b.s.GetState()
	if err != nil {
		return err
	}
	got := out.Float32s()
	if len(got) != n {
		return fmt.Errorf("state %q: got %d values, want %d", b.s.Name(), len(got), n)
	}
	for i, v := range got {
		b.rep.MaxAbsError = max(b.rep.MaxAbsError, math.Abs(float64(v)-float64(vals[i])))
	}
	b.rep.Rows++
	b.s.Commit()
	return nil
}

func (b *bufferSim) report() StateReport {
	r := b.rep
	r.OK = r.MaxAbsError <= r.Tolerance
	return r
}

func writeRow(view *tensor.Tensor, vals []float32, m, b, h int) error {
	if view.Stride(3) == 1 {
		return tensor.EncodeFloat32(view.Row(m, b, h), tensor.DTypeF32, vals)
	}
	for j, v := range vals {
		if err := tensor.EncodeFloat32(view.Row(m, b, h, j), tensor.DTypeF32, []float32{v}); err != nil {
			return err
		}
	}
	return nil
}

// relError bounds the rounding error of dt for values of magnitude below one.
func relError(dt tensor.DType) float64 {
	switch dt {
	case tensor.DTypeF16:
		return 1.0 / 2048
	case tensor.DTypeBF16:
		return 1.0 / 256
	default:
		return 0
	}
}
