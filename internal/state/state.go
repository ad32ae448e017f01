// Package state implements the variable states that carry tensors across
// inference steps: double-buffered and single-buffered states for generic
// recurrent values, and a key/value cache with beam indirection and
// optional u8 quantization.
//
// A state is driven by one orchestrator. Calls on a single state must not
// overlap; the only internal concurrency is the parallel loop inside the
// key/value cache's SetState and GetState.
package state

import (
	"slices"

	"github.com/samcharles93/kvstate/internal/logger"
	"github.com/samcharles93/kvstate/internal/parallel"
	"github.com/samcharles93/kvstate/internal/tensor"
)

// State is the capability set shared by every variable state.
type State interface {
	// Name identifies the state within a model.
	Name() string
	// ExternalDesc is the shape and precision seen by callers. Dimensions
	// may be undefined.
	ExternalDesc() tensor.Desc
	// SetState replaces the content with a copy of t, converting layout and
	// precision as needed, and clears the reset flag.
	SetState(t *tensor.Tensor) error
	// GetState returns the content in the external precision. The result
	// may alias internal memory when no conversion is needed.
	GetState() (*tensor.Tensor, error)
	// Reset returns the state to its initial content.
	Reset()
	// IsResetState reports whether the state holds its initial content.
	IsResetState() bool
	// Commit marks the end of an inference step.
	Commit()
}

// Buffers is implemented by states that expose the memory an operator reads
// from and writes to during a step.
type Buffers interface {
	InputMem() *tensor.Tensor
	OutputMem() *tensor.Tensor
	InternalDesc() tensor.Desc
}

// Variant names a state implementation for listings.
func Variant(s State) string {
	switch s.(type) {
	case *DoubleBuffer:
		return "double_buffer"
	case *SingleBuffer:
		return "single_buffer"
	case *KVCache:
		return "kv_cache"
	default:
		return "unknown"
	}
}

// ToStatic replaces every undefined dimension of d with 0.
func ToStatic(d tensor.Desc) tensor.Desc {
	return d.Static()
}

// Option configures a state at construction.
type Option func(*options)

type options struct {
	log     logger.Logger
	workers int
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithWorkers bounds the parallel loops of the key/value cache. Values below
// one select parallel.DefaultWorkers.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

func buildOptions(opts []Option) options {
	o := options{log: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 {
		o.workers = parallel.DefaultWorkers()
	}
	return o
}

// base holds what every variant shares: identity, the external descriptor
// and the reset flag.
type base struct {
	name     string
	external tensor.Desc
	reset    bool
	log      logger.Logger
}

func newBase(name string, external tensor.Desc, o options) base {
	return base{
		name:     name,
		external: external,
		reset:    true,
		log:      o.log.With(logger.StateKey, name),
	}
}

func (b *base) Name() string              { return b.name }
func (b *base) ExternalDesc() tensor.Desc { return b.external }
func (b *base) IsResetState() bool        { return b.reset }

// checkInput verifies that t can be stored under the external descriptor.
func (b *base) checkInput(t *tensor.Tensor) error {
	if t == nil {
		return shapeMismatch(b.name, "nil input tensor")
	}
	if t.Rank() != b.external.Rank() {
		return shapeMismatch(b.name, "input rank %d, expected %d", t.Rank(), b.external.Rank())
	}
	for i, d := range b.external.Dims {
		if d != tensor.Undefined && d != t.Dim(i) {
			return shapeMismatch(b.name, "input dims %v do not match %s", t.Dims(), b.external)
		}
	}
	return nil
}

// load copies t into mem, re-laying mem out as internal with t's dims first
// when the shapes differ.
func (b *base) load(mem *tensor.Tensor, internal tensor.Desc, t *tensor.Tensor) error {
	if err := b.checkInput(t); err != nil {
		return err
	}
	if t.Rank() != internal.Rank() {
		return shapeMismatch(b.name, "input rank %d, internal rank %d", t.Rank(), internal.Rank())
	}
	if !slices.Equal(mem.Dims(), t.Dims()) {
		if err := mem.Redefine(internal.CloneWithDims(t.Dims())); err != nil {
			return shapeMismatch(b.name, "%v", err)
		}
	}
	if err := mem.Load(t); err != nil {
		return shapeMismatch(b.name, "%v", err)
	}
	return nil
}

// export returns mem in the external precision and layout: a view when the
// layouts agree, a precision conversion when only the type differs, and a
// reordering copy otherwise.
func (b *base) export(mem *tensor.Tensor) (*tensor.Tensor, error) {
	if mem.Rank() != b.external.Rank() {
		return nil, shapeMismatch(b.name, "internal rank %d, external rank %d", mem.Rank(), b.external.Rank())
	}
	ext := b.external.CloneWithDims(mem.Dims())
	internal := mem.Desc()
	dense := mem.IsDense()
	if dense && ext.Compatible(internal) {
		return mem.View(), nil
	}

	out, err := tensor.New(ext)
	if err != nil {
		return nil, shapeMismatch(b.name, "%v", err)
	}
	if dense && ext.CloneWithDType(internal.DType).Compatible(internal) {
		err = tensor.Convert(out.Bytes(), ext.DType, mem.Bytes(), internal.DType, mem.NumElements())
	} else {
		err = out.Load(mem)
	}
	if err != nil {
		return nil, shapeMismatch(b.name, "%v", err)
	}
	return out, nil
}
