package state

import "github.com/samcharles93/kvstate/internal/tensor"

// DoubleBuffer is a state backed by two buffers used in ping-pong fashion.
//
// During a step the operator reads the prime buffer (InputMem) and writes
// the second one (OutputMem). Commit swaps the roles, so the value written
// in step k becomes the state read in step k+1.
type DoubleBuffer struct {
	base
	internal tensor.Desc
	mem      [2]*tensor.Tensor
	prime    int
}

// NewDoubleBuffer allocates both buffers from the static form of internal.
func NewDoubleBuffer(name string, external, internal tensor.Desc, opts ...Option) (*DoubleBuffer, error) {
	if err := internal.Validate(); err != nil {
		return nil, constructionError(name, "%v", err)
	}
	first, err := tensor.New(internal.Static())
	if err != nil {
		return nil, constructionError(name, "%v", err)
	}
	second, err := tensor.New(internal.Static())
	if err != nil {
		return nil, constructionError(name, "%v", err)
	}
	return NewDoubleBufferFrom(name, external, internal, first, second, opts...)
}

// NewDoubleBufferFrom builds a state over caller-provided buffers. first
// becomes the prime buffer. Both must be present and distinct.
func NewDoubleBufferFrom(name string, external, internal tensor.Desc, first, second *tensor.Tensor, opts ...Option) (*DoubleBuffer, error) {
	if first == nil || second == nil {
		return nil, constructionError(name, "double buffer needs two buffers")
	}
	if first == second {
		return nil, constructionError(name, "double buffer needs two distinct buffers")
	}
	if err := validateDescs(name, external, internal); err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	s := &DoubleBuffer{
		base:     newBase(name, external, o),
		internal: internal,
		mem:      [2]*tensor.Tensor{first, second},
	}
	if err := initBuffer(name, first, internal); err != nil {
		return nil, err
	}
	s.log.Debug("double buffer state created", "external", external, "internal", internal)
	return s, nil
}

// SetState loads t into the prime buffer.
func (s *DoubleBuffer) SetState(t *tensor.Tensor) error {
	if err := s.load(s.primeMem(), s.internal, t); err != nil {
		return err
	}
	s.reset = false
	s.log.Debug("state set", "dims", t.Dims(), "precision", t.DType())
	return nil
}

// GetState exports the prime buffer.
func (s *DoubleBuffer) GetState() (*tensor.Tensor, error) {
	return s.export(s.primeMem())
}

// Reset zero-fills both buffers at the static shape of the internal
// descriptor.
func (s *DoubleBuffer) Reset() {
	for _, m := range s.mem {
		resetBuffer(m, s.internal)
	}
	s.reset = true
	s.log.Debug("state reset")
}

// Commit swaps the prime and second buffers.
func (s *DoubleBuffer) Commit() {
	s.prime ^= 1
	s.reset = false
	s.log.Trace("state committed", "prime", s.prime)
}

func (s *DoubleBuffer) InputMem() *tensor.Tensor  { return s.primeMem() }
func (s *DoubleBuffer) OutputMem() *tensor.Tensor { return s.secondMem() }
func (s *DoubleBuffer) InternalDesc() tensor.Desc { return s.internal }

func (s *DoubleBuffer) primeMem() *tensor.Tensor  { return s.mem[s.prime] }
func (s *DoubleBuffer) secondMem() *tensor.Tensor { return s.mem[s.prime^1] }

func validateDescs(name string, external, internal tensor.Desc) error {
	if err := external.Validate(); err != nil {
		return constructionError(name, "external: %v", err)
	}
	if err := internal.Validate(); err != nil {
		return constructionError(name, "internal: %v", err)
	}
	if external.Rank() != internal.Rank() {
		return constructionError(name, "external rank %d, internal rank %d", external.Rank(), internal.Rank())
	}
	return nil
}

// initBuffer prepares a buffer at construction: a static internal shape is
// zero-filled in place, a dynamic one is re-laid out at its static form.
func initBuffer(name string, m *tensor.Tensor, internal tensor.Desc) error {
	if internal.IsDefined() {
		if m.Rank() != internal.Rank() {
			return constructionError(name, "buffer rank %d, internal rank %d", m.Rank(), internal.Rank())
		}
		m.Nullify()
		return nil
	}
	if err := m.Redefine(internal.Static()); err != nil {
		return constructionError(name, "%v", err)
	}
	return nil
}

func resetBuffer(m *tensor.Tensor, internal tensor.Desc) {
	// internal is validated at construction, so Redefine cannot fail here.
	_ = m.Redefine(internal.Static())
	m.Nullify()
}
