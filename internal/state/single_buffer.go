package state

import "github.com/samcharles93/kvstate/internal/tensor"

// SingleBuffer is a state whose operator reads and writes the same buffer.
type SingleBuffer struct {
	base
	internal tensor.Desc
	mem      *tensor.Tensor
}

// NewSingleBuffer allocates the buffer from the static form of internal.
func NewSingleBuffer(name string, external, internal tensor.Desc, opts ...Option) (*SingleBuffer, error) {
	if err := internal.Validate(); err != nil {
		return nil, constructionError(name, "%v", err)
	}
	mem, err := tensor.New(internal.Static())
	if err != nil {
		return nil, constructionError(name, "%v", err)
	}
	return NewSingleBufferFrom(name, external, internal, mem, opts...)
}

// NewSingleBufferFrom builds a state over a caller-provided buffer.
func NewSingleBufferFrom(name string, external, internal tensor.Desc, mem *tensor.Tensor, opts ...Option) (*SingleBuffer, error) {
	if mem == nil {
		return nil, constructionError(name, "single buffer needs a buffer")
	}
	if err := validateDescs(name, external, internal); err != nil {
		return nil, err
	}
	if err := initBuffer(name, mem, internal); err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	s := &SingleBuffer{
		base:     newBase(name, external, o),
		internal: internal,
		mem:      mem,
	}
	s.log.Debug("single buffer state created", "external", external, "internal", internal)
	return s, nil
}

func (s *SingleBuffer) SetState(t *tensor.Tensor) error {
	if err := s.load(s.mem, s.internal, t); err != nil {
		return err
	}
	s.reset = false
	s.log.Debug("state set", "dims", t.Dims(), "precision", t.DType())
	return nil
}

func (s *SingleBuffer) GetState() (*tensor.Tensor, error) {
	return s.export(s.mem)
}

func (s *SingleBuffer) Reset() {
	resetBuffer(s.mem, s.internal)
	s.reset = true
	s.log.Debug("state reset")
}

// Commit only clears the reset flag; the buffer already holds the new value.
func (s *SingleBuffer) Commit() {
	s.reset = false
	s.log.Trace("state committed")
}

func (s *SingleBuffer) InputMem() *tensor.Tensor  { return s.mem }
func (s *SingleBuffer) OutputMem() *tensor.Tensor { return s.mem }
func (s *SingleBuffer) InternalDesc() tensor.Desc { return s.internal }
