package tensor

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
)

// Tensor is a strided view over an owned block of memory.
//
// A Tensor created by New, FromBytes or FromFloat32 is dense in its
// descriptor's order. Permute and View return tensors sharing the backing
// memory; writes through one are visible through the other.
type Tensor struct {
	dtype   DType
	dims    []int
	strides []int // in elements
	offset  int   // in elements
	data    []byte
}

// New allocates a zero-filled tensor laid out as desc. desc must be defined.
func New(desc Desc) (*Tensor, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if !desc.IsDefined() {
		return nil, fmt.Errorf("tensor: cannot allocate undefined shape %s", desc)
	}
	return &Tensor{
		dtype:   desc.DType,
		dims:    slices.Clone(desc.Dims),
		strides: desc.Strides(),
		data:    make([]byte, desc.Size()),
	}, nil
}

// MustNew is New for descriptors known to be valid.
func MustNew(desc Desc) *Tensor {
	t, err := New(desc)
	if err != nil {
		panic(err)
	}
	return t
}

// FromBytes wraps data, which must hold exactly one dense allocation of desc.
// The slice is not copied.
func FromBytes(desc Desc, data []byte) (*Tensor, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if !desc.IsDefined() {
		return nil, fmt.Errorf("tensor: cannot wrap undefined shape %s", desc)
	}
	if len(data) != desc.Size() {
		return nil, errRawSizeMismatch
	}
	return &Tensor{
		dtype:   desc.DType,
		dims:    slices.Clone(desc.Dims),
		strides: desc.Strides(),
		data:    data,
	}, nil
}

// FromFloat32 builds a row-major f32 tensor holding a copy of values.
func FromFloat32(dims []int, values []float32) (*Tensor, error) {
	t, err := New(NewDesc(DTypeF32, dims...))
	if err != nil {
		return nil, err
	}
	if len(values) != t.NumElements() {
		return nil, errRawSizeMismatch
	}
	if err := EncodeFloat32(t.data, DTypeF32, values); err != nil {
		return nil, err
	}
	return t, nil
}

// FromInt32 builds a row-major i32 tensor holding a copy of values.
func FromInt32(dims []int, values []int32) (*Tensor, error) {
	t, err := New(NewDesc(DTypeI32, dims...))
	if err != nil {
		return nil, err
	}
	if len(values) != t.NumElements() {
		return nil, errRawSizeMismatch
	}
	for i, v := range values {
		binary.LittleEndian.PutUint32(t.data[i*4:], uint32(v))
	}
	return t, nil
}

func (t *Tensor) DType() DType     { return t.dtype }
func (t *Tensor) Rank() int        { return len(t.dims) }
func (t *Tensor) Dims() []int      { return slices.Clone(t.dims) }
func (t *Tensor) Dim(i int) int    { return t.dims[i] }
func (t *Tensor) Strides() []int   { return slices.Clone(t.strides) }
func (t *Tensor) Stride(i int) int { return t.strides[i] }

// NumElements returns the logical element count.
func (t *Tensor) NumElements() int { return NewDesc(t.dtype, t.dims...).NumElements() }

// Capacity returns how many elements the backing allocation can hold.
func (t *Tensor) Capacity() int { return cap(t.data) / max(t.dtype.Size(), 1) }

// Desc describes t. For views the order is recovered from the strides.
func (t *Tensor) Desc() Desc {
	return Desc{DType: t.dtype, Dims: slices.Clone(t.dims), Order: orderFromStrides(t.dims, t.strides)}
}

// IsDense reports whether t covers its memory with no gaps and no offset.
func (t *Tensor) IsDense() bool {
	return t.offset == 0 && stridesEquivalent(t.dims, t.strides, t.Desc().Strides())
}

// Bytes returns the memory spanned by t, starting at its first element.
func (t *Tensor) Bytes() []byte {
	if t.NumElements() == 0 {
		return nil
	}
	span := 1
	for i, d := range t.dims {
		span += (d - 1) * t.strides[i]
	}
	size := t.dtype.Size()
	return t.data[t.offset*size : (t.offset+span)*size]
}

// ElemOffset returns the element offset of the given index into the backing
// memory. Missing trailing indices are treated as 0.
func (t *Tensor) ElemOffset(idx ...int) int {
	if len(idx) > len(t.dims) {
		panic("tensor: too many indices")
	}
	off := t.offset
	for i, v := range idx {
		if v < 0 || v >= t.dims[i] {
			panic(fmt.Sprintf("tensor: index %d out of range for dim %d (extent %d)", v, i, t.dims[i]))
		}
		off += v * t.strides[i]
	}
	return off
}

// Row returns the backing memory from the element at idx to the end of the
// allocation. Callers read as many elements as they need from it.
func (t *Tensor) Row(idx ...int) []byte {
	return t.data[t.ElemOffset(idx...)*t.dtype.Size():]
}

// Permute returns a view whose dimension i is dimension order[i] of t.
func (t *Tensor) Permute(order []int) *Tensor {
	if len(order) != len(t.dims) {
		panic("tensor: permute order does not match rank")
	}
	v := &Tensor{
		dtype:   t.dtype,
		dims:    make([]int, len(order)),
		strides: make([]int, len(order)),
		offset:  t.offset,
		data:    t.data,
	}
	for i, o := range order {
		v.dims[i] = t.dims[o]
		v.strides[i] = t.strides[o]
	}
	return v
}

// View returns a tensor sharing t's memory and geometry.
func (t *Tensor) View() *Tensor {
	return &Tensor{
		dtype:   t.dtype,
		dims:    slices.Clone(t.dims),
		strides: slices.Clone(t.strides),
		offset:  t.offset,
		data:    t.data,
	}
}

// Clone returns a dense deep copy of t in t's layout.
func (t *Tensor) Clone() *Tensor {
	c := MustNew(t.Desc())
	if err := c.Load(t); err != nil {
		panic(err)
	}
	return c
}

// Redefine re-lays t out as desc. The existing allocation is reused when it
// is large enough; element values are unspecified afterwards.
func (t *Tensor) Redefine(desc Desc) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if !desc.IsDefined() {
		return fmt.Errorf("tensor: cannot redefine to undefined shape %s", desc)
	}
	need := desc.Size()
	if cap(t.data) >= need {
		t.data = t.data[:need]
	} else {
		t.data = make([]byte, need)
	}
	t.dtype = desc.DType
	t.dims = slices.Clone(desc.Dims)
	t.strides = desc.Strides()
	t.offset = 0
	return nil
}

// Nullify zero-fills every element of t.
func (t *Tensor) Nullify() {
	clear(t.Bytes())
}

// Load copies src into t element by element, reordering between the two
// layouts and converting precision. Dims must match.
func (t *Tensor) Load(src *Tensor) error {
	if !slices.Equal(t.dims, src.dims) {
		return fmt.Errorf("tensor: cannot load %v into %v", src.dims, t.dims)
	}
	if t.NumElements() == 0 {
		return nil
	}
	if t.sameMemory(src) && t.offset == src.offset && slices.Equal(t.strides, src.strides) && t.dtype == src.dtype {
		return nil
	}
	if len(t.dims) == 0 {
		return Convert(t.Row(), t.dtype, src.Row(), src.dtype, 1)
	}

	last := len(t.dims) - 1
	inner := t.dims[last]
	contiguous := t.strides[last] == 1 && src.strides[last] == 1
	dstSize, srcSize := t.dtype.Size(), src.dtype.Size()

	idx := make([]int, last)
	for {
		dst := t.Row(idx...)
		s := src.Row(idx...)
		if contiguous {
			if err := Convert(dst, t.dtype, s, src.dtype, inner); err != nil {
				return err
			}
		} else {
			for j := range inner {
				d := dst[j*t.strides[last]*dstSize:]
				v := s[j*src.strides[last]*srcSize:]
				if err := Convert(d, t.dtype, v, src.dtype, 1); err != nil {
					return err
				}
			}
		}
		if !next(idx, t.dims[:last]) {
			return nil
		}
	}
}

// Float32s decodes every element in logical row-major order.
func (t *Tensor) Float32s() []float32 {
	dense := MustNew(NewDesc(DTypeF32, t.dims...))
	if err := dense.Load(t); err != nil {
		panic(err)
	}
	out := make([]float32, dense.NumElements())
	if err := DecodeFloat32(out, dense.data, DTypeF32); err != nil {
		panic(err)
	}
	return out
}

// Float32At decodes the element at idx.
func (t *Tensor) Float32At(idx ...int) float32 {
	var v [1]float32
	if err := DecodeFloat32(v[:], t.Row(idx...), t.dtype); err != nil {
		panic(err)
	}
	return v[0]
}

// Int32At reads the element at idx of an i32 tensor.
func (t *Tensor) Int32At(idx ...int) int32 {
	if t.dtype != DTypeI32 {
		panic("tensor: Int32At on " + t.dtype.String())
	}
	return int32(binary.LittleEndian.Uint32(t.Row(idx...)))
}

// SetInt32 writes the element at idx of an i32 tensor.
func (t *Tensor) SetInt32(v int32, idx ...int) {
	if t.dtype != DTypeI32 {
		panic("tensor: SetInt32 on " + t.dtype.String())
	}
	binary.LittleEndian.PutUint32(t.Row(idx...), uint32(v))
}

func (t *Tensor) sameMemory(o *Tensor) bool {
	return cap(t.data) > 0 && cap(o.data) > 0 && &t.data[:1][0] == &o.data[:1][0]
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s)", t.Desc())
}

// next advances a row-major multi-index; it reports false after the last one.
func next(idx, dims []int) bool {
	for i := len(idx) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < dims[i] {
			return true
		}
		idx[i] = 0
	}
	return false
}

func orderFromStrides(dims, strides []int) []int {
	order := identity(len(dims))
	sort.SliceStable(order, func(a, b int) bool {
		return strides[order[a]] > strides[order[b]]
	})
	return order
}

var (
	errRawSizeMismatch = fmtError("tensor: raw data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
