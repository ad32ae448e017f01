package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"slices"
	"strconv"
	"strings"
)

// Undefined marks a dynamic dimension whose extent is only known at run time.
const Undefined = -1

// Desc describes the shape, precision and memory layout of a tensor.
//
// Dims are logical dimensions. Order lists the logical dimensions from the
// outermost physical position to the innermost one, so a plain row-major
// layout is the identity permutation. A nil Order means identity.
type Desc struct {
	DType DType
	Dims  []int
	Order []int
}

// NewDesc returns a row-major descriptor.
func NewDesc(dt DType, dims ...int) Desc {
	return Desc{DType: dt, Dims: slices.Clone(dims)}
}

// WithOrder returns a copy of d laid out in the given physical order.
func (d Desc) WithOrder(order ...int) Desc {
	return Desc{DType: d.DType, Dims: slices.Clone(d.Dims), Order: slices.Clone(order)}
}

func (d Desc) Rank() int { return len(d.Dims) }

// IsDefined reports whether every dimension has a concrete extent.
func (d Desc) IsDefined() bool {
	for _, v := range d.Dims {
		if v < 0 {
			return false
		}
	}
	return true
}

// Static replaces every undefined dimension with 0. The result is the shape
// of an empty state tensor.
func (d Desc) Static() Desc {
	dims := make([]int, len(d.Dims))
	for i, v := range d.Dims {
		dims[i] = max(v, 0)
	}
	return d.CloneWithDims(dims)
}

// CloneWithDims keeps precision and layout and swaps the dimensions. The
// rank must not change.
func (d Desc) CloneWithDims(dims []int) Desc {
	if len(dims) != len(d.Dims) {
		panic(fmt.Sprintf("tensor: rank mismatch cloning %s with %d dims", d, len(dims)))
	}
	return Desc{DType: d.DType, Dims: slices.Clone(dims), Order: slices.Clone(d.Order)}
}

// CloneWithDType keeps shape and layout and swaps the precision.
func (d Desc) CloneWithDType(dt DType) Desc {
	return Desc{DType: dt, Dims: slices.Clone(d.Dims), Order: slices.Clone(d.Order)}
}

// PhysicalOrder returns Order, or the identity permutation when Order is nil.
func (d Desc) PhysicalOrder() []int {
	if d.Order == nil {
		return identity(len(d.Dims))
	}
	return slices.Clone(d.Order)
}

// Validate checks the precision, the dimension values and that Order is a
// permutation of the logical dimensions.
func (d Desc) Validate() error {
	if d.DType.Size() == 0 {
		return fmt.Errorf("tensor: unknown precision in %s", d)
	}
	for i, v := range d.Dims {
		if v < Undefined {
			return fmt.Errorf("tensor: invalid extent %d at dim %d", v, i)
		}
	}
	if _, ok := denseSize(d.Dims, d.DType.Size()); !ok {
		return fmt.Errorf("tensor: %s overflows the addressable size", d)
	}
	if d.Order == nil {
		return nil
	}
	if len(d.Order) != len(d.Dims) {
		return fmt.Errorf("tensor: order %v does not match rank %d", d.Order, len(d.Dims))
	}
	seen := make([]bool, len(d.Order))
	for _, o := range d.Order {
		if o < 0 || o >= len(seen) || seen[o] {
			return fmt.Errorf("tensor: order %v is not a permutation", d.Order)
		}
		seen[o] = true
	}
	return nil
}

// Strides returns the per logical dimension distance, in elements, between
// neighbouring elements of a dense allocation of d. Undefined dims count as 0.
func (d Desc) Strides() []int {
	order := d.PhysicalOrder()
	strides := make([]int, len(d.Dims))
	acc := 1
	for p := len(order) - 1; p >= 0; p-- {
		dim := order[p]
		strides[dim] = acc
		acc *= max(d.Dims[dim], 0)
	}
	return strides
}

// NumElements returns the element count; 0 when any dim is undefined or zero.
func (d Desc) NumElements() int {
	n := 1
	for _, v := range d.Dims {
		if v <= 0 {
			return 0
		}
		n *= v
	}
	return n
}

// denseSize returns the product of the defined extents and elemSize. ok is
// false when the product does not fit in an int. Undefined or zero extents
// give 0.
func denseSize(dims []int, elemSize int) (n int, ok bool) {
	for _, v := range dims {
		if v <= 0 {
			return 0, true
		}
	}
	acc := uint64(max(elemSize, 1))
	for _, v := range dims {
		hi, lo := bits.Mul64(acc, uint64(v))
		if hi != 0 || lo > math.MaxInt {
			return 0, false
		}
		acc = lo
	}
	return int(acc), true
}

// ElementCount returns the element count of dims, or an error when it
// overflows int. Negative extents are rejected.
func ElementCount(dims []int) (int, error) {
	for i, v := range dims {
		if v < 0 {
			return 0, fmt.Errorf("tensor: invalid extent %d at dim %d", v, i)
		}
	}
	n, ok := denseSize(dims, 1)
	if !ok {
		return 0, fmt.Errorf("tensor: dims %v overflow the addressable size", dims)
	}
	return n, nil
}

// Size returns the byte size of a dense allocation of d.
func (d Desc) Size() int {
	return d.NumElements() * d.DType.Size()
}

// Compatible reports whether memory laid out as d can be read as o without
// any copy: same precision and dims, and the same stride on every dimension
// that has more than one element.
func (d Desc) Compatible(o Desc) bool {
	if d.DType != o.DType || !slices.Equal(d.Dims, o.Dims) {
		return false
	}
	if !d.IsDefined() {
		return slices.Equal(d.PhysicalOrder(), o.PhysicalOrder())
	}
	return stridesEquivalent(d.Dims, d.Strides(), o.Strides())
}

// Equal compares precision, dims and physical order.
func (d Desc) Equal(o Desc) bool {
	return d.DType == o.DType &&
		slices.Equal(d.Dims, o.Dims) &&
		slices.Equal(d.PhysicalOrder(), o.PhysicalOrder())
}

func (d Desc) String() string {
	var b strings.Builder
	b.WriteString(d.DType.String())
	b.WriteByte('[')
	for i, v := range d.Dims {
		if i > 0 {
			b.WriteByte(',')
		}
		if v == Undefined {
			b.WriteByte('?')
		} else {
			b.WriteString(strconv.Itoa(v))
		}
	}
	b.WriteByte(']')
	if d.Order != nil && !slices.Equal(d.Order, identity(len(d.Order))) {
		fmt.Fprintf(&b, "{order %v}", d.Order)
	}
	return b.String()
}

// ParseDims parses a comma separated dimension list where "?" or -1 marks an
// undefined dimension, e.g. "?,2,4,8".
func ParseDims(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("tensor: empty dimension list")
	}
	parts := strings.Split(s, ",")
	dims := make([]int, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "?" {
			dims[i] = Undefined
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil || v < Undefined {
			return nil, fmt.Errorf("tensor: invalid dimension %q", p)
		}
		dims[i] = v
	}
	return dims, nil
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func stridesEquivalent(dims, a, b []int) bool {
	for i, v := range dims {
		if v > 1 && a[i] != b[i] {
			return false
		}
	}
	return true
}
