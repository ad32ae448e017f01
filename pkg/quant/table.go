package quant

import "fmt"

// Table stores float32 scale/zero-point values in a rank-4 row-major array.
//
// Per-group tables are indexed [steps, batch, heads, 2*groups] with the
// scale at even and the zero point at odd positions of the last axis.
// Per-channel tables are indexed [2*groups, batch, heads, size] with the
// scale row of group g at 2g and its zero-point row at 2g+1.
type Table struct {
	Dims [4]int
	Data []float32
}

// NewTable allocates a zero-filled table.
func NewTable(d0, d1, d2, d3 int) *Table {
	if d0 < 0 || d1 < 0 || d2 < 0 || d3 < 0 {
		panic("quant: negative table dimension")
	}
	return &Table{
		Dims: [4]int{d0, d1, d2, d3},
		Data: make([]float32, d0*d1*d2*d3),
	}
}

// Len returns the number of float32 values in the table.
func (t *Table) Len() int { return len(t.Data) }

// Offset returns the flat index of (i0, i1, i2, i3).
func (t *Table) Offset(i0, i1, i2, i3 int) int {
	idx := [4]int{i0, i1, i2, i3}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.Dims[i] {
			panic(fmt.Sprintf("quant: index %v out of range for table %v", idx, t.Dims))
		}
		off = off*t.Dims[i] + v
	}
	return off
}

// Row returns the innermost row at (i0, i1, i2).
func (t *Table) Row(i0, i1, i2 int) []float32 {
	if t.Dims[3] == 0 {
		return nil
	}
	off := t.Offset(i0, i1, i2, 0)
	return t.Data[off : off+t.Dims[3]]
}

// Pair returns the parameters stored at (i0, i1, i2, 2g) and (i0, i1, i2, 2g+1).
func (t *Table) Pair(i0, i1, i2, g int) Params {
	off := t.Offset(i0, i1, i2, 2*g)
	return Params{Scale: t.Data[off], Zero: t.Data[off+1]}
}

// SetPair stores p at (i0, i1, i2, 2g) and (i0, i1, i2, 2g+1).
func (t *Table) SetPair(i0, i1, i2, g int, p Params) {
	off := t.Offset(i0, i1, i2, 2*g)
	t.Data[off] = p.Scale
	t.Data[off+1] = p.Zero
}
