package state

import (
	"github.com/samcharles93/kvstate/internal/parallel"
	"github.com/samcharles93/kvstate/internal/tensor"
	"github.com/samcharles93/kvstate/pkg/quant"
)

// KVCache is the key or value history of an attention layer.
//
// Physical storage is a rank-4 tensor whose dense order maps its dimensions
// to [length, batch, heads, size], size innermost. Logical row (m, b) is read
// from the physical row (m, beam[b][m]), which lets beam search reorder
// hypotheses without moving stored rows. When the storage precision is u8
// every row is affine-quantized with parameters kept in a float32 table.
//
// Buffers are allocated by SetState or handed in by the orchestrator
// through the Assign hooks. Reset and Commit only toggle the reset flag.
type KVCache struct {
	base
	dense          tensor.Desc
	order          []int
	quantByChannel bool
	groupSize      int
	arena          *parallel.Arena

	internal *tensor.Tensor
	beam     *tensor.Tensor
	scaleZP  *quant.Table

	// held is the caller's tensor, read throughout SetState.
	held *tensor.Tensor

	internalMax int
	beamMax     int
}

// NewKVCache builds an empty cache. external must have at least one
// undefined dimension and dense must describe rank-4 storage in the same
// rank. groupSize 0 puts the whole grouped dimension into one group.
func NewKVCache(name string, external, dense tensor.Desc, quantByChannel bool, groupSize int, opts ...Option) (*KVCache, error) {
	if err := validateDescs(name, external, dense); err != nil {
		return nil, err
	}
	if external.IsDefined() {
		return nil, constructionError(name, "kv cache needs a dynamic external shape, got %s", external)
	}
	if dense.Rank() != 4 {
		return nil, constructionError(name, "kv cache storage must be rank 4, got %s", dense)
	}
	if groupSize < 0 {
		return nil, constructionError(name, "negative group size %d", groupSize)
	}

	o := buildOptions(opts)
	k := &KVCache{
		base:           newBase(name, external, o),
		dense:          dense,
		order:          dense.PhysicalOrder(),
		quantByChannel: quantByChannel,
		groupSize:      groupSize,
		arena:          parallel.NewArena(o.workers),
	}
	k.log.Debug("kv cache state created",
		"external", external,
		"dense", dense,
		"quantized", k.Quantized(),
		"by_channel", quantByChannel,
		"group_size", groupSize,
		"workers", o.workers,
	)
	return k, nil
}

// Quantized reports whether storage is u8.
func (k *KVCache) Quantized() bool { return k.dense.DType == tensor.DTypeU8 }

func (k *KVCache) QuantByChannel() bool { return k.quantByChannel }
func (k *KVCache) GroupSize() int       { return k.groupSize }

// SetState replaces the whole history with t, which is read in its own
// layout as [length, batch, heads, size] through the dense order. The beam
// table becomes the identity.
func (k *KVCache) SetState(t *tensor.Tensor) error {
	if err := k.checkInput(t); err != nil {
		return err
	}
	k.held = t
	defer func() { k.held = nil }()

	internal, err := tensor.New(k.dense.CloneWithDims(t.Dims()))
	if err != nil {
		return shapeMismatch(k.name, "%v", err)
	}
	src := k.held.Permute(k.order)
	dst := internal.Permute(k.order)
	length, batch := dst.Dim(0), dst.Dim(1)

	var table *quant.Table
	switch {
	case k.Quantized() && dst.Stride(3) != 1:
		return shapeMismatch(k.name, "size dimension of %s is not innermost", k.dense)
	case k.Quantized() && k.quantByChannel:
		table, err = k.quantizeByChannel(dst, src)
	case k.Quantized():
		table, err = k.quantizeByGroup(dst, src)
	default:
		err = internal.Load(k.held)
		if err != nil {
			err = shapeMismatch(k.name, "%v", err)
		}
	}
	if err != nil {
		return err
	}

	beam, err := identityBeam(batch, length)
	if err != nil {
		return shapeMismatch(k.name, "%v", err)
	}

	k.internal = internal
	k.beam = beam
	k.scaleZP = table
	k.internalMax = internal.NumElements()
	k.beamMax = beam.NumElements()
	k.reset = false
	k.log.Debug("state set",
		"dims", t.Dims(),
		"precision", t.DType(),
		"quantized", k.Quantized(),
		"internal_max", k.internalMax,
		"beam_max", k.beamMax,
	)
	return nil
}

// GetState gathers the history through the beam table and returns it in
// the external precision with the internal dims. A reset or never-set cache
// yields an empty tensor of the static external shape.
func (k *KVCache) GetState() (*tensor.Tensor, error) {
	if k.internal == nil || k.beam == nil || k.reset {
		out, err := tensor.New(k.external.Static())
		if err != nil {
			return nil, shapeMismatch(k.name, "%v", err)
		}
		return out, nil
	}

	if k.internal.Rank() != 4 {
		return nil, shapeMismatch(k.name, "internal state must be rank 4, got %d", k.internal.Rank())
	}
	dims := k.internal.Dims()
	if !k.internal.Desc().Compatible(k.dense.CloneWithDims(dims)) {
		return nil, shapeMismatch(k.name, "internal state %s does not follow %s", k.internal.Desc(), k.dense)
	}
	out, err := tensor.New(k.external.CloneWithDims(dims))
	if err != nil {
		return nil, shapeMismatch(k.name, "%v", err)
	}

	past := k.internal.Permute(k.order)
	dst := out.Permute(k.order)
	if past.Stride(3) != 1 || dst.Stride(3) != 1 {
		return nil, shapeMismatch(k.name, "size dimension must have unit stride")
	}
	length, batch, heads, size := past.Dim(0), past.Dim(1), past.Dim(2), past.Dim(3)
	if err := k.checkBeam(k.beam, batch, length); err != nil {
		return nil, err
	}

	var gather func(s parallel.Scratch, m, b, bkv, h int) error
	switch {
	case !k.Quantized():
		gather = func(_ parallel.Scratch, m, b, bkv, h int) error {
			return tensor.Convert(dst.Row(m, b, h), dst.DType(), past.Row(m, bkv, h), past.DType(), size)
		}
	case k.quantByChannel:
		gs := groupLen(k.groupSize, length)
		if err := k.checkTable(2*ceilDiv(length, gs), batch, heads, size); err != nil {
			return nil, err
		}
		gather = func(s parallel.Scratch, m, b, bkv, h int) error {
			buf := s.Floats(size)
			g := m / gs
			quant.DequantizeByChannelU8(buf, past.Row(m, bkv, h), 1, size, size, size,
				k.scaleZP.Row(2*g, bkv, h), k.scaleZP.Row(2*g+1, bkv, h))
			return tensor.EncodeFloat32(dst.Row(m, b, h), dst.DType(), buf)
		}
	default:
		gs := groupLen(k.groupSize, size)
		if size%gs != 0 {
			return nil, shapeMismatch(k.name, "size %d is not a multiple of group size %d", size, gs)
		}
		groups := size / gs
		if err := k.checkTable(length, batch, heads, 2*groups); err != nil {
			return nil, err
		}
		gather = func(s parallel.Scratch, m, b, bkv, h int) error {
			buf := s.Floats(size)
			row := past.Row(m, bkv, h)
			for g := range groups {
				quant.DequantizeU8(buf[g*gs:(g+1)*gs], row[g*gs:], k.scaleZP.Pair(m, bkv, h, g))
			}
			return tensor.EncodeFloat32(dst.Row(m, b, h), dst.DType(), buf)
		}
	}

	err = parallel.For3D(k.arena, length, batch, heads, func(s parallel.Scratch, m, b, h int) error {
		bkv := int(k.beam.Int32At(b, m))
		if bkv < 0 || bkv >= batch {
			return shapeMismatch(k.name, "beam table entry [%d][%d] = %d out of range [0,%d)", b, m, bkv, batch)
		}
		return gather(s, m, b, bkv, h)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reset marks the cache empty. Buffers are kept; the orchestrator decides
// when to replace them.
func (k *KVCache) Reset() {
	k.reset = true
	k.log.Debug("state reset")
}

// Commit clears the reset flag. Growth is driven by the Assign hooks.
func (k *KVCache) Commit() {
	k.reset = false
	k.log.Trace("state committed")
}

// InternalState returns the physical history buffer.
func (k *KVCache) InternalState() (*tensor.Tensor, error) {
	if k.internal == nil {
		return nil, uninitialized(k.name, "internal state")
	}
	return k.internal, nil
}

// AssignInternalState installs a buffer laid out as the dense descriptor,
// typically a larger one prepared by the orchestrator between steps.
func (k *KVCache) AssignInternalState(t *tensor.Tensor) {
	k.internal = t
	k.log.Trace("internal state assigned", "desc", descOf(t))
}

// BeamTable returns the [batch, length] i32 indirection table.
func (k *KVCache) BeamTable() (*tensor.Tensor, error) {
	if k.beam == nil {
		return nil, uninitialized(k.name, "beam table")
	}
	return k.beam, nil
}

// AssignBeamTable installs a new [batch, length] i32 indirection table.
func (k *KVCache) AssignBeamTable(t *tensor.Tensor) {
	k.beam = t
	k.log.Trace("beam table assigned", "desc", descOf(t))
}

// ValidateBeamTable checks that t can index the current history: an i32
// [batch, length] table whose entries lie in [0, batch).
func (k *KVCache) ValidateBeamTable(t *tensor.Tensor) error {
	if k.internal == nil {
		return uninitialized(k.name, "internal state")
	}
	if t == nil {
		return shapeMismatch(k.name, "nil beam table")
	}
	if k.internal.Rank() != 4 {
		return shapeMismatch(k.name, "internal state must be rank 4, got %d", k.internal.Rank())
	}
	past := k.internal.Permute(k.order)
	length, batch := past.Dim(0), past.Dim(1)
	if err := k.checkBeam(t, batch, length); err != nil {
		return err
	}
	for b := range batch {
		for l := range length {
			if v := t.Int32At(b, l); v < 0 || int(v) >= batch {
				return shapeMismatch(k.name, "beam table entry [%d][%d] = %d out of range [0,%d)", b, l, v, batch)
			}
		}
	}
	return nil
}

// ScaleZeroPoints returns the quantization parameter table of a u8 cache.
func (k *KVCache) ScaleZeroPoints() (*quant.Table, error) {
	if k.scaleZP == nil {
		return nil, uninitialized(k.name, "scale/zero-point table")
	}
	return k.scaleZP, nil
}

// AssignScaleZeroPoints installs the parameter table matching an assigned
// u8 internal state. The leading axis may be longer than the history needs,
// so a table sized for capacity can be reused across steps; the other axes
// must match exactly.
func (k *KVCache) AssignScaleZeroPoints(t *quant.Table) {
	k.scaleZP = t
	if t != nil {
		k.log.Trace("scale/zero-point table assigned", "dims", t.Dims)
	}
}

// InternalMaxSize is the element count of the buffer allocated by the last
// SetState. It is a hint for the orchestrator's reuse decisions.
func (k *KVCache) InternalMaxSize() int { return k.internalMax }

// BeamTableMaxSize is the element count of the beam table allocated by the
// last SetState.
func (k *KVCache) BeamTableMaxSize() int { return k.beamMax }

func (k *KVCache) InputMem() *tensor.Tensor  { return k.internal }
func (k *KVCache) OutputMem() *tensor.Tensor { return k.internal }
func (k *KVCache) InternalDesc() tensor.Desc { return k.dense }

// quantizeByChannel groups consecutive steps and stores one parameter pair
// per size lane and group in a [2*groups, batch, heads, size] table.
func (k *KVCache) quantizeByChannel(dst, src *tensor.Tensor) (*quant.Table, error) {
	length, batch, heads, size := dst.Dim(0), dst.Dim(1), dst.Dim(2), dst.Dim(3)
	gs := groupLen(k.groupSize, length)
	groups := ceilDiv(length, gs)
	table := quant.NewTable(2*groups, batch, heads, size)
	stride := dst.Stride(0)

	err := parallel.For3D(k.arena, groups, batch, heads, func(s parallel.Scratch, g, b, h int) error {
		first := g * gs
		rows := min(gs, length-first)
		buf := s.Floats(rows * size)
		for i := range rows {
			if err := readRow(buf[i*size:(i+1)*size], src, first+i, b, h); err != nil {
				return err
			}
		}
		quant.QuantizeByChannelU8(dst.Row(first, b, h), buf, rows, size, size, stride,
			table.Row(2*g, b, h), table.Row(2*g+1, b, h))
		return nil
	})
	if err != nil {
		return nil, shapeMismatch(k.name, "%v", err)
	}
	return table, nil
}

// quantizeByGroup splits every size row into groups and stores one
// parameter pair per group in a [length, batch, heads, 2*groups] table.
func (k *KVCache) quantizeByGroup(dst, src *tensor.Tensor) (*quant.Table, error) {
	length, batch, heads, size := dst.Dim(0), dst.Dim(1), dst.Dim(2), dst.Dim(3)
	gs := groupLen(k.groupSize, size)
	if size%gs != 0 {
		return nil, shapeMismatch(k.name, "size %d is not a multiple of group size %d", size, gs)
	}
	groups := size / gs
	table := quant.NewTable(length, batch, heads, 2*groups)

	err := parallel.For3D(k.arena, batch, heads, length, func(s parallel.Scratch, b, h, m int) error {
		buf := s.Floats(size)
		if err := readRow(buf, src, m, b, h); err != nil {
			return err
		}
		row := dst.Row(m, b, h)
		for g := range groups {
			p := quant.QuantizeU8(row[g*gs:(g+1)*gs], buf[g*gs:(g+1)*gs])
			table.SetPair(m, b, h, g, p)
		}
		return nil
	})
	if err != nil {
		return nil, shapeMismatch(k.name, "%v", err)
	}
	return table, nil
}

func (k *KVCache) checkBeam(beam *tensor.Tensor, batch, length int) error {
	if beam.DType() != tensor.DTypeI32 || beam.Rank() != 2 {
		return shapeMismatch(k.name, "beam table must be rank-2 i32, got %s", beam.Desc())
	}
	if beam.Dim(0) != batch || beam.Dim(1) != length {
		return shapeMismatch(k.name, "beam table %v does not cover [%d %d]", beam.Dims(), batch, length)
	}
	return nil
}

func (k *KVCache) checkTable(d0, d1, d2, d3 int) error {
	if k.scaleZP == nil {
		return uninitialized(k.name, "scale/zero-point table")
	}
	dims := k.scaleZP.Dims
	if dims[0] < d0 || dims[1] != d1 || dims[2] != d2 || dims[3] != d3 {
		return shapeMismatch(k.name, "scale/zero-point table %v does not cover [%d %d %d %d]", dims, d0, d1, d2, d3)
	}
	return nil
}

// readRow decodes the size row (m, b, h) of a [length, batch, heads, size]
// view into dst.
func readRow(dst []float32, t *tensor.Tensor, m, b, h int) error {
	if t.Stride(3) == 1 {
		return tensor.DecodeFloat32(dst, t.Row(m, b, h), t.DType())
	}
	for j := range dst {
		dst[j] = t.Float32At(m, b, h, j)
	}
	return nil
}

func identityBeam(batch, length int) (*tensor.Tensor, error) {
	beam, err := tensor.New(tensor.NewDesc(tensor.DTypeI32, batch, length))
	if err != nil {
		return nil, err
	}
	for b := range batch {
		for l := range length {
			beam.SetInt32(int32(b), b, l)
		}
	}
	return beam, nil
}

// groupLen resolves a configured group size against the extent n of the
// grouped dimension.
func groupLen(groupSize, n int) int {
	if groupSize == 0 {
		return max(n, 1)
	}
	return groupSize
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func descOf(t *tensor.Tensor) any {
	if t == nil {
		return nil
	}
	return t.Desc()
}
