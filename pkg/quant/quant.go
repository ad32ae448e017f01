// Package quant implements the asymmetric (affine) 8-bit codec used for
// quantized key/value history: value = (q - Zero) * Scale.
package quant

import "math"

// minScale replaces a zero scale when every value of a group is equal.
const minScale = 1e-4

// Params is the affine mapping of one quantization group.
type Params struct {
	Scale float32
	Zero  float32
}

// ParamsFor returns the mapping that spreads [lo, hi] over 0..255.
func ParamsFor(lo, hi float32) Params {
	scale := (hi - lo) / 255
	if scale == 0 || math.IsNaN(float64(scale)) {
		scale = minScale
	}
	return Params{Scale: scale, Zero: -lo / scale}
}

// Quantize maps v to its nearest code, clamped to 0..255.
func (p Params) Quantize(v float32) uint8 {
	q := math.Round(float64(v/p.Scale + p.Zero))
	switch {
	case q < 0 || math.IsNaN(q):
		return 0
	case q > math.MaxUint8:
		return math.MaxUint8
	default:
		return uint8(q)
	}
}

// Dequantize maps a code back to a real value.
func (p Params) Dequantize(q uint8) float32 {
	return (float32(q) - p.Zero) * p.Scale
}

// MinMax returns the smallest and largest value of src; both are 0 for an
// empty slice.
func MinMax(src []float32) (lo, hi float32) {
	if len(src) == 0 {
		return 0, 0
	}
	lo, hi = src[0], src[0]
	for _, v := range src[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}

// QuantizeU8 quantizes src as one group into dst and returns the group's
// parameters. dst must hold len(src) codes.
func QuantizeU8(dst []uint8, src []float32) Params {
	p := ParamsFor(MinMax(src))
	dst = dst[:len(src)]
	for i, v := range src {
		dst[i] = p.Quantize(v)
	}
	return p
}

// DequantizeU8 decodes len(dst) codes of one group.
func DequantizeU8(dst []float32, src []uint8, p Params) {
	src = src[:len(dst)]
	for i, q := range src {
		dst[i] = p.Dequantize(q)
	}
}

// QuantizeByChannelU8 quantizes a rows x cols block with one group per
// column. Row r of src starts at r*srcStride, row r of dst at r*dstStride.
// The per-column parameters are written to scale[c] and zero[c].
func QuantizeByChannelU8(dst []uint8, src []float32, rows, cols, srcStride, dstStride int, scale, zero []float32) {
	if rows == 0 {
		return
	}
	for c := range cols {
		lo, hi := src[c], src[c]
		for r := 1; r < rows; r++ {
			v := src[r*srcStride+c]
			lo = min(lo, v)
			hi = max(hi, v)
		}
		p := ParamsFor(lo, hi)
		scale[c], zero[c] = p.Scale, p.Zero
		for r := range rows {
			dst[r*dstStride+c] = p.Quantize(src[r*srcStride+c])
		}
	}
}

// DequantizeByChannelU8 is the inverse of QuantizeByChannelU8.
func DequantizeByChannelU8(dst []float32, src []uint8, rows, cols, srcStride, dstStride int, scale, zero []float32) {
	for r := range rows {
		for c := range cols {
			p := Params{Scale: scale[c], Zero: zero[c]}
			dst[r*dstStride+c] = p.Dequantize(src[r*srcStride+c])
		}
	}
}
