package quant

import (
	"math"
	"testing"
)

func ramp(n int, lo, hi float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = lo + (hi-lo)*float32(i)/float32(max(n-1, 1))
	}
	return out
}

func TestParamsFor(t *testing.T) {
	t.Parallel()
	p := ParamsFor(-1, 1)
	if math.Abs(float64(p.Scale)-2.0/255) > 1e-7 {
		t.Fatalf("Scale = %v", p.Scale)
	}
	if p.Quantize(-1) != 0 || p.Quantize(1) != 255 {
		t.Fatalf("range ends map to %d and %d", p.Quantize(-1), p.Quantize(1))
	}

	flat := ParamsFor(3, 3)
	if flat.Scale != minScale {
		t.Fatalf("constant group scale = %v, want %v", flat.Scale, minScale)
	}
	if got := flat.Dequantize(flat.Quantize(3)); math.Abs(float64(got-3)) > 1e-3 {
		t.Fatalf("constant group round trip = %v", got)
	}
}

func TestQuantizeClamps(t *testing.T) {
	t.Parallel()
	p := ParamsFor(0, 1)
	if p.Quantize(-5) != 0 {
		t.Error("below range not clamped to 0")
	}
	if p.Quantize(7) != 255 {
		t.Error("above range not clamped to 255")
	}
	if p.Quantize(float32(math.NaN())) != 0 {
		t.Error("NaN not mapped to 0")
	}
}

func TestQuantizeU8RoundTrip(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name   string
		lo, hi float32
	}{
		{"symmetric", -4, 4},
		{"positive", 0.5, 9},
		{"negative", -7, -2},
		{"narrow", 1, 1.001},
	} {
		src := ramp(64, tc.lo, tc.hi)
		codes := make([]uint8, len(src))
		p := QuantizeU8(codes, src)
		got := make([]float32, len(src))
		DequantizeU8(got, codes, p)

		step := float64(tc.hi-tc.lo) / 255
		for i := range src {
			if d := math.Abs(float64(got[i] - src[i])); d > step/2+1e-5 {
				t.Errorf("%s: element %d off by %v (step %v)", tc.name, i, d, step)
			}
		}
	}
}

func TestQuantizeByChannelU8(t *testing.T) {
	t.Parallel()
	const rows, cols, stride = 3, 4, 6
	src := make([]float32, rows*stride)
	for r := range rows {
		for c := range cols {
			src[r*stride+c] = float32(c*10) + float32(r)*float32(c+1)
		}
	}
	codes := make([]uint8, rows*cols)
	scale := make([]float32, cols)
	zero := make([]float32, cols)
	QuantizeByChannelU8(codes, src, rows, cols, stride, cols, scale, zero)

	for c := range cols {
		want := float32(2*(c+1)) / 255
		if math.Abs(float64(scale[c]-want)) > 1e-6 {
			t.Errorf("column %d scale = %v, want %v", c, scale[c], want)
		}
	}

	got := make([]float32, rows*stride)
	DequantizeByChannelU8(got, codes, rows, cols, cols, stride, scale, zero)
	for r := range rows {
		for c := range cols {
			i := r*stride + c
			if d := math.Abs(float64(got[i] - src[i])); d > float64(scale[c])/2+1e-5 {
				t.Errorf("(%d,%d) = %v, want %v", r, c, got[i], src[i])
			}
		}
	}
}

func TestQuantizeByChannelEmpty(t *testing.T) {
	t.Parallel()
	QuantizeByChannelU8(nil, nil, 0, 4, 4, 4, nil, nil)
}

func TestMinMax(t *testing.T) {
	t.Parallel()
	lo, hi := MinMax([]float32{3, -1, 7, 2})
	if lo != -1 || hi != 7 {
		t.Fatalf("MinMax = %v, %v", lo, hi)
	}
	lo, hi = MinMax(nil)
	if lo != 0 || hi != 0 {
		t.Fatalf("MinMax(nil) = %v, %v", lo, hi)
	}
}

func TestTable(t *testing.T) {
	t.Parallel()
	tab := NewTable(2, 3, 4, 6)
	if tab.Len() != 144 {
		t.Fatalf("Len = %d", tab.Len())
	}
	tab.SetPair(1, 2, 3, 2, Params{Scale: 0.5, Zero: 12})
	if got := tab.Pair(1, 2, 3, 2); got != (Params{Scale: 0.5, Zero: 12}) {
		t.Fatalf("Pair = %+v", got)
	}
	row := tab.Row(1, 2, 3)
	if len(row) != 6 || row[4] != 0.5 || row[5] != 12 {
		t.Fatalf("Row = %v", row)
	}
	if off := tab.Offset(1, 2, 3, 5); off != tab.Len()-1 {
		t.Fatalf("Offset of last element = %d", off)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out of range index")
		}
	}()
	tab.Offset(2, 0, 0, 0)
}
