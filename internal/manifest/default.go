package manifest

import "fmt"

// DefaultKV returns a manifest with a key and a value cache for each of
// layers attention layers, shaped [?, batch, heads, size]. precision selects
// the storage of the caches (f32, f16, bf16 or u8).
func DefaultKV(layers, batch, heads, size int, precision string, byChannel bool, groupSize int) *Manifest {
	dims := []Dim{-1, Dim(batch), Dim(heads), Dim(size)}
	m := &Manifest{}
	for l := range layers {
		for _, kind := range []string{"key", "value"} {
			m.States = append(m.States, Entry{
				Name:      fmt.Sprintf("past_%s.%d", kind, l),
				Variant:   VariantKVCache,
				Precision: "f32",
				Dims:      dims,
				Internal: Internal{
					Precision: precision,
					Order:     []int{0, 1, 2, 3},
				},
				QuantByChannel: byChannel,
				GroupSize:      groupSize,
			})
		}
	}
	return m
}
