package simulate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kvstate/internal/manifest"
	"github.com/samcharles93/kvstate/internal/state"
	"github.com/samcharles93/kvstate/internal/tensor"
)

func buildDefault(t *testing.T, precision string, byChannel bool, groupSize int) []state.State {
	t.Helper()
	states, err := manifest.DefaultKV(2, 3, 2, 8, precision, byChannel, groupSize).Build(state.WithWorkers(2))
	require.NoError(t, err)
	return states
}

func TestRunKVCachePrecisions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		precision string
		byChannel bool
		groupSize int
		quant     string
		exact     bool
	}{
		{name: "f32", precision: "f32", exact: true},
		{name: "f16", precision: "f16"},
		{name: "bf16", precision: "bf16"},
		{name: "u8 by group", precision: "u8", groupSize: 4, quant: "by_group"},
		{name: "u8 whole row", precision: "u8", quant: "by_group"},
		{name: "u8 by channel", precision: "u8", byChannel: true, groupSize: 2, quant: "by_channel"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			states := buildDefault(t, tc.precision, tc.byChannel, tc.groupSize)
			report, err := Run(context.Background(), states, Options{Steps: 5, Seed: 7})
			require.NoError(t, err)
			require.Len(t, report.States, 4)
			assert.True(t, report.OK(), "%+v", report.States)

			for _, s := range report.States {
				assert.Equal(t, "kv_cache", s.Variant)
				assert.Equal(t, tc.precision, s.Storage)
				assert.Equal(t, tc.quant, s.Quant)
				assert.Equal(t, 5, s.Rows)
				assert.Positive(t, s.Reordered, "batch 3 over 5 steps reorders something")
				if tc.exact {
					assert.Zero(t, s.MaxAbsError, s.Name)
				}
			}
		})
	}
}

func TestRunIsReproducible(t *testing.T) {
	t.Parallel()
	a, err := Run(context.Background(), buildDefault(t, "u8", false, 4), Options{Steps: 4, Seed: 42})
	require.NoError(t, err)
	b, err := Run(context.Background(), buildDefault(t, "u8", false, 4), Options{Steps: 4, Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRunBuffers(t *testing.T) {
	t.Parallel()
	m, err := manifest.Parse([]byte(`
states:
  - name: hidden
    variant: double
    precision: f32
    dims: ["?", 6]
    internal:
      precision: bf16
  - name: conv
    variant: single
    precision: f32
    dims: [2, 3]
`))
	require.NoError(t, err)
	states, err := m.Build()
	require.NoError(t, err)

	report, err := Run(context.Background(), states, Options{Steps: 3, Seed: 1})
	require.NoError(t, err)
	require.Len(t, report.States, 2)
	assert.True(t, report.OK(), "%+v", report.States)
	assert.Equal(t, "double_buffer", report.States[0].Variant)
	assert.Equal(t, "bf16", report.States[0].Storage)
	assert.Equal(t, 3, report.States[0].Rows)
	assert.Zero(t, report.States[1].MaxAbsError)
}

func TestRunPermutedStorage(t *testing.T) {
	t.Parallel()
	ext := tensor.NewDesc(tensor.DTypeF32, 2, 2, tensor.Undefined, 4)
	dense := ext.WithOrder(2, 0, 1, 3)
	kv, err := state.NewKVCache("past_value.0", ext, dense, false, 0)
	require.NoError(t, err)

	report, err := Run(context.Background(), []state.State{kv}, Options{Steps: 3, Seed: 3})
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Zero(t, report.States[0].MaxAbsError)
}

func TestRunErrors(t *testing.T) {
	t.Parallel()
	_, err := Run(context.Background(), buildDefault(t, "f32", false, 0), Options{})
	assert.ErrorContains(t, err, "steps must be positive")

	_, err = Run(context.Background(), nil, Options{Steps: 1})
	assert.ErrorContains(t, err, "no states")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, buildDefault(t, "f32", false, 0), Options{Steps: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReportOK(t *testing.T) {
	t.Parallel()
	r := &Report{States: []StateReport{{OK: true}, {OK: true}}}
	assert.True(t, r.OK())
	r.States = append(r.States, StateReport{OK: false})
	assert.False(t, r.OK())
}
