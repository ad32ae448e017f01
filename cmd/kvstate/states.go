package main

import (
	"context"
	"fmt"

	"github.com/samcharles93/kvstate/internal/logger"
	"github.com/samcharles93/kvstate/internal/manifest"
	"github.com/samcharles93/kvstate/internal/state"
)

// resolveManifest loads --manifest, or describes the built-in key/value
// layout from the shape flags.
func resolveManifest(shape kvShape) (*manifest.Manifest, string, error) {
	if manifestPath != "" {
		m, err := manifest.Load(manifestPath)
		if err != nil {
			return nil, "", err
		}
		return m, manifestPath, nil
	}
	m := manifest.DefaultKV(int(shape.layers), int(shape.batch), int(shape.heads), int(shape.headSize),
		shape.storage, shape.byChannel, int(shape.groupSize))
	if err := m.Validate(); err != nil {
		return nil, "", fmt.Errorf("built-in layout: %w", err)
	}
	return m, "built-in", nil
}

func buildStates(ctx context.Context, m *manifest.Manifest) ([]state.State, error) {
	opts := []state.Option{state.WithLogger(logger.FromContext(ctx))}
	if threads > 0 {
		opts = append(opts, state.WithWorkers(int(threads)))
	}
	return m.Build(opts...)
}
