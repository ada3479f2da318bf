package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/dpgoflow/config"
	"github.com/BaSui01/dpgoflow/wire"
)

func TestBuildSourceFromFile(t *testing.T) {
	t.Parallel()

	edges := []wire.Edge{
		{
			FromRobot: 0, FromPose: 0, ToRobot: 0, ToPose: 1,
			Kind:     wire.EdgeOdometry,
			Rotation: wire.Identity(3), Translation: []float64{1, 0, 0},
			KappaRot: 1, TauTrans: 1, Weight: 1,
		},
		{
			FromRobot: 0, FromPose: 1, ToRobot: 1, ToPose: 0,
			Kind:     wire.EdgeSharedLoop,
			Rotation: wire.Identity(3), Translation: []float64{0, 1, 0},
			KappaRot: 1, TauTrans: 1, Weight: 1,
		},
		{
			FromRobot: 1, FromPose: 0, ToRobot: 1, ToPose: 1,
			Kind:     wire.EdgeOdometry,
			Rotation: wire.Identity(3), Translation: []float64{1, 0, 0},
			KappaRot: 1, TauTrans: 1, Weight: 1,
		},
	}
	data, err := wire.Marshal(edges)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "edges.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	src, err := buildSource(config.DefaultConfig(), path, zaptest.NewLogger(t))
	require.NoError(t, err)

	part, err := src.Fetch(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, part, 2)
	for _, e := range part {
		assert.True(t, e.Involves(0))
	}

	part, err = src.Fetch(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, part, 2)
}

func TestBuildSourceRejectsEmptyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))

	_, err := buildSource(config.DefaultConfig(), path, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestBuildSourceSynthetic(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Robot.TeamSize = 2
	cfg.Solver.Seed = 7

	src, err := buildSource(cfg, "", zaptest.NewLogger(t))
	require.NoError(t, err)

	part, err := src.Fetch(context.Background(), 0)
	require.NoError(t, err)
	assert.NotEmpty(t, part)
}
