package main

import (
	"context"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/VlasovAMR/config"
	"github.com/notargets/VlasovAMR/spatial"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.WarnLevel)
	os.Exit(m.Run())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Run.Steps = 2
	return cfg
}

func testLog() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

func TestRunSweepsConservesMass(t *testing.T) {
	for _, ranks := range []int{1, 3, 4} {
		cfg := testConfig(t)
		cfg.Run.Ranks = ranks
		require.NoError(t, cfg.Validate())

		res, err := runSweeps(context.Background(), cfg, testLog())
		require.NoError(t, err, "ranks %d", ranks)
		assert.Greater(t, res.MassBefore, 0.0)
		assert.Less(t, res.RelativeDrift(), 1e-12, "ranks %d", ranks)
		// 16x16 base cells, a 4x4 block refined into 2x2x2 children
		assert.Equal(t, 256-16+16*8, res.Leaves)
		require.Len(t, res.Stats, ranks)
		for r, s := range res.Stats {
			assert.Positive(t, s.Pencils, "rank %d", r)
		}
	}
}

func TestRunSweepsPartitionStrategies(t *testing.T) {
	for _, name := range []string{"block", "round-robin", "morton"} {
		cfg := testConfig(t)
		cfg.Run.Ranks = 2
		cfg.Run.Partition = name
		res, err := runSweeps(context.Background(), cfg, testLog())
		require.NoError(t, err, name)
		assert.Less(t, res.RelativeDrift(), 1e-12, name)
	}
}

func TestRunSweepsZeroSteps(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Steps = 0
	res, err := runSweeps(context.Background(), cfg, testLog())
	require.NoError(t, err)
	assert.Equal(t, res.MassBefore, res.MassAfter)
}

func TestRunSweepsWithBoundary(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mesh.Periodic = [3]bool{false, true, false}
	cfg.Mesh.Boundary = "fixed"
	cfg.Run.Ranks = 2
	require.NoError(t, cfg.Validate())

	mesh, _, err := buildMesh(cfg)
	require.NoError(t, err)
	boundary := 0
	for _, id := range mesh.Leaves() {
		c, err := mesh.Cell(id)
		require.NoError(t, err)
		if c.SysBoundary == spatial.Fixed {
			boundary++
		}
	}
	// Both x faces of the 16x16 base grid
	assert.Equal(t, 32, boundary)

	res, err := runSweeps(context.Background(), cfg, testLog())
	require.NoError(t, err)
	assert.Greater(t, res.MassAfter, 0.0)
}

func TestRunSweepsOutflowBoundary(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mesh.Periodic = [3]bool{false, true, false}
	cfg.Mesh.Boundary = "outflow"
	cfg.Run.Ranks = 3
	require.NoError(t, cfg.Validate())

	res, err := runSweeps(context.Background(), cfg, testLog())
	require.NoError(t, err)
	assert.Greater(t, res.MassAfter, 0.0)
}

func TestRunSweepsSelectedPopulation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Population = 1
	cfg.Run.Ranks = 2
	require.NoError(t, cfg.Validate())

	mesh, vm, err := buildMesh(cfg)
	require.NoError(t, err)
	require.NoError(t, initialize(mesh, vm, cfg.Run.Blob, cfg.Run.Population))
	mass, err := mesh.TotalMass(1, vm, false)
	require.NoError(t, err)
	assert.Greater(t, mass, 0.0)
	empty, err := mesh.TotalMass(0, vm, false)
	require.NoError(t, err)
	assert.Equal(t, 0.0, empty)

	res, err := runSweeps(context.Background(), cfg, testLog())
	require.NoError(t, err)
	assert.InEpsilon(t, mass, res.MassBefore, 1e-12)
	assert.Less(t, res.RelativeDrift(), 1e-12)
}

func TestRunSweepsStencilViolation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Dt = 2
	cfg.Run.Ranks = 2
	_, err := runSweeps(context.Background(), cfg, testLog())
	assert.Error(t, err)
}

func TestInitializeRejectsVelocityOutsideMesh(t *testing.T) {
	cfg := testConfig(t)
	mesh, vm, err := buildMesh(cfg)
	require.NoError(t, err)
	blob := cfg.Run.Blob
	blob.Velocity = [3]float64{10, 0, 0}
	assert.Error(t, initialize(mesh, vm, blob, 0))
	assert.Error(t, initialize(mesh, vm, cfg.Run.Blob, 1))
}

func TestRelativeDrift(t *testing.T) {
	assert.InDelta(t, 0.5, (&result{MassBefore: 2, MassAfter: 3}).RelativeDrift(), 1e-15)
	assert.Equal(t, 0.0, (&result{}).RelativeDrift())
}
