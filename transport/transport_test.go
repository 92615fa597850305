package transport_test

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/VlasovAMR/amr"
	"github.com/notargets/VlasovAMR/grid"
	"github.com/notargets/VlasovAMR/partitions"
	"github.com/notargets/VlasovAMR/remap"
	"github.com/notargets/VlasovAMR/spatial"
	"github.com/notargets/VlasovAMR/transport"
	"github.com/notargets/VlasovAMR/vmesh"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.WarnLevel)
	os.Exit(m.Run())
}

// One block of unit velocity cells centered on zero: velocity cell i along
// an axis moves at i-1.5
func velocityMesh(t *testing.T) *vmesh.Uniform {
	t.Helper()
	vm, err := vmesh.NewUniform([3]int{1, 1, 1}, [3]float64{-2, -2, -2}, [3]float64{2, 2, 2})
	require.NoError(t, err)
	return vm
}

func newMesh(t *testing.T, cells [3]int, periodic [3]bool, maxLevel int) *amr.Mesh {
	t.Helper()
	m, err := amr.New(amr.Config{
		Cells:              cells,
		CellSize:           [3]float64{1, 1, 1},
		Periodic:           periodic,
		MaxRefinementLevel: maxLevel,
	})
	require.NoError(t, err)
	return m
}

func fillRandom(t *testing.T, m *amr.Mesh, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	for _, id := range m.Leaves() {
		c, err := m.Cell(id)
		require.NoError(t, err)
		b := c.Populations[0].AddBlock(0)
		for i := range b {
			b[i] = rng.Float64()
		}
	}
}

func value(t *testing.T, m *amr.Mesh, id grid.CellID, c int) float64 {
	t.Helper()
	cell, err := m.Cell(id)
	require.NoError(t, err)
	b := cell.Populations[0].Block(0)
	if b == nil {
		return 0
	}
	return b[c]
}

// rig runs one transport per rank of a cluster
type rig struct {
	mesh    *amr.Mesh
	cluster *amr.Cluster
	ranks   map[int]*transport.Transport
	cells   map[int][]grid.CellID
}

func newRig(t *testing.T, m *amr.Mesh, vm vmesh.Mesh, numRanks int, strategy partitions.PartitionStrategy, width int) *rig {
	t.Helper()
	cluster, err := amr.NewCluster(m, numRanks, strategy, width)
	require.NoError(t, err)
	r := &rig{
		mesh:    m,
		cluster: cluster,
		ranks:   make(map[int]*transport.Transport),
		cells:   make(map[int][]grid.CellID),
	}
	for rank, view := range cluster.Views {
		ep, err := cluster.Fabric.Endpoint(rank)
		require.NoError(t, err)
		rank := rank
		r.ranks[rank], err = transport.New(view, view, ep, transport.Options{
			StencilWidth: width,
			Workers:      2,
			VelocityMesh: vm,
			GhostUpdate: func(ctx context.Context, dim grid.Dimension) error {
				return cluster.Synchronize(ctx, rank)
			},
		})
		require.NoError(t, err)
		r.cells[rank] = view.PropagatedCells()
	}
	return r
}

func (r *rig) translate(dt float64, steps int) error {
	return r.cluster.Run(context.Background(), func(ctx context.Context, view *amr.View, ep *partitions.Endpoint) error {
		tr := r.ranks[view.Rank()]
		for s := 0; s < steps; s++ {
			if err := tr.Translate(ctx, r.cells[view.Rank()], dt, 0); err != nil {
				return err
			}
		}
		return tr.CheckBarrier()
	})
}

func TestPeakMovesOneCell(t *testing.T) {
	m := newMesh(t, [3]int{5, 1, 1}, [3]bool{}, 0)
	vm := velocityMesh(t)
	id := func(i int) grid.CellID { return m.ID(0, [3]int{i, 0, 0}) }
	c, err := m.Cell(id(2))
	require.NoError(t, err)
	c.Populations[0].AddBlock(0)[2] = 10 // vx = 0.5

	// vx = 1.5 moves three cells, empty or not
	r := newRig(t, m, vm, 1, partitions.BlockPartition, 3)
	require.NoError(t, r.translate(2, 1))

	for i, want := range []float64{0, 0, 0, 10, 0} {
		assert.Equal(t, want, value(t, m, id(i), 2), "cell %d", i)
	}
	// Emptied cells drop their block
	c, err = m.Cell(id(2))
	require.NoError(t, err)
	assert.Equal(t, 0, c.Populations[0].Size())

	tr := r.ranks[0]
	stats := tr.Stats()
	assert.Equal(t, grid.X, stats.Dim)
	assert.Equal(t, 1, stats.Pencils)
	assert.Equal(t, 5, stats.PencilCells)
	assert.Equal(t, vmesh.WID3, stats.Lines)
	assert.Equal(t, transport.Reconciled, tr.State(grid.X))
	assert.True(t, tr.Reconciled(grid.Y))
	assert.Nil(t, tr.Arena())
}

func TestPeakLeavesOpenDomain(t *testing.T) {
	m := newMesh(t, [3]int{3, 1, 1}, [3]bool{}, 0)
	vm := velocityMesh(t)
	last := m.ID(0, [3]int{2, 0, 0})
	c, err := m.Cell(last)
	require.NoError(t, err)
	c.Populations[0].AddBlock(0)[2] = 4

	r := newRig(t, m, vm, 1, partitions.BlockPartition, 2)
	require.NoError(t, r.translate(1, 1))
	// Half moved into the virtual cell past the edge
	assert.Equal(t, 2.0, value(t, m, last, 2))
}

func TestZeroShiftIsIdentity(t *testing.T) {
	m := newMesh(t, [3]int{4, 4, 1}, [3]bool{true, true, false}, 1)
	require.NoError(t, m.RefineRegion([3]float64{1, 1, 0}, [3]float64{2, 3, 1}, 1))
	fillRandom(t, m, 7)

	want := make(map[grid.CellID]spatial.Block)
	for _, id := range m.Leaves() {
		c, err := m.Cell(id)
		require.NoError(t, err)
		want[id] = *c.Populations[0].Block(0)
	}

	r := newRig(t, m, velocityMesh(t), 2, partitions.SpaceFillingCurve, 2)
	require.NoError(t, r.translate(0, 1))
	for id, w := range want {
		c, err := m.Cell(id)
		require.NoError(t, err)
		got := c.Populations[0].Block(0)
		require.NotNil(t, got, "cell %d", id)
		for i := range w {
			assert.InDelta(t, w[i], got[i], 1e-14, "cell %d velocity cell %d", id, i)
		}
	}
}

func TestConservesMassOnRefinedMesh(t *testing.T) {
	for _, ranks := range []int{1, 2, 4} {
		m := newMesh(t, [3]int{8, 8, 1}, [3]bool{true, true, false}, 1)
		require.NoError(t, m.RefineRegion([3]float64{2, 3, 0}, [3]float64{6, 5, 1}, 1))
		fillRandom(t, m, 11)
		vm := velocityMesh(t)
		before, err := m.TotalMass(0, vm, false)
		require.NoError(t, err)

		r := newRig(t, m, vm, ranks, partitions.SpaceFillingCurve, 2)
		require.NoError(t, r.translate(0.3, 3), "ranks %d", ranks)
		after, err := m.TotalMass(0, vm, false)
		require.NoError(t, err)
		assert.InEpsilon(t, before, after, 1e-12, "ranks %d", ranks)
		assert.Zero(t, r.cluster.Fabric.Pending())
	}
}

func TestRanksAgreeWithSingleRank(t *testing.T) {
	build := func() *amr.Mesh {
		m := newMesh(t, [3]int{8, 4, 1}, [3]bool{true, true, false}, 0)
		fillRandom(t, m, 3)
		return m
	}
	vm := velocityMesh(t)

	single := build()
	require.NoError(t, newRig(t, single, vm, 1, partitions.BlockPartition, 2).translate(0.7, 2))

	multi := build()
	r := newRig(t, multi, vm, 3, partitions.RoundRobin, 2)
	require.NoError(t, r.translate(0.7, 2))

	sent := 0
	for _, tr := range r.ranks {
		sent += tr.Stats().ContributionsSent
	}
	assert.Positive(t, sent)

	for _, id := range single.Leaves() {
		for c := 0; c < vmesh.WID3; c++ {
			assert.InDelta(t, value(t, single, id, c), value(t, multi, id, c), 1e-12, "cell %d velocity cell %d", id, c)
		}
	}
}

func TestFixedCellsAreHeld(t *testing.T) {
	m := newMesh(t, [3]int{6, 1, 1}, [3]bool{}, 0)
	vm := velocityMesh(t)
	id := func(i int) grid.CellID { return m.ID(0, [3]int{i, 0, 0}) }
	for i := 0; i < 6; i++ {
		c, err := m.Cell(id(i))
		require.NoError(t, err)
		c.Populations[0].AddBlock(0)[2] = 1
	}
	require.NoError(t, m.SetSysBoundary(id(0), spatial.Fixed))
	require.NoError(t, m.SetSysBoundary(id(5), spatial.Fixed))

	r := newRig(t, m, vm, 1, partitions.BlockPartition, 2)
	assert.Len(t, r.cells[0], 4)
	require.NoError(t, r.translate(1, 1))

	// The inflow from the fixed cell replaces what moved on
	for i := 0; i < 6; i++ {
		assert.Equal(t, 1.0, value(t, m, id(i), 2), "cell %d", i)
	}
}

func TestInteriorFixedCellFeedsOnce(t *testing.T) {
	cases := []struct {
		name  string
		cells int
		ranks int
		fixed int
	}{
		{"single rank", 5, 1, 2},
		{"last cell of rank 0", 6, 2, 2},
		{"first cell of rank 1", 6, 2, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newMesh(t, [3]int{tc.cells, 1, 1}, [3]bool{}, 0)
			id := func(i int) grid.CellID { return m.ID(0, [3]int{i, 0, 0}) }
			c, err := m.Cell(id(tc.fixed))
			require.NoError(t, err)
			c.Populations[0].AddBlock(0)[2] = 1 // vx = 0.5
			require.NoError(t, m.SetSysBoundary(id(tc.fixed), spatial.Fixed))

			r := newRig(t, m, velocityMesh(t), tc.ranks, partitions.BlockPartition, 3)
			require.NoError(t, r.translate(2, 1))

			// One cell of inflow lands downstream, from one pencil only
			for i := 0; i < tc.cells; i++ {
				want := 0.0
				if i == tc.fixed || i == tc.fixed+1 {
					want = 1
				}
				assert.Equal(t, want, value(t, m, id(i), 2), "cell %d", i)
			}
			assert.Zero(t, r.cluster.Fabric.Pending())
		})
	}
}

func TestSweepStateMachine(t *testing.T) {
	m := newMesh(t, [3]int{5, 2, 1}, [3]bool{}, 0)
	fillRandom(t, m, 5)
	r := newRig(t, m, velocityMesh(t), 1, partitions.BlockPartition, 2)
	tr := r.ranks[0]
	cells := r.cells[0]
	ctx := context.Background()

	err := tr.UpdateRemoteMappingContribution(ctx, grid.X, 1, 0)
	assert.True(t, errors.Is(err, transport.ErrState))

	remote, err := tr.RemoteTargetCells(cells, grid.X)
	require.NoError(t, err)
	assert.Empty(t, remote)
	require.NoError(t, tr.Propagate(ctx, cells, remote, grid.X, 0.1, 0))
	assert.Equal(t, transport.LocallyRemapped, tr.State(grid.X))
	assert.True(t, errors.Is(tr.CheckBarrier(), transport.ErrState))

	arena := tr.Arena()
	require.NotNil(t, arena)
	h, ok := arena.Lookup(cells[0])
	require.True(t, ok)
	_, err = arena.Slot(h)
	require.NoError(t, err)

	err = tr.Propagate(ctx, cells, nil, grid.Y, 0.1, 0)
	assert.True(t, errors.Is(err, transport.ErrState))
	err = tr.UpdateRemoteMappingContribution(ctx, grid.Y, 1, 0)
	assert.True(t, errors.Is(err, transport.ErrState))
	err = tr.UpdateRemoteMappingContribution(ctx, grid.X, 1, 1)
	assert.True(t, errors.Is(err, transport.ErrState))
	assert.Error(t, tr.UpdateRemoteMappingContribution(ctx, grid.X, 0, 0))

	require.NoError(t, tr.UpdateRemoteMappingContribution(ctx, grid.X, 1, 0))
	assert.Equal(t, transport.RemoteExchangeInFlight, tr.State(grid.X))
	err = tr.UpdateRemoteMappingContribution(ctx, grid.X, 1, 0)
	assert.True(t, errors.Is(err, transport.ErrState))

	require.NoError(t, tr.UpdateRemoteMappingContribution(ctx, grid.X, -1, 0))
	assert.Equal(t, transport.Reconciled, tr.State(grid.X))
	require.NoError(t, tr.CheckBarrier())

	// Handles die with the sweep
	_, err = arena.Slot(h)
	assert.True(t, errors.Is(err, transport.ErrStaleHandle))
	assert.Nil(t, tr.Arena())

	// A reconciled direction can be swept again
	require.NoError(t, tr.Sweep(ctx, cells, grid.X, 0.1, 0))
	require.NoError(t, tr.Sweep(ctx, cells, grid.Y, 0.1, 0))
}

func TestStencilViolationLeavesDataUntouched(t *testing.T) {
	m := newMesh(t, [3]int{5, 1, 1}, [3]bool{true, false, false}, 0)
	fillRandom(t, m, 9)
	before := make(map[grid.CellID]float64)
	for _, id := range m.Leaves() {
		before[id] = value(t, m, id, 3)
	}

	r := newRig(t, m, velocityMesh(t), 1, partitions.BlockPartition, 1)
	tr := r.ranks[0]
	err := tr.Translate(context.Background(), r.cells[0], 1, 0) // vx = 1.5
	assert.True(t, errors.Is(err, remap.ErrStencilExceeded))
	assert.Equal(t, transport.Idle, tr.State(grid.X))
	assert.NoError(t, tr.CheckBarrier())
	for id, want := range before {
		assert.Equal(t, want, value(t, m, id, 3), "cell %d", id)
	}
}

func TestPlanExchange(t *testing.T) {
	m := newMesh(t, [3]int{8, 1, 1}, [3]bool{true, false, false}, 0)
	r := newRig(t, m, velocityMesh(t), 2, partitions.BlockPartition, 2)
	id := func(i int) grid.CellID { return m.ID(0, [3]int{i, 0, 0}) }

	plan, err := transport.PlanExchange(m.Layout(), r.ranks, r.cells, grid.X, 1)
	require.NoError(t, err)
	assert.Equal(t, []grid.CellID{id(4), id(5)}, plan.GetPickCells(0, 1))
	assert.Equal(t, []grid.CellID{id(0), id(1)}, plan.GetPickCells(1, 0))

	hood, err := r.ranks[0].Neighborhood(r.cells[0], grid.X, -1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, hood.Send)
	assert.Equal(t, []int{1}, hood.Recv)

	targets, err := r.ranks[0].RemoteTargetCells(r.cells[0], grid.X)
	require.NoError(t, err)
	assert.Equal(t, []grid.CellID{id(0), id(1), id(2), id(3)}, targets)
}

func TestNewValidates(t *testing.T) {
	m := newMesh(t, [3]int{2, 1, 1}, [3]bool{}, 0)
	view, err := m.View(0)
	require.NoError(t, err)
	fabric, err := partitions.NewFabric(1, 0)
	require.NoError(t, err)
	ep, err := fabric.Endpoint(0)
	require.NoError(t, err)

	_, err = transport.New(nil, view, ep, transport.Options{StencilWidth: 1, VelocityMesh: velocityMesh(t)})
	assert.Error(t, err)
	_, err = transport.New(view, view, ep, transport.Options{StencilWidth: 1})
	assert.Error(t, err)
	_, err = transport.New(view, view, ep, transport.Options{VelocityMesh: velocityMesh(t)})
	assert.Error(t, err)
	tr, err := transport.New(view, view, ep, transport.Options{StencilWidth: 1, VelocityMesh: velocityMesh(t)})
	require.NoError(t, err)
	assert.NotNil(t, tr.Adapter())
}
