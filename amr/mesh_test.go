package amr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/VlasovAMR/grid"
	"github.com/notargets/VlasovAMR/partitions"
	"github.com/notargets/VlasovAMR/spatial"
	"github.com/notargets/VlasovAMR/vmesh"
)

func newTestMesh(t *testing.T, cells [3]int, periodic [3]bool, maxLevel int) *Mesh {
	t.Helper()
	m, err := New(Config{
		Cells:              cells,
		CellSize:           [3]float64{1, 1, 1},
		Periodic:           periodic,
		MaxRefinementLevel: maxLevel,
	})
	require.NoError(t, err)
	return m
}

func TestNewValidates(t *testing.T) {
	bad := []Config{
		{Cells: [3]int{0, 1, 1}, CellSize: [3]float64{1, 1, 1}},
		{Cells: [3]int{1, 1, 1}, CellSize: [3]float64{1, 0, 1}},
		{Cells: [3]int{1, 1, 1}, CellSize: [3]float64{1, 1, 1}, MaxRefinementLevel: -1},
		{Cells: [3]int{1, 1, 1}, CellSize: [3]float64{1, 1, 1}, MaxRefinementLevel: 11},
	}
	for i, cfg := range bad {
		_, err := New(cfg)
		assert.Error(t, err, "config %d", i)
	}
}

func TestIDRoundTrip(t *testing.T) {
	m := newTestMesh(t, [3]int{3, 2, 1}, [3]bool{}, 2)
	assert.Equal(t, grid.CellID(1), m.ID(0, [3]int{0, 0, 0}))
	assert.Equal(t, grid.CellID(7), m.ID(1, [3]int{0, 0, 0}))
	assert.Equal(t, grid.CellID(7+48), m.ID(2, [3]int{0, 0, 0}))

	for level := 0; level <= 2; level++ {
		n := 1 << uint(level)
		for _, ijk := range [][3]int{{0, 0, 0}, {3*n - 1, 0, 0}, {1, 2*n - 1, n - 1}} {
			id := m.ID(level, ijk)
			require.NotEqual(t, grid.InvalidCellID, id)
			l, got, err := m.Indices(id)
			require.NoError(t, err)
			assert.Equal(t, level, l)
			assert.Equal(t, ijk, got)
		}
	}

	assert.Equal(t, grid.InvalidCellID, m.ID(0, [3]int{3, 0, 0}))
	assert.Equal(t, grid.InvalidCellID, m.ID(3, [3]int{0, 0, 0}))
	_, _, err := m.Indices(grid.InvalidCellID)
	assert.True(t, errors.Is(err, grid.ErrTopology))
	_, _, err = m.Indices(grid.CellID(7 + 48 + 384))
	assert.True(t, errors.Is(err, grid.ErrTopology))
}

func TestGeometry(t *testing.T) {
	m, err := New(Config{
		Cells:              [3]int{2, 2, 2},
		Origin:             [3]float64{1, 2, 3},
		CellSize:           [3]float64{2, 2, 2},
		MaxRefinementLevel: 1,
	})
	require.NoError(t, err)
	g, err := m.Geometry(m.ID(1, [3]int{1, 0, 3}))
	require.NoError(t, err)
	assert.Equal(t, 1, g.Level)
	assert.Equal(t, [3]float64{1, 1, 1}, g.Size)
	assert.Equal(t, [3]float64{2.5, 2.5, 6.5}, g.Center)

	c, err := m.Cell(m.ID(0, [3]int{1, 1, 1}))
	require.NoError(t, err)
	assert.Equal(t, [3]float64{4, 5, 6}, c.Geometry.Center)
	assert.Equal(t, 8.0, c.Geometry.Volume())
}

func TestNeighbors(t *testing.T) {
	m := newTestMesh(t, [3]int{4, 4, 1}, [3]bool{true, true, false}, 1)
	coarse := m.ID(0, [3]int{1, 1, 0})
	children, err := m.Refine(coarse)
	require.NoError(t, err)
	require.Len(t, children, 8)
	assert.Equal(t, 4*4-1+8, len(m.Leaves()))

	left := m.ID(0, [3]int{0, 1, 0})
	nbrs, err := m.Neighbors(left, grid.X, 1)
	require.NoError(t, err)
	assert.Len(t, nbrs, 4)

	child := m.ID(1, [3]int{2, 2, 0})
	nbrs, err = m.Neighbors(child, grid.X, -1)
	require.NoError(t, err)
	assert.Equal(t, []grid.CellID{left}, nbrs)

	nbrs, err = m.Neighbors(child, grid.Z, 1)
	require.NoError(t, err)
	assert.Equal(t, []grid.CellID{m.ID(1, [3]int{2, 2, 1})}, nbrs)

	// z is a single non-periodic layer
	nbrs, err = m.Neighbors(child, grid.Z, -1)
	require.NoError(t, err)
	assert.Empty(t, nbrs)
	nbrs, err = m.Neighbors(left, grid.Z, 1)
	require.NoError(t, err)
	assert.Empty(t, nbrs)

	// Periodic wrap along x
	nbrs, err = m.Neighbors(left, grid.X, -1)
	require.NoError(t, err)
	assert.Equal(t, []grid.CellID{m.ID(0, [3]int{3, 1, 0})}, nbrs)

	_, err = m.Neighbors(coarse, grid.X, 1)
	assert.True(t, errors.Is(err, grid.ErrTopology))
	_, err = m.Neighbors(left, grid.X, 0)
	assert.Error(t, err)
}

func TestRefine(t *testing.T) {
	m := newTestMesh(t, [3]int{4, 4, 1}, [3]bool{true, true, false}, 2)
	_, err := m.Partition(2, partitions.BlockPartition)
	require.NoError(t, err)

	parent := m.ID(0, [3]int{1, 2, 0})
	owner := m.Owner(parent)
	require.NoError(t, m.SetSysBoundary(parent, spatial.Outflow))
	c, err := m.Cell(parent)
	require.NoError(t, err)
	c.Populations[0].AddBlock(3)[5] = 7
	gen := m.Generation()

	children, err := m.Refine(parent)
	require.NoError(t, err)
	assert.False(t, m.IsLeaf(parent))
	assert.Nil(t, m.Layout())
	assert.Greater(t, m.Generation(), gen)
	for _, id := range children {
		child, err := m.Cell(id)
		require.NoError(t, err)
		assert.Equal(t, owner, m.Owner(id))
		assert.Equal(t, spatial.Outflow, child.SysBoundary)
		assert.Equal(t, 7.0, child.Populations[0].Block(3)[5])
		assert.Equal(t, 1, child.Geometry.Level)
	}
	// Children hold copies
	first, _ := m.Cell(children[0])
	first.Populations[0].Block(3)[5] = 1
	second, _ := m.Cell(children[1])
	assert.Equal(t, 7.0, second.Populations[0].Block(3)[5])

	// The child at the low x face borders a level 0 cell
	_, err = m.Refine(m.ID(1, [3]int{2, 4, 0}))
	assert.Error(t, err)

	_, err = m.Refine(parent)
	assert.Error(t, err)
}

func TestRefineRespectsMaxLevel(t *testing.T) {
	m := newTestMesh(t, [3]int{2, 2, 2}, [3]bool{}, 1)
	children, err := m.Refine(m.ID(0, [3]int{0, 0, 0}))
	require.NoError(t, err)
	_, err = m.Refine(children[0])
	assert.Error(t, err)
}

func TestRefineRegion(t *testing.T) {
	m := newTestMesh(t, [3]int{4, 4, 1}, [3]bool{true, true, false}, 1)
	require.NoError(t, m.RefineRegion([3]float64{1, 1, 0}, [3]float64{3, 3, 1}, 1))
	assert.Len(t, m.Leaves(), 16-4+4*8)
	assert.False(t, m.IsLeaf(m.ID(0, [3]int{2, 2, 0})))
	assert.True(t, m.IsLeaf(m.ID(0, [3]int{3, 3, 0})))
}

func TestPartitionAndView(t *testing.T) {
	m := newTestMesh(t, [3]int{4, 1, 1}, [3]bool{}, 0)
	_, err := m.View(1)
	assert.Error(t, err)

	layout, err := m.Partition(2, partitions.BlockPartition)
	require.NoError(t, err)
	assert.Same(t, layout, m.Layout())
	assert.Equal(t, 2, m.NumRanks())
	ids := m.Leaves()
	assert.Equal(t, 1, m.Owner(ids[2]))
	assert.Equal(t, -1, m.Owner(grid.CellID(99)))

	v, err := m.View(0)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Rank())
	assert.Equal(t, ids[:2], v.LocalCells())

	_, err = v.Cell(ids[2])
	assert.Error(t, err)

	require.NoError(t, v.RefreshGhosts(1))
	assert.Equal(t, ids[2:3], v.GhostCells())
	ghost, err := v.Cell(ids[2])
	require.NoError(t, err)
	owned, err := m.Cell(ids[2])
	require.NoError(t, err)
	assert.NotSame(t, owned, ghost)

	require.NoError(t, v.RefreshGhosts(2))
	assert.Equal(t, ids[2:], v.GhostCells())

	require.NoError(t, m.SetSysBoundary(ids[0], spatial.Fixed))
	assert.Equal(t, ids[1:2], v.PropagatedCells())
	assert.Error(t, m.SetSysBoundary(grid.CellID(99), spatial.Fixed))
}

func TestPartitionMortonFollowsCurve(t *testing.T) {
	m := newTestMesh(t, [3]int{2, 2, 1}, [3]bool{}, 1)
	children, err := m.Refine(m.ID(0, [3]int{0, 0, 0}))
	require.NoError(t, err)
	_, err = m.Partition(2, partitions.SpaceFillingCurve)
	require.NoError(t, err)
	// Eight children then three coarse cells, cut in runs of six
	for i, id := range children {
		want := 0
		if i >= 6 {
			want = 1
		}
		assert.Equal(t, want, m.Owner(id), "child %d", i)
	}
	for _, ijk := range [][3]int{{1, 0, 0}, {0, 1, 0}, {1, 1, 0}} {
		assert.Equal(t, 1, m.Owner(m.ID(0, ijk)))
	}
}

func TestClusterSynchronize(t *testing.T) {
	m := newTestMesh(t, [3]int{4, 1, 1}, [3]bool{true, false, false}, 0)
	cluster, err := NewCluster(m, 2, partitions.BlockPartition, 1)
	require.NoError(t, err)
	ids := m.Leaves()

	// Every rank already holds ghosts of both neighbors across the ring
	assert.Equal(t, []grid.CellID{ids[2], ids[3]}, cluster.Views[0].GhostCells())

	err = cluster.Run(context.Background(), func(ctx context.Context, view *View, ep *partitions.Endpoint) error {
		if view.Rank() == 1 {
			c, err := view.Cell(ids[2])
			if err != nil {
				return err
			}
			c.Populations[0].AddBlock(0)[0] = 5
		}
		return cluster.Synchronize(ctx, view.Rank())
	})
	require.NoError(t, err)

	ghost, err := cluster.Views[0].Cell(ids[2])
	require.NoError(t, err)
	require.NotNil(t, ghost.Populations[0].Block(0))
	assert.Equal(t, 5.0, ghost.Populations[0].Block(0)[0])
}

func TestClusterRunReportsRank(t *testing.T) {
	m := newTestMesh(t, [3]int{4, 1, 1}, [3]bool{}, 0)
	cluster, err := NewCluster(m, 2, partitions.RoundRobin, 1)
	require.NoError(t, err)
	boom := errors.New("boom")
	err = cluster.Run(context.Background(), func(ctx context.Context, view *View, ep *partitions.Endpoint) error {
		if view.Rank() == 1 {
			return boom
		}
		return nil
	})
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "rank 1")
}

func TestBarrierHonorsContext(t *testing.T) {
	m := newTestMesh(t, [3]int{2, 1, 1}, [3]bool{}, 0)
	cluster, err := NewCluster(m, 2, partitions.BlockPartition, 1)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = cluster.Synchronize(ctx, 0)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestBarrierReuse(t *testing.T) {
	b := newBarrier(3)
	errs := make(chan error, 6)
	for r := 0; r < 3; r++ {
		go func() {
			for round := 0; round < 2; round++ {
				errs <- b.wait(context.Background())
			}
		}()
	}
	for i := 0; i < 6; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestTotalMass(t *testing.T) {
	m := newTestMesh(t, [3]int{2, 1, 1}, [3]bool{}, 0)
	vm, err := vmesh.NewUniform([3]int{1, 1, 1}, [3]float64{0, 0, 0}, [3]float64{4, 4, 4})
	require.NoError(t, err)
	ids := m.Leaves()

	c0, err := m.Cell(ids[0])
	require.NoError(t, err)
	c0.Populations[0].AddBlock(0)[0] = 2
	c1, err := m.Cell(ids[1])
	require.NoError(t, err)
	c1.Populations[0].AddBlock(0)[10] = 3
	require.NoError(t, m.SetSysBoundary(ids[1], spatial.Fixed))

	mass, err := m.TotalMass(0, vm, false)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, mass, 1e-12)
	mass, err = m.TotalMass(0, vm, true)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, mass, 1e-12)

	c0.Populations[0].AddBlock(9)[0] = 1
	_, err = m.TotalMass(0, vm, false)
	assert.Error(t, err)
}
