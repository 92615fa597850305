package amr

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/VlasovAMR/grid"
	"github.com/notargets/VlasovAMR/partitions"
	"github.com/notargets/VlasovAMR/spatial"
	"github.com/notargets/VlasovAMR/vmesh"
)

// Config describes the base grid of a mesh
type Config struct {
	Cells              [3]int     // Level 0 cells per axis
	Origin             [3]float64 // Lower corner of the domain
	CellSize           [3]float64 // Level 0 cell size
	Periodic           [3]bool
	MaxRefinementLevel int
	Populations        int
}

// Mesh is an octree refined Cartesian mesh. Leaves carry the cell data;
// cell IDs number every level of the tree, level after level, starting at 1.
// Mesh structure must not change while sweeps run.
type Mesh struct {
	cfg     Config
	offsets []uint64 // First ID of each level, minus one

	cells map[grid.CellID]*spatial.Cell // Leaves
	owner map[grid.CellID]int

	layout     *partitions.PartitionLayout
	numRanks   int
	generation uint64
}

// New creates a mesh of level 0 leaves owned by rank 0
func New(cfg Config) (*Mesh, error) {
	for d := 0; d < 3; d++ {
		if cfg.Cells[d] < 1 {
			return nil, fmt.Errorf("invalid base grid %v", cfg.Cells)
		}
		if cfg.CellSize[d] <= 0 {
			return nil, fmt.Errorf("invalid cell size %v", cfg.CellSize)
		}
	}
	if cfg.MaxRefinementLevel < 0 || cfg.MaxRefinementLevel > 10 {
		return nil, fmt.Errorf("invalid max refinement level %d", cfg.MaxRefinementLevel)
	}
	if cfg.Populations < 1 {
		cfg.Populations = 1
	}

	m := &Mesh{
		cfg:      cfg,
		offsets:  make([]uint64, cfg.MaxRefinementLevel+2),
		cells:    make(map[grid.CellID]*spatial.Cell),
		owner:    make(map[grid.CellID]int),
		numRanks: 1,
	}
	base := uint64(cfg.Cells[0] * cfg.Cells[1] * cfg.Cells[2])
	for l := 0; l <= cfg.MaxRefinementLevel; l++ {
		m.offsets[l+1] = m.offsets[l] + base<<uint(3*l)
	}

	for k := 0; k < cfg.Cells[2]; k++ {
		for j := 0; j < cfg.Cells[1]; j++ {
			for i := 0; i < cfg.Cells[0]; i++ {
				m.addLeaf(m.ID(0, [3]int{i, j, k}), spatial.NotSysBoundary, nil, 0)
			}
		}
	}
	return m, nil
}

func (m *Mesh) addLeaf(id grid.CellID, sb spatial.SysBoundaryType, pops []*spatial.Population, owner int) {
	geom, _ := m.Geometry(id)
	c := spatial.NewCell(id, geom, m.cfg.Populations)
	c.SysBoundary = sb
	for i, p := range pops {
		c.Populations[i] = p.Clone()
	}
	m.cells[id] = c
	m.owner[id] = owner
}

// Config returns the base grid description
func (m *Mesh) Config() Config {
	return m.cfg
}

// levelDims returns the number of cells along each axis at level
func (m *Mesh) levelDims(level int) [3]int {
	return [3]int{m.cfg.Cells[0] << uint(level), m.cfg.Cells[1] << uint(level), m.cfg.Cells[2] << uint(level)}
}

// ID returns the cell at level with index ijk, InvalidCellID when out of range
func (m *Mesh) ID(level int, ijk [3]int) grid.CellID {
	if level < 0 || level > m.cfg.MaxRefinementLevel {
		return grid.InvalidCellID
	}
	n := m.levelDims(level)
	for d := 0; d < 3; d++ {
		if ijk[d] < 0 || ijk[d] >= n[d] {
			return grid.InvalidCellID
		}
	}
	idx := uint64(ijk[0]) + uint64(ijk[1])*uint64(n[0]) + uint64(ijk[2])*uint64(n[0])*uint64(n[1])
	return grid.CellID(1 + m.offsets[level] + idx)
}

// Indices returns the refinement level and index triple of id
func (m *Mesh) Indices(id grid.CellID) (int, [3]int, error) {
	if id == grid.InvalidCellID || uint64(id) > m.offsets[len(m.offsets)-1] {
		return 0, [3]int{}, fmt.Errorf("%w: cell %d out of range", grid.ErrTopology, id)
	}
	raw := uint64(id) - 1
	level := 0
	for raw >= m.offsets[level+1] {
		level++
	}
	idx := raw - m.offsets[level]
	n := m.levelDims(level)
	ijk := [3]int{
		int(idx % uint64(n[0])),
		int((idx / uint64(n[0])) % uint64(n[1])),
		int(idx / (uint64(n[0]) * uint64(n[1]))),
	}
	return level, ijk, nil
}

// Geometry returns the extent of id, which need not be a leaf
func (m *Mesh) Geometry(id grid.CellID) (grid.Geometry, error) {
	level, ijk, err := m.Indices(id)
	if err != nil {
		return grid.Geometry{}, err
	}
	g := grid.Geometry{Level: level}
	scale := 1.0 / float64(int(1)<<uint(level))
	for d := 0; d < 3; d++ {
		g.Size[d] = m.cfg.CellSize[d] * scale
		g.Center[d] = m.cfg.Origin[d] + (float64(ijk[d])+0.5)*g.Size[d]
	}
	return g, nil
}

// IsLeaf reports whether id is a leaf of the mesh
func (m *Mesh) IsLeaf(id grid.CellID) bool {
	_, ok := m.cells[id]
	return ok
}

// Leaves returns all leaf cells in ID order
func (m *Mesh) Leaves() []grid.CellID {
	out := make([]grid.CellID, 0, len(m.cells))
	for id := range m.cells {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Cell returns the data of leaf id
func (m *Mesh) Cell(id grid.CellID) (*spatial.Cell, error) {
	c, ok := m.cells[id]
	if !ok {
		return nil, fmt.Errorf("cell %d is not a leaf of the mesh", id)
	}
	return c, nil
}

// SetSysBoundary marks a leaf as a boundary cell
func (m *Mesh) SetSysBoundary(id grid.CellID, sb spatial.SysBoundaryType) error {
	c, err := m.Cell(id)
	if err != nil {
		return err
	}
	c.SysBoundary = sb
	return nil
}

// Generation changes on every refinement or repartition
func (m *Mesh) Generation() uint64 {
	return m.generation
}

// MaxRefinementLevel returns the deepest allowed level
func (m *Mesh) MaxRefinementLevel() int {
	return m.cfg.MaxRefinementLevel
}

// Extent returns the number of level 0 cells per axis
func (m *Mesh) Extent() [3]int {
	return m.cfg.Cells
}

// Periodic returns the periodicity per axis
func (m *Mesh) Periodic() [3]bool {
	return m.cfg.Periodic
}

// Owner returns the rank owning leaf id, -1 when id is not a leaf
func (m *Mesh) Owner(id grid.CellID) int {
	if r, ok := m.owner[id]; ok {
		return r
	}
	return -1
}

// NumRanks returns the number of ranks of the last partition
func (m *Mesh) NumRanks() int {
	return m.numRanks
}

// Layout returns the last partition layout, nil before Partition
func (m *Mesh) Layout() *partitions.PartitionLayout {
	return m.layout
}

// leafAt returns the leaf covering the finest-level index fine
func (m *Mesh) leafAt(fine [3]int) (grid.CellID, int) {
	maxLevel := m.cfg.MaxRefinementLevel
	for l := 0; l <= maxLevel; l++ {
		shift := uint(maxLevel - l)
		id := m.ID(l, [3]int{fine[0] >> shift, fine[1] >> shift, fine[2] >> shift})
		if m.IsLeaf(id) {
			return id, l
		}
	}
	return grid.InvalidCellID, -1
}

// wrap maps a finest-level index along dim into the domain, false outside a
// non-periodic edge
func (m *Mesh) wrap(v int, dim grid.Dimension) (int, bool) {
	n := m.cfg.Cells[dim] << uint(m.cfg.MaxRefinementLevel)
	if v >= 0 && v < n {
		return v, true
	}
	if !m.cfg.Periodic[dim] {
		return 0, false
	}
	return ((v % n) + n) % n, true
}

// Neighbors implements grid.Topology
func (m *Mesh) Neighbors(id grid.CellID, dim grid.Dimension, dir int) ([]grid.CellID, error) {
	if !m.IsLeaf(id) {
		return nil, fmt.Errorf("%w: neighbors of non-leaf cell %d", grid.ErrTopology, id)
	}
	if dir != 1 && dir != -1 {
		return nil, fmt.Errorf("invalid direction %d", dir)
	}
	level, ijk, err := m.Indices(id)
	if err != nil {
		return nil, err
	}
	shift := uint(m.cfg.MaxRefinementLevel - level)
	span := 1 << shift
	var base [3]int
	for d := 0; d < 3; d++ {
		base[d] = ijk[d] << shift
	}

	probe := base
	if dir > 0 {
		probe[dim] = base[dim] + span
	} else {
		probe[dim] = base[dim] - 1
	}
	var ok bool
	if probe[dim], ok = m.wrap(probe[dim], dim); !ok {
		return nil, nil
	}

	nbr, nlevel := m.leafAt(probe)
	switch {
	case nbr == grid.InvalidCellID:
		return nil, fmt.Errorf("%w: no leaf covers the %s%+d side of cell %d", grid.ErrTopology, dim, dir, id)
	case nlevel <= level:
		return []grid.CellID{nbr}, nil
	case nlevel > level+1:
		return nil, fmt.Errorf("%w: cell %d at level %d borders level %d cell %d",
			grid.ErrTopology, id, level, nlevel, nbr)
	}

	t1, t2 := dim.Transverse()
	half := span / 2
	out := make([]grid.CellID, grid.NumQuadrants)
	for q := uint8(0); q < grid.NumQuadrants; q++ {
		s1, s2 := grid.QuadrantSigns(q)
		p := probe
		if s1 > 0 {
			p[t1] += half
		}
		if s2 > 0 {
			p[t2] += half
		}
		child, clevel := m.leafAt(p)
		if clevel != level+1 {
			return nil, fmt.Errorf("%w: cell %d at level %d borders level %d cell %d",
				grid.ErrTopology, id, level, clevel, child)
		}
		out[q] = child
	}
	return out, nil
}

// Refine replaces leaf id by its eight children, which inherit its data,
// boundary flag and owner. Refinement that would put face neighbors more
// than one level apart is rejected.
func (m *Mesh) Refine(id grid.CellID) ([]grid.CellID, error) {
	parent, err := m.Cell(id)
	if err != nil {
		return nil, err
	}
	level, ijk, err := m.Indices(id)
	if err != nil {
		return nil, err
	}
	if level >= m.cfg.MaxRefinementLevel {
		return nil, fmt.Errorf("cell %d is already at max refinement level %d", id, level)
	}
	for _, dim := range grid.Dimensions {
		for _, dir := range []int{-1, 1} {
			nbrs, err := m.Neighbors(id, dim, dir)
			if err != nil {
				return nil, err
			}
			if len(nbrs) == 1 {
				if nl, _, _ := m.Indices(nbrs[0]); nl < level {
					return nil, fmt.Errorf("refining cell %d would break 2:1 balance with cell %d", id, nbrs[0])
				}
			}
		}
	}

	owner := m.owner[id]
	delete(m.cells, id)
	delete(m.owner, id)
	children := make([]grid.CellID, 0, 8)
	for c := 0; c < 8; c++ {
		cijk := [3]int{2*ijk[0] + c&1, 2*ijk[1] + (c>>1)&1, 2*ijk[2] + (c>>2)&1}
		child := m.ID(level+1, cijk)
		m.addLeaf(child, parent.SysBoundary, parent.Populations, owner)
		children = append(children, child)
	}
	m.layout = nil
	m.generation++
	return children, nil
}

// RefineRegion refines every leaf whose center lies in [lo, hi) up to
// level, coarsest first
func (m *Mesh) RefineRegion(lo, hi [3]float64, level int) error {
	for l := 0; l < level; l++ {
		for _, id := range m.Leaves() {
			g, err := m.Geometry(id)
			if err != nil {
				return err
			}
			if g.Level != l || !inside(g.Center, lo, hi) {
				continue
			}
			if _, err := m.Refine(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func inside(x, lo, hi [3]float64) bool {
	for d := 0; d < 3; d++ {
		if x[d] < lo[d] || x[d] >= hi[d] {
			return false
		}
	}
	return true
}

// Partition assigns leaves to numRanks ranks
func (m *Mesh) Partition(numRanks int, strategy partitions.PartitionStrategy) (*partitions.PartitionLayout, error) {
	leaves := m.Leaves()
	keys := make([]uint64, len(leaves))
	for i, id := range leaves {
		level, ijk, err := m.Indices(id)
		if err != nil {
			return nil, err
		}
		keys[i] = partitions.MortonKey(level, ijk, m.cfg.MaxRefinementLevel)
	}
	pb := &partitions.PartitionBuilder{
		Cells:         leaves,
		Keys:          keys,
		NumPartitions: numRanks,
		Strategy:      strategy,
	}
	layout, err := pb.BuildPartitions()
	if err != nil {
		return nil, err
	}
	for id, r := range layout.CellToPartition {
		m.owner[id] = r
	}
	m.layout = layout
	m.numRanks = numRanks
	m.generation++
	return layout, nil
}

// TotalMass returns the phase-space integral of population pop over all
// leaves, skipping boundary cells unless withBoundary is set
func (m *Mesh) TotalMass(pop int, vm vmesh.Mesh, withBoundary bool) (float64, error) {
	var masses []float64
	for _, id := range m.Leaves() {
		c := m.cells[id]
		if c.IsSysBoundary() && !withBoundary {
			continue
		}
		if err := c.UpdateMoments(vm); err != nil {
			return 0, err
		}
		masses = append(masses, c.Mass(pop))
	}
	return floats.Sum(masses), nil
}
