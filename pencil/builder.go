package pencil

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/notargets/VlasovAMR/grid"
)

// Builder constructs the pencils of one sweep over locally propagated cells
type Builder struct {
	Adapter      *grid.Adapter
	StencilWidth int // Ghost cells needed beyond each pencil end
	Log          *logrus.Entry
}

// NewBuilder creates a pencil builder
func NewBuilder(adapter *grid.Adapter, stencilWidth int, log *logrus.Entry) (*Builder, error) {
	if adapter == nil {
		return nil, fmt.Errorf("pencil builder requires a grid adapter")
	}
	if stencilWidth < 1 {
		return nil, fmt.Errorf("invalid stencil width %d", stencilWidth)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Builder{Adapter: adapter, StencilWidth: stencilWidth, Log: log}, nil
}

// Seed is the starting cell of a pencil with its initial path and position
type Seed struct {
	ID   grid.CellID
	Path grid.Path
	X, Y float64
}

// buildState holds the per-sweep bookkeeping of one Build call
type buildState struct {
	b          *Builder
	dim        grid.Dimension
	t1, t2     grid.Dimension
	propagated map[grid.CellID]bool
	geometry   map[grid.CellID]grid.Geometry
	set        *SetOfPencils
	open       []int
	maxLen     int
}

// Build creates the pencils covering cells along dim. Every cell ends up
// covered by pencils whose footprints tile its transverse face exactly once.
func (b *Builder) Build(cells []grid.CellID, dim grid.Dimension) (*SetOfPencils, error) {
	st, err := b.newState(cells, dim)
	if err != nil {
		return nil, err
	}

	seeds, err := b.seeds(st, cells)
	if err != nil {
		return nil, err
	}
	for _, s := range seeds {
		st.open = append(st.open, st.set.AddPencil([]grid.CellID{s.ID}, s.X, s.Y, false, s.Path))
	}
	if err := st.drain(); err != nil {
		return nil, err
	}

	// Periodic rings have no seed; start each from its coarsest uncovered cell
	rings := 0
	for {
		start, ok, err := st.nextRingStart(cells)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		s, err := st.fullSeed(start)
		if err != nil {
			return nil, err
		}
		st.open = append(st.open, st.set.AddPencil([]grid.CellID{s.ID}, s.X, s.Y, false, s.Path))
		if err := st.drain(); err != nil {
			return nil, err
		}
		rings++
	}

	if err := VerifyTiling(st.set, cells, b.Adapter); err != nil {
		return nil, err
	}

	b.Log.WithFields(logrus.Fields{
		"dim":     dim.String(),
		"seeds":   len(seeds),
		"rings":   rings,
		"pencils": st.set.N,
		"cells":   st.set.SumOfLengths,
	}).Debug("pencils built")
	return st.set, nil
}

func (b *Builder) newState(cells []grid.CellID, dim grid.Dimension) (*buildState, error) {
	t1, t2 := dim.Transverse()
	st := &buildState{
		b:          b,
		dim:        dim,
		t1:         t1,
		t2:         t2,
		propagated: make(map[grid.CellID]bool, len(cells)),
		geometry:   make(map[grid.CellID]grid.Geometry),
		set:        NewSetOfPencils(),
	}
	for _, id := range cells {
		if !b.Adapter.IsLocal(id) {
			return nil, fmt.Errorf("%w: propagated cell %d is not local to rank %d",
				grid.ErrTopology, id, b.Adapter.Rank())
		}
		st.propagated[id] = true
	}
	extent := b.Adapter.Topology().Extent()
	st.maxLen = extent[dim] << uint(b.Adapter.MaxRefinementLevel())
	return st, nil
}

// SeedIDs returns the pencil seeds for cells along dim: cells whose upstream
// neighbor is absent or not propagated. Upstream neighbors that are finer
// and only partly propagated seed one quarter pencil per missing quadrant.
func (b *Builder) SeedIDs(cells []grid.CellID, dim grid.Dimension) ([]Seed, error) {
	st, err := b.newState(cells, dim)
	if err != nil {
		return nil, err
	}
	return b.seeds(st, cells)
}

func (b *Builder) seeds(st *buildState, cells []grid.CellID) ([]Seed, error) {
	sorted := make([]grid.CellID, len(cells))
	copy(sorted, cells)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var seeds []Seed
	for _, id := range sorted {
		nbrs, err := b.Adapter.Neighbors(id, st.dim, -1)
		if err != nil {
			return nil, err
		}
		switch len(nbrs) {
		case 0:
			s, err := st.fullSeed(id)
			if err != nil {
				return nil, err
			}
			seeds = append(seeds, s)
		case 1:
			if st.propagated[nbrs[0]] {
				continue
			}
			s, err := st.fullSeed(id)
			if err != nil {
				return nil, err
			}
			seeds = append(seeds, s)
		default:
			var missing []uint8
			for q, n := range nbrs {
				if !st.propagated[n] {
					missing = append(missing, uint8(q))
				}
			}
			if len(missing) == grid.NumQuadrants {
				s, err := st.fullSeed(id)
				if err != nil {
					return nil, err
				}
				seeds = append(seeds, s)
				continue
			}
			for _, q := range missing {
				s, err := st.quarterSeed(id, q)
				if err != nil {
					return nil, err
				}
				seeds = append(seeds, s)
			}
		}
	}
	return seeds, nil
}

func (st *buildState) geom(id grid.CellID) (grid.Geometry, error) {
	if g, ok := st.geometry[id]; ok {
		return g, nil
	}
	g, err := st.b.Adapter.Geometry(id)
	if err != nil {
		return grid.Geometry{}, err
	}
	st.geometry[id] = g
	return g, nil
}

func (st *buildState) fullSeed(id grid.CellID) (Seed, error) {
	g, err := st.geom(id)
	if err != nil {
		return Seed{}, err
	}
	path, err := st.b.Adapter.Lineage(id, st.dim)
	if err != nil {
		return Seed{}, err
	}
	return Seed{ID: id, Path: path, X: g.Center[st.t1], Y: g.Center[st.t2]}, nil
}

func (st *buildState) quarterSeed(id grid.CellID, q uint8) (Seed, error) {
	s, err := st.fullSeed(id)
	if err != nil {
		return Seed{}, err
	}
	g := st.geometry[id]
	s1, s2 := grid.QuadrantSigns(q)
	s.X += s1 * 0.25 * g.Size[st.t1]
	s.Y += s2 * 0.25 * g.Size[st.t2]
	s.Path = s.Path.Extend(q)
	return s, nil
}

// drain extends open pencils until none remain. Splits push the new
// siblings onto the open list.
func (st *buildState) drain() error {
	for len(st.open) > 0 {
		p := st.open[len(st.open)-1]
		st.open = st.open[:len(st.open)-1]
		if err := st.extend(p); err != nil {
			return err
		}
		if err := st.resolveGhosts(p); err != nil {
			return err
		}
	}
	return nil
}

func (st *buildState) split(p int, at grid.CellID) error {
	pen := st.set.Pencil(p)
	if len(pen.Path) >= st.b.Adapter.MaxRefinementLevel() {
		return fmt.Errorf("%w: pencil %d path %v cannot deepen past max refinement level %d",
			grid.ErrTopology, p, pen.Path, st.b.Adapter.MaxRefinementLevel())
	}
	g, err := st.geom(at)
	if err != nil {
		return err
	}
	first := st.set.N
	if err := st.set.Split(p, g.Size[st.t1], g.Size[st.t2]); err != nil {
		return err
	}
	for i := first; i < st.set.N; i++ {
		st.open = append(st.open, i)
	}
	return nil
}

// extend walks pencil p in the positive sweep direction while the next cell
// is propagated, splitting wherever the next cell is finer than the path
func (st *buildState) extend(p int) error {
	adapter := st.b.Adapter
	for {
		pen := st.set.Pencil(p)
		if pen.Len() > st.maxLen {
			return fmt.Errorf("%w: pencil %d exceeds %d cells along %s",
				grid.ErrTopology, p, st.maxLen, st.dim)
		}
		last := pen.IDs[pen.Len()-1]

		needsSplit, err := adapter.NeedsSplit(last, st.dim, 1, pen.Path)
		if err != nil {
			return err
		}
		if needsSplit {
			if err := st.split(p, last); err != nil {
				return err
			}
			continue
		}

		next, err := adapter.Neighbor(last, st.dim, 1, pen.Path)
		if err != nil {
			return err
		}
		if next == grid.InvalidCellID || !st.propagated[next] || next == pen.IDs[0] {
			return nil
		}
		for _, id := range pen.IDs {
			if id == next {
				return fmt.Errorf("%w: pencil %d revisits cell %d", grid.ErrTopology, p, next)
			}
		}

		gl, err := st.geom(last)
		if err != nil {
			return err
		}
		gn, err := st.geom(next)
		if err != nil {
			return err
		}
		if gn.Center[st.dim] < gl.Center[st.dim] {
			pen.Periodic = true
		}
		st.set.Append(p, next)
	}
}

// resolveGhosts makes sure the stencil cells beyond both ends of pencil p
// can be selected by its path, splitting the pencil where they cannot
func (st *buildState) resolveGhosts(p int) error {
	for attempt := 0; attempt <= st.b.Adapter.MaxRefinementLevel(); attempt++ {
		split, err := st.splitForGhosts(p)
		if err != nil || !split {
			return err
		}
	}
	return fmt.Errorf("%w: ghost resolution of pencil %d did not converge", grid.ErrTopology, p)
}

func (st *buildState) splitForGhosts(p int) (bool, error) {
	adapter := st.b.Adapter
	pen := st.set.Pencil(p)
	ends := [2]struct {
		id  grid.CellID
		dir int
	}{{pen.IDs[0], -1}, {pen.IDs[pen.Len()-1], 1}}

	for _, end := range ends {
		id := end.id
		for k := 0; k < st.b.StencilWidth; k++ {
			needsSplit, err := adapter.NeedsSplit(id, st.dim, end.dir, pen.Path)
			if err != nil {
				return false, err
			}
			if needsSplit {
				return true, st.split(p, id)
			}
			next, err := adapter.Neighbor(id, st.dim, end.dir, pen.Path)
			if err != nil {
				return false, err
			}
			if next == grid.InvalidCellID {
				break
			}
			id = next
		}
	}
	return false, nil
}

// nextRingStart returns the coarsest, most upstream uncovered cell
func (st *buildState) nextRingStart(cells []grid.CellID) (grid.CellID, bool, error) {
	covered := make(map[grid.CellID]bool, st.set.SumOfLengths)
	for _, pen := range st.set.Pencils() {
		for _, id := range pen.IDs {
			covered[id] = true
		}
	}
	var (
		best  grid.CellID
		bestG grid.Geometry
		found bool
	)
	for _, id := range cells {
		if covered[id] {
			continue
		}
		g, err := st.geom(id)
		if err != nil {
			return grid.InvalidCellID, false, err
		}
		if !found || g.Level < bestG.Level ||
			(g.Level == bestG.Level && g.Center[st.dim] < bestG.Center[st.dim]) ||
			(g.Level == bestG.Level && g.Center[st.dim] == bestG.Center[st.dim] && id < best) {
			best, bestG, found = id, g, true
		}
	}
	return best, found, nil
}
