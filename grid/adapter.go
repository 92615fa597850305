package grid

import (
	"fmt"
	"sync"
)

// Adapter wraps a Topology with refinement-path neighbor selection and a
// neighbor cache that is rebuilt whenever the topology generation changes
type Adapter struct {
	topo Topology

	mu         sync.RWMutex
	generation uint64
	neighbors  map[neighborKey][]CellID
}

type neighborKey struct {
	id  CellID
	dim Dimension
	dir int8
}

// NewAdapter creates an adapter over topo
func NewAdapter(topo Topology) *Adapter {
	return &Adapter{
		topo:       topo,
		generation: topo.Generation(),
		neighbors:  make(map[neighborKey][]CellID),
	}
}

// Topology returns the wrapped mesh
func (a *Adapter) Topology() Topology {
	return a.topo
}

// Rank returns the rank of the wrapped mesh view
func (a *Adapter) Rank() int {
	return a.topo.Rank()
}

// Neighbors returns the cached face neighbors of id on the dir side of dim
func (a *Adapter) Neighbors(id CellID, dim Dimension, dir int) ([]CellID, error) {
	if dir != 1 && dir != -1 {
		return nil, fmt.Errorf("invalid direction %d", dir)
	}
	key := neighborKey{id: id, dim: dim, dir: int8(dir)}
	gen := a.topo.Generation()

	a.mu.RLock()
	if a.generation == gen {
		if nbrs, ok := a.neighbors[key]; ok {
			a.mu.RUnlock()
			return nbrs, nil
		}
	}
	a.mu.RUnlock()

	nbrs, err := a.topo.Neighbors(id, dim, dir)
	if err != nil {
		return nil, err
	}
	if len(nbrs) != 0 && len(nbrs) != 1 && len(nbrs) != NumQuadrants {
		return nil, fmt.Errorf("%w: cell %d has %d neighbors along %s%+d",
			ErrTopology, id, len(nbrs), dim, dir)
	}

	a.mu.Lock()
	if a.generation != gen {
		a.neighbors = make(map[neighborKey][]CellID)
		a.generation = gen
	}
	a.neighbors[key] = nbrs
	a.mu.Unlock()
	return nbrs, nil
}

// Neighbor resolves the single neighbor of id on the dir side of dim. When
// the neighbor region is finer than id, path selects the quadrant at the
// level of id. InvalidCellID is returned at a non-periodic domain edge.
func (a *Adapter) Neighbor(id CellID, dim Dimension, dir int, path Path) (CellID, error) {
	if len(path) > a.topo.MaxRefinementLevel() {
		return InvalidCellID, fmt.Errorf("%w: path length %d exceeds max refinement level %d",
			ErrTopology, len(path), a.topo.MaxRefinementLevel())
	}
	nbrs, err := a.Neighbors(id, dim, dir)
	if err != nil {
		return InvalidCellID, err
	}
	switch len(nbrs) {
	case 0:
		return InvalidCellID, nil
	case 1:
		return nbrs[0], nil
	}

	geom, err := a.topo.Geometry(id)
	if err != nil {
		return InvalidCellID, err
	}
	if geom.Level >= len(path) {
		return InvalidCellID, fmt.Errorf("%w: path %v cannot select a level %d neighbor of cell %d along %s%+d",
			ErrTopology, path, geom.Level+1, id, dim, dir)
	}
	q := path[geom.Level]
	if q >= NumQuadrants {
		return InvalidCellID, fmt.Errorf("%w: path entry %d out of range", ErrTopology, q)
	}
	return nbrs[q], nil
}

// NeedsSplit reports whether the neighbor of id along dim/dir is finer than
// path can select
func (a *Adapter) NeedsSplit(id CellID, dim Dimension, dir int, path Path) (bool, error) {
	nbrs, err := a.Neighbors(id, dim, dir)
	if err != nil || len(nbrs) != NumQuadrants {
		return false, err
	}
	geom, err := a.topo.Geometry(id)
	if err != nil {
		return false, err
	}
	return geom.Level >= len(path), nil
}

// Lineage returns the quadrant path from level 0 down to id, as seen by a
// pencil sweeping along dim
func (a *Adapter) Lineage(id CellID, dim Dimension) (Path, error) {
	level, ijk, err := a.topo.Indices(id)
	if err != nil {
		return nil, err
	}
	t1, t2 := dim.Transverse()
	path := make(Path, level)
	for l := 0; l < level; l++ {
		shift := uint(level - (l + 1))
		b1 := (ijk[t1]>>shift)&1 == 1
		b2 := (ijk[t2]>>shift)&1 == 1
		path[l] = Quadrant(b1, b2)
	}
	return path, nil
}

// Geometry returns the geometric extent of id
func (a *Adapter) Geometry(id CellID) (Geometry, error) {
	return a.topo.Geometry(id)
}

// Owner returns the rank owning id
func (a *Adapter) Owner(id CellID) int {
	return a.topo.Owner(id)
}

// IsLocal reports whether id is owned by this rank
func (a *Adapter) IsLocal(id CellID) bool {
	return id != InvalidCellID && a.topo.Owner(id) == a.topo.Rank()
}

// IsOnProcessBoundary reports whether a local cell has a face neighbor owned
// by another rank
func (a *Adapter) IsOnProcessBoundary(id CellID) (bool, error) {
	if !a.IsLocal(id) {
		return false, nil
	}
	for _, dim := range Dimensions {
		for _, dir := range []int{-1, 1} {
			nbrs, err := a.Neighbors(id, dim, dir)
			if err != nil {
				return false, err
			}
			for _, n := range nbrs {
				if !a.IsLocal(n) {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// MaxRefinementLevel returns the deepest refinement level of the mesh
func (a *Adapter) MaxRefinementLevel() int {
	return a.topo.MaxRefinementLevel()
}
