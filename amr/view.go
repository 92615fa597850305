package amr

import (
	"fmt"
	"sort"

	"github.com/notargets/VlasovAMR/grid"
	"github.com/notargets/VlasovAMR/spatial"
)

// View is the mesh as seen by one rank: its own leaves plus ghost replicas
// of remote leaves near them
type View struct {
	*Mesh
	rank   int
	ghosts map[grid.CellID]*spatial.Cell
}

// View returns the view of rank
func (m *Mesh) View(rank int) (*View, error) {
	if rank < 0 || rank >= m.numRanks {
		return nil, fmt.Errorf("rank %d outside %d ranks", rank, m.numRanks)
	}
	return &View{Mesh: m, rank: rank, ghosts: make(map[grid.CellID]*spatial.Cell)}, nil
}

// Rank returns the rank of the view
func (v *View) Rank() int {
	return v.rank
}

// Cell returns local cell data or the ghost replica of a remote cell
func (v *View) Cell(id grid.CellID) (*spatial.Cell, error) {
	if v.Owner(id) == v.rank {
		return v.Mesh.Cell(id)
	}
	if c, ok := v.ghosts[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("rank %d has no ghost replica of cell %d (owner %d)", v.rank, id, v.Owner(id))
}

// LocalCells returns the leaves owned by the rank in ID order
func (v *View) LocalCells() []grid.CellID {
	var out []grid.CellID
	for _, id := range v.Leaves() {
		if v.Owner(id) == v.rank {
			out = append(out, id)
		}
	}
	return out
}

// PropagatedCells returns the owned leaves that are not boundary cells
func (v *View) PropagatedCells() []grid.CellID {
	var out []grid.CellID
	for _, id := range v.LocalCells() {
		if c, _ := v.Mesh.Cell(id); !c.IsSysBoundary() {
			out = append(out, id)
		}
	}
	return out
}

// GhostCells returns the IDs of the current ghost replicas
func (v *View) GhostCells() []grid.CellID {
	out := make([]grid.CellID, 0, len(v.ghosts))
	for id := range v.ghosts {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RefreshGhosts copies every remote leaf within width face hops of a local
// leaf along any axis. No rank may be sweeping while ghosts refresh.
func (v *View) RefreshGhosts(width int) error {
	ghosts := make(map[grid.CellID]*spatial.Cell)
	for _, id := range v.LocalCells() {
		for _, dim := range grid.Dimensions {
			for _, dir := range []int{-1, 1} {
				reach, err := grid.Reach(v.Mesh, id, dim, dir, width)
				if err != nil {
					return err
				}
				for _, n := range reach {
					if v.Owner(n) == v.rank {
						continue
					}
					if _, ok := ghosts[n]; ok {
						continue
					}
					c, err := v.Mesh.Cell(n)
					if err != nil {
						return err
					}
					ghosts[n] = c.Clone()
				}
			}
		}
	}
	v.ghosts = ghosts
	return nil
}
