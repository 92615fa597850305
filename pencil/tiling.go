package pencil

import (
	"fmt"

	"github.com/notargets/VlasovAMR/grid"
)

// VerifyTiling checks that the pencil footprints cover the transverse face of
// every cell exactly once and that no pencil visits a cell twice
func VerifyTiling(set *SetOfPencils, cells []grid.CellID, adapter *grid.Adapter) error {
	maxLevel := adapter.MaxRefinementLevel()
	full := int64(1) << uint(2*maxLevel)

	inSweep := make(map[grid.CellID]bool, len(cells))
	for _, id := range cells {
		inSweep[id] = true
	}
	levels := make(map[grid.CellID]int, len(cells))
	coverage := make(map[grid.CellID]int64, len(cells))

	for p, pen := range set.Pencils() {
		seen := make(map[grid.CellID]bool, pen.Len())
		for _, id := range pen.IDs {
			if seen[id] {
				return fmt.Errorf("%w: pencil %d visits cell %d twice", grid.ErrTopology, p, id)
			}
			seen[id] = true
			if !inSweep[id] {
				return fmt.Errorf("%w: pencil %d holds cell %d outside the sweep", grid.ErrTopology, p, id)
			}

			level, ok := levels[id]
			if !ok {
				g, err := adapter.Geometry(id)
				if err != nil {
					return err
				}
				level = g.Level
				levels[id] = level
			}
			depth := len(pen.Path) - level
			if depth < 0 || depth > maxLevel {
				return fmt.Errorf("%w: pencil %d with path %v is coarser than level %d cell %d",
					grid.ErrTopology, p, pen.Path, level, id)
			}
			coverage[id] += int64(1) << uint(2*(maxLevel-depth))
		}
	}

	for _, id := range cells {
		if c := coverage[id]; c != full {
			return fmt.Errorf("%w: cell %d covered %.4f times by pencils",
				grid.ErrTopology, id, float64(c)/float64(full))
		}
	}
	return nil
}
