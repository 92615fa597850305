package partitions

import (
	"fmt"
	"math"
	"sort"

	"github.com/notargets/VlasovAMR/grid"
)

// PartitionBuilder assigns mesh cells to ranks
type PartitionBuilder struct {
	// Cells to distribute and their space-filling-curve keys (same length,
	// only needed for SpaceFillingCurve)
	Cells []grid.CellID
	Keys  []uint64

	NumPartitions int
	Strategy      PartitionStrategy
}

// PartitionStrategy defines how cells are grouped
type PartitionStrategy int

const (
	BlockPartition    PartitionStrategy = iota // Consecutive cell IDs
	RoundRobin                                 // Distribute cyclically
	SpaceFillingCurve                          // Consecutive runs of Morton order
)

func (s PartitionStrategy) String() string {
	switch s {
	case BlockPartition:
		return "block"
	case RoundRobin:
		return "round-robin"
	case SpaceFillingCurve:
		return "morton"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy maps a configuration name to a strategy
func ParseStrategy(name string) (PartitionStrategy, error) {
	switch name {
	case "", "block":
		return BlockPartition, nil
	case "round-robin":
		return RoundRobin, nil
	case "morton":
		return SpaceFillingCurve, nil
	}
	return 0, fmt.Errorf("unknown partition strategy %q", name)
}

// BuildPartitions creates a partition layout from the cell list
func (pb *PartitionBuilder) BuildPartitions() (*PartitionLayout, error) {
	if pb.NumPartitions < 1 {
		return nil, fmt.Errorf("invalid partition count %d", pb.NumPartitions)
	}
	if pb.Strategy == SpaceFillingCurve && len(pb.Keys) != len(pb.Cells) {
		return nil, fmt.Errorf("space filling curve needs %d keys, got %d", len(pb.Cells), len(pb.Keys))
	}

	order := pb.cellOrder()
	cellToPartition := pb.partitionCells(order)
	partitions := pb.createPartitions(order, cellToPartition)

	maxCells := 0
	for _, p := range partitions {
		if p.NumCells > maxCells {
			maxCells = p.NumCells
		}
	}

	layout := &PartitionLayout{
		Partitions:      partitions,
		MaxCells:        maxCells,
		TotalCells:      len(pb.Cells),
		NumPartitions:   pb.NumPartitions,
		CellToPartition: cellToPartition,
	}
	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}
	return layout, nil
}

// cellOrder returns the cells in the order partitions are cut from
func (pb *PartitionBuilder) cellOrder() []grid.CellID {
	idx := make([]int, len(pb.Cells))
	for i := range idx {
		idx[i] = i
	}
	if pb.Strategy == SpaceFillingCurve {
		sort.SliceStable(idx, func(a, b int) bool { return pb.Keys[idx[a]] < pb.Keys[idx[b]] })
	} else {
		sort.SliceStable(idx, func(a, b int) bool { return pb.Cells[idx[a]] < pb.Cells[idx[b]] })
	}
	order := make([]grid.CellID, len(idx))
	for i, j := range idx {
		order[i] = pb.Cells[j]
	}
	return order
}

// partitionCells assigns cells to partitions
func (pb *PartitionBuilder) partitionCells(order []grid.CellID) map[grid.CellID]int {
	cellToPartition := make(map[grid.CellID]int, len(order))

	switch pb.Strategy {
	case RoundRobin:
		for i, id := range order {
			cellToPartition[id] = i % pb.NumPartitions
		}

	default:
		// Block and curve partitioning both cut the ordered list in runs
		cellsPerPartition := int(math.Ceil(float64(len(order)) / float64(pb.NumPartitions)))
		if cellsPerPartition < 1 {
			cellsPerPartition = 1
		}
		for i, id := range order {
			p := i / cellsPerPartition
			if p >= pb.NumPartitions {
				p = pb.NumPartitions - 1
			}
			cellToPartition[id] = p
		}
	}
	return cellToPartition
}

// createPartitions builds partition structures from cell assignments
func (pb *PartitionBuilder) createPartitions(order []grid.CellID, cellToPartition map[grid.CellID]int) []Partition {
	partitions := make([]Partition, pb.NumPartitions)
	for i := range partitions {
		partitions[i] = Partition{ID: i, Cells: make([]grid.CellID, 0)}
	}
	for _, id := range order {
		part := cellToPartition[id]
		partitions[part].Cells = append(partitions[part].Cells, id)
		partitions[part].NumCells++
	}
	return partitions
}

// MortonKey interleaves the bits of a cell's indices scaled to the finest
// refinement level, giving a Z-order curve position
func MortonKey(level int, ijk [3]int, maxLevel int) uint64 {
	shift := uint(maxLevel - level)
	var key uint64
	for bit := uint(0); bit < 21; bit++ {
		for d := 0; d < 3; d++ {
			v := uint64(ijk[d]) << shift
			key |= ((v >> bit) & 1) << (3*bit + uint(d))
		}
	}
	return key
}
