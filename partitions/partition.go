package partitions

import (
	"fmt"
	"math"

	"github.com/notargets/VlasovAMR/grid"
)

// Partition is the set of spatial cells owned by one rank
type Partition struct {
	// Unique identifier, equal to the owning rank
	ID int

	// Cell membership
	Cells    []grid.CellID // Cells in this partition, in curve order
	NumCells int
}

// PartitionLayout manages the complete decomposition of the spatial mesh
type PartitionLayout struct {
	// All partitions in the mesh
	Partitions []Partition

	// Global sizing information
	MaxCells      int // max(NumCells) across all partitions
	TotalCells    int // Sum of all cells across partitions
	NumPartitions int

	// Cell to partition mapping
	CellToPartition map[grid.CellID]int
}

// GetPartition returns the partition containing the cell, -1 if unknown
func (pl *PartitionLayout) GetPartition(id grid.CellID) int {
	p, ok := pl.CellToPartition[id]
	if !ok {
		return -1
	}
	return p
}

// ValidateLayout checks partition consistency
func (pl *PartitionLayout) ValidateLayout() error {
	if len(pl.Partitions) != pl.NumPartitions {
		return fmt.Errorf("layout holds %d partitions, expected %d", len(pl.Partitions), pl.NumPartitions)
	}
	actualMax := 0
	total := 0
	for _, p := range pl.Partitions {
		if p.NumCells != len(p.Cells) {
			return fmt.Errorf("partition %d: NumCells %d != len(Cells) %d", p.ID, p.NumCells, len(p.Cells))
		}
		if p.NumCells > actualMax {
			actualMax = p.NumCells
		}
		total += p.NumCells
		for _, id := range p.Cells {
			if owner := pl.GetPartition(id); owner != p.ID {
				return fmt.Errorf("cell %d listed in partition %d but mapped to %d", id, p.ID, owner)
			}
		}
	}
	if actualMax != pl.MaxCells {
		return fmt.Errorf("computed MaxCells %d != stored MaxCells %d", actualMax, pl.MaxCells)
	}
	if total != pl.TotalCells || total != len(pl.CellToPartition) {
		return fmt.Errorf("layout covers %d cells, expected %d (mapped %d)",
			total, pl.TotalCells, len(pl.CellToPartition))
	}
	return nil
}

// PartitionStatistics computes load balance metrics
func (pl *PartitionLayout) PartitionStatistics() PartitionStats {
	stats := PartitionStats{
		NumPartitions: pl.NumPartitions,
		MinCells:      math.MaxInt32,
		AvgCells:      float64(pl.TotalCells) / float64(pl.NumPartitions),
	}
	for _, p := range pl.Partitions {
		if p.NumCells < stats.MinCells {
			stats.MinCells = p.NumCells
		}
		if p.NumCells > stats.MaxCells {
			stats.MaxCells = p.NumCells
		}
	}
	if stats.AvgCells > 0 {
		stats.Imbalance = float64(stats.MaxCells) / stats.AvgCells
	}
	return stats
}

type PartitionStats struct {
	NumPartitions int
	MinCells      int
	MaxCells      int
	AvgCells      float64
	Imbalance     float64 // MaxCells / AvgCells
}
