package partitions

import (
	"fmt"
	"sort"

	"github.com/notargets/VlasovAMR/grid"
)

// ExchangePlan records, for every pair of ranks, the cells whose partial
// contributions are picked on the writing rank and placed on the owner
type ExchangePlan struct {
	NumPartitions int
	Layout        *PartitionLayout

	// Pick/Place cells per partition pair
	PickCells  [][]PickBuffer  // [sourcePartition][targetPartition]
	PlaceCells [][]PlaceBuffer // [targetPartition][sourcePartition]

	totalWrites int
}

// PickBuffer lists the cells a source partition sends contributions for
type PickBuffer struct {
	Cells           []grid.CellID
	TargetPartition int
}

// PlaceBuffer lists the cells a target partition receives contributions for
type PlaceBuffer struct {
	Cells           []grid.CellID
	SourcePartition int
}

// NewExchangePlan builds the plan from the cells each rank writes into but
// does not own (writes[rank])
func NewExchangePlan(layout *PartitionLayout, writes map[int][]grid.CellID) (*ExchangePlan, error) {
	if layout == nil || layout.NumPartitions <= 0 {
		return nil, fmt.Errorf("exchange plan requires a partition layout")
	}
	ep := &ExchangePlan{
		NumPartitions: layout.NumPartitions,
		Layout:        layout,
	}
	ep.initializeBuffers()

	ranks := make([]int, 0, len(writes))
	for r := range writes {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)

	for _, source := range ranks {
		if source < 0 || source >= ep.NumPartitions {
			return nil, fmt.Errorf("writing rank %d outside %d partitions", source, ep.NumPartitions)
		}
		cells := append([]grid.CellID(nil), writes[source]...)
		sort.Slice(cells, func(i, j int) bool { return cells[i] < cells[j] })
		for _, id := range cells {
			target := layout.GetPartition(id)
			if target < 0 {
				return nil, fmt.Errorf("rank %d writes into unknown cell %d", source, id)
			}
			ep.PickCells[source][target].Cells = append(ep.PickCells[source][target].Cells, id)
			ep.PlaceCells[target][source].Cells = append(ep.PlaceCells[target][source].Cells, id)
			ep.totalWrites++
		}
	}
	return ep, nil
}

// initializeBuffers creates empty pick and place buffer structures
func (ep *ExchangePlan) initializeBuffers() {
	ep.PickCells = make([][]PickBuffer, ep.NumPartitions)
	ep.PlaceCells = make([][]PlaceBuffer, ep.NumPartitions)
	for p := 0; p < ep.NumPartitions; p++ {
		ep.PickCells[p] = make([]PickBuffer, ep.NumPartitions)
		ep.PlaceCells[p] = make([]PlaceBuffer, ep.NumPartitions)
		for q := 0; q < ep.NumPartitions; q++ {
			ep.PickCells[p][q] = PickBuffer{TargetPartition: q}
			ep.PlaceCells[p][q] = PlaceBuffer{SourcePartition: q}
		}
	}
}

// GetPickCells returns the cells source sends contributions for to target
func (ep *ExchangePlan) GetPickCells(sourcePartition, targetPartition int) []grid.CellID {
	if sourcePartition < 0 || sourcePartition >= ep.NumPartitions ||
		targetPartition < 0 || targetPartition >= ep.NumPartitions {
		return nil
	}
	return ep.PickCells[sourcePartition][targetPartition].Cells
}

// GetPlaceCells returns the cells target receives contributions for from source
func (ep *ExchangePlan) GetPlaceCells(targetPartition, sourcePartition int) []grid.CellID {
	if targetPartition < 0 || targetPartition >= ep.NumPartitions ||
		sourcePartition < 0 || sourcePartition >= ep.NumPartitions {
		return nil
	}
	return ep.PlaceCells[targetPartition][sourcePartition].Cells
}

// Verify checks ownership, pick/place correspondence and conservation
func (ep *ExchangePlan) Verify() error {
	// Verify 1: Ownership - a rank never sends contributions for its own cells
	// and every picked cell is owned by the target
	for p := 0; p < ep.NumPartitions; p++ {
		for q := 0; q < ep.NumPartitions; q++ {
			for _, id := range ep.PickCells[p][q].Cells {
				if p == q {
					return fmt.Errorf("partition %d picks its own cell %d", p, id)
				}
				if owner := ep.Layout.GetPartition(id); owner != q {
					return fmt.Errorf("partition %d picks cell %d for %d, but %d owns it", p, id, q, owner)
				}
			}
		}
	}

	// Verify 2: Correspondence - pick and place lists hold the same cells
	for p := 0; p < ep.NumPartitions; p++ {
		for q := 0; q < ep.NumPartitions; q++ {
			pick := ep.PickCells[p][q].Cells
			place := ep.PlaceCells[q][p].Cells
			if len(pick) != len(place) {
				return fmt.Errorf("length mismatch: pick[%d][%d]=%d, place[%d][%d]=%d",
					p, q, len(pick), q, p, len(place))
			}
			for i := range pick {
				if pick[i] != place[i] {
					return fmt.Errorf("pick[%d][%d][%d]=%d does not match place[%d][%d][%d]=%d",
						p, q, i, pick[i], q, p, i, place[i])
				}
			}
		}
	}

	// Verify 3: Conservation - every write is picked exactly once
	totalPicks := 0
	for p := 0; p < ep.NumPartitions; p++ {
		for q := 0; q < ep.NumPartitions; q++ {
			totalPicks += len(ep.PickCells[p][q].Cells)
		}
	}
	if totalPicks != ep.totalWrites {
		return fmt.Errorf("conservation error: total picks %d != total writes %d", totalPicks, ep.totalWrites)
	}
	return nil
}

// Neighborhood is the set of peers a rank sends to and waits for in one
// exchange
type Neighborhood struct {
	Send []int
	Recv []int
}

// ValidateCommunicationSymmetry ensures that if A sends to B, then B
// expects to receive from A, and the reverse
func ValidateCommunicationSymmetry(hoods map[int]Neighborhood) error {
	for rank, h := range hoods {
		for _, peer := range h.Send {
			other, ok := hoods[peer]
			if !ok || !contains(other.Recv, rank) {
				return fmt.Errorf("asymmetric communication: rank %d sends to %d, but %d doesn't expect it",
					rank, peer, peer)
			}
		}
		for _, peer := range h.Recv {
			other, ok := hoods[peer]
			if !ok || !contains(other.Send, rank) {
				return fmt.Errorf("asymmetric communication: rank %d waits for %d, but %d doesn't send",
					rank, peer, peer)
			}
		}
	}
	return nil
}

// CoversPlan checks that every pick in the plan travels along a send edge of
// the neighborhoods
func (ep *ExchangePlan) CoversPlan(hoods map[int]Neighborhood) error {
	for p := 0; p < ep.NumPartitions; p++ {
		for q := 0; q < ep.NumPartitions; q++ {
			if len(ep.PickCells[p][q].Cells) == 0 {
				continue
			}
			if !contains(hoods[p].Send, q) {
				return fmt.Errorf("rank %d writes %d cells owned by %d outside its send neighborhood",
					p, len(ep.PickCells[p][q].Cells), q)
			}
		}
	}
	return nil
}

func contains(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
