package grid

// Topology is the read interface consumed from the distributed adaptive mesh.
// Implementations own cell ownership, ghost exchange and partitioning.
type Topology interface {
	// Neighbors returns the face neighbors of id on its dir side (+1 or -1)
	// along dim. The result is empty at a non-periodic domain edge, holds one
	// cell when the neighbor is at the same or a coarser level, and holds four
	// cells in quadrant order when the neighbor is one level finer.
	Neighbors(id CellID, dim Dimension, dir int) ([]CellID, error)

	// Geometry returns the geometric extent of id
	Geometry(id CellID) (Geometry, error)

	// Indices returns the refinement level of id and its index triple at
	// that level
	Indices(id CellID) (level int, ijk [3]int, err error)

	// Owner returns the rank owning id, or -1 for an unknown cell
	Owner(id CellID) int

	// Rank returns the rank this view of the mesh belongs to
	Rank() int

	// Generation changes whenever refinement or partitioning changes
	Generation() uint64

	MaxRefinementLevel() int

	// Extent returns the number of level 0 cells along each axis
	Extent() [3]int

	Periodic() [3]bool
}
