package grid

import (
	"errors"
	"fmt"
)

// CellID identifies a spatial cell of the adaptive mesh
type CellID uint64

// InvalidCellID is returned where no neighbor exists (non-periodic domain edge)
const InvalidCellID CellID = 0

// ErrTopology marks a neighbor request that cannot be resolved consistently
// with the mesh refinement, which indicates mesh or state corruption.
var ErrTopology = errors.New("topology inconsistency")

// Dimension is a Cartesian axis of the spatial mesh
type Dimension uint8

const (
	X Dimension = iota
	Y
	Z
)

// Dimensions lists the three spatial axes
var Dimensions = [3]Dimension{X, Y, Z}

func (d Dimension) String() string {
	switch d {
	case X:
		return "x"
	case Y:
		return "y"
	case Z:
		return "z"
	default:
		return fmt.Sprintf("dim(%d)", uint8(d))
	}
}

// Transverse returns the two axes perpendicular to d in quadrant order
func (d Dimension) Transverse() (Dimension, Dimension) {
	switch d {
	case X:
		return Y, Z
	case Y:
		return X, Z
	default:
		return X, Y
	}
}

// Geometry is the geometric extent of a cell
type Geometry struct {
	Center [3]float64
	Size   [3]float64
	Level  int // Refinement level, 0 is the base grid
}

// Area returns the cell face area perpendicular to d
func (g Geometry) Area(d Dimension) float64 {
	t1, t2 := d.Transverse()
	return g.Size[t1] * g.Size[t2]
}

// Volume returns the cell volume
func (g Geometry) Volume() float64 {
	return g.Size[0] * g.Size[1] * g.Size[2]
}

// Path records the quadrant chosen at each refinement-level transition.
// Path[l] selects among the four level l+1 cells adjacent to a level l cell.
type Path []uint8

// Extend returns a copy of p with q appended
func (p Path) Extend(q uint8) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, q)
}

// Clone returns a copy of p
func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// Quadrant order shared by the mesh neighbor ordering and pencil splitting.
// Signs are relative to the center of the parent footprint along the two
// transverse axes of the sweep dimension:
//
//	0: (-, +)   1: (+, +)   2: (-, -)   3: (+, -)
const NumQuadrants = 4

// Quadrant returns the quadrant index for the given transverse half-spaces
func Quadrant(t1Plus, t2Plus bool) uint8 {
	var q uint8
	if t1Plus {
		q |= 1
	}
	if !t2Plus {
		q |= 2
	}
	return q
}

// QuadrantSigns returns the transverse offset signs of quadrant q
func QuadrantSigns(q uint8) (s1, s2 float64) {
	s1, s2 = -1, 1
	if q&1 != 0 {
		s1 = 1
	}
	if q&2 != 0 {
		s2 = -1
	}
	return s1, s2
}
