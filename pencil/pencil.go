package pencil

import (
	"fmt"

	"github.com/notargets/VlasovAMR/grid"
)

// Pencil is a 1-D chain of cells along the sweep dimension
type Pencil struct {
	IDs      []grid.CellID
	X, Y     float64 // Transverse footprint center
	Periodic bool    // Wraps a periodic domain edge
	Path     grid.Path
}

// Len returns the number of cells in the pencil
func (p *Pencil) Len() int {
	return len(p.IDs)
}

// Fraction returns the share of the transverse face of a cell at the given
// refinement level that the pencil footprint covers
func (p *Pencil) Fraction(level int) float64 {
	f := 1.0
	for l := level; l < len(p.Path); l++ {
		f *= 0.25
	}
	return f
}

// SetOfPencils collects the pencils of one sweep. Pencils are only appended;
// splitting updates one pencil in place and appends its three siblings.
type SetOfPencils struct {
	N            int // Number of pencils
	SumOfLengths int // Total cells over all pencils

	pencils []Pencil
}

// NewSetOfPencils creates an empty set
func NewSetOfPencils() *SetOfPencils {
	return &SetOfPencils{}
}

// AddPencil appends a pencil and returns its index
func (s *SetOfPencils) AddPencil(ids []grid.CellID, x, y float64, periodic bool, path grid.Path) int {
	idsCopy := make([]grid.CellID, len(ids))
	copy(idsCopy, ids)
	s.pencils = append(s.pencils, Pencil{
		IDs:      idsCopy,
		X:        x,
		Y:        y,
		Periodic: periodic,
		Path:     path.Clone(),
	})
	s.N++
	s.SumOfLengths += len(ids)
	return s.N - 1
}

// IDs returns the cells of pencil p, nil when p is out of range
func (s *SetOfPencils) IDs(p int) []grid.CellID {
	if p < 0 || p >= s.N {
		return nil
	}
	return s.pencils[p].IDs
}

// Pencil returns pencil p
func (s *SetOfPencils) Pencil(p int) *Pencil {
	if p < 0 || p >= s.N {
		return nil
	}
	return &s.pencils[p]
}

// Pencils returns all pencils in insertion order
func (s *SetOfPencils) Pencils() []Pencil {
	return s.pencils
}

// LengthOfPencils returns the length of each pencil
func (s *SetOfPencils) LengthOfPencils() []int {
	out := make([]int, s.N)
	for i := range s.pencils {
		out[i] = s.pencils[i].Len()
	}
	return out
}

// Append adds a cell to the end of pencil p
func (s *SetOfPencils) Append(p int, id grid.CellID) {
	s.pencils[p].IDs = append(s.pencils[p].IDs, id)
	s.SumOfLengths++
}

// Split turns pencil p into four pencils covering the same footprint at the
// next refinement level. dx and dy are the transverse sizes of the original
// footprint. Pencil p takes quadrant 0; quadrants 1-3 are appended in order.
func (s *SetOfPencils) Split(p int, dx, dy float64) error {
	if p < 0 || p >= s.N {
		return fmt.Errorf("split of pencil %d out of range (have %d)", p, s.N)
	}
	orig := s.pencils[p]
	x0, y0 := orig.X, orig.Y

	for q := uint8(1); q < grid.NumQuadrants; q++ {
		s1, s2 := grid.QuadrantSigns(q)
		s.AddPencil(orig.IDs, x0+s1*0.25*dx, y0+s2*0.25*dy, orig.Periodic, orig.Path.Extend(q))
	}

	s1, s2 := grid.QuadrantSigns(0)
	pen := &s.pencils[p]
	pen.X = x0 + s1*0.25*dx
	pen.Y = y0 + s2*0.25*dy
	pen.Path = orig.Path.Extend(0)
	return nil
}
