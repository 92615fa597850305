package spatial

import (
	"fmt"

	"github.com/notargets/VlasovAMR/grid"
	"github.com/notargets/VlasovAMR/vmesh"
)

// SysBoundaryType classifies how a cell's distribution function evolves
type SysBoundaryType uint8

const (
	NotSysBoundary SysBoundaryType = iota // Evolved by transport
	Fixed                                 // Held at a boundary condition value
	Outflow                               // Boundary cell copying its interior neighbor
)

func (s SysBoundaryType) String() string {
	switch s {
	case NotSysBoundary:
		return "none"
	case Fixed:
		return "fixed"
	case Outflow:
		return "outflow"
	default:
		return fmt.Sprintf("sysboundary(%d)", uint8(s))
	}
}

// Cell is a spatial cell holding one velocity distribution per population
type Cell struct {
	ID          grid.CellID
	Geometry    grid.Geometry
	SysBoundary SysBoundaryType
	Populations []*Population
}

// NewCell creates a cell with numPops empty populations
func NewCell(id grid.CellID, geom grid.Geometry, numPops int) *Cell {
	c := &Cell{
		ID:          id,
		Geometry:    geom,
		Populations: make([]*Population, numPops),
	}
	for i := range c.Populations {
		c.Populations[i] = NewPopulation()
	}
	return c
}

// Population returns population pop of the cell
func (c *Cell) Population(pop int) (*Population, error) {
	if pop < 0 || pop >= len(c.Populations) {
		return nil, fmt.Errorf("cell %d has no population %d (have %d)", c.ID, pop, len(c.Populations))
	}
	return c.Populations[pop], nil
}

// IsSysBoundary reports whether the cell is held by a boundary condition
func (c *Cell) IsSysBoundary() bool {
	return c.SysBoundary != NotSysBoundary
}

// Clone returns a deep copy of the cell, used for ghost replicas
func (c *Cell) Clone() *Cell {
	out := &Cell{
		ID:          c.ID,
		Geometry:    c.Geometry,
		SysBoundary: c.SysBoundary,
		Populations: make([]*Population, len(c.Populations)),
	}
	for i, p := range c.Populations {
		out.Populations[i] = p.Clone()
	}
	return out
}

// UpdateMoments recomputes the bulk moments of every population
func (c *Cell) UpdateMoments(vm vmesh.Mesh) error {
	for i, p := range c.Populations {
		if err := p.UpdateMoments(vm); err != nil {
			return fmt.Errorf("cell %d population %d: %w", c.ID, i, err)
		}
	}
	return nil
}

// Mass returns the phase-space integral of population pop over the cell
func (c *Cell) Mass(pop int) float64 {
	if pop < 0 || pop >= len(c.Populations) {
		return 0
	}
	return c.Populations[pop].Moments.Rho * c.Geometry.Volume()
}
