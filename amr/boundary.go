package amr

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/VlasovAMR/grid"
	"github.com/notargets/VlasovAMR/spatial"
	"github.com/notargets/VlasovAMR/vmesh"
)

// UpdateSysBoundaries applies the boundary conditions of the local
// boundary cells to population pop after a translation. Outflow cells take
// the volume weighted average of their non-boundary face neighbors; Fixed
// cells keep their value. Ghost replicas must be current.
func (v *View) UpdateSysBoundaries(pop int) error {
	for _, id := range v.LocalCells() {
		c, err := v.Mesh.Cell(id)
		if err != nil {
			return err
		}
		if c.SysBoundary != spatial.Outflow {
			continue
		}
		if err := v.outflow(c, pop); err != nil {
			return err
		}
	}
	return nil
}

func (v *View) outflow(c *spatial.Cell, pop int) error {
	var sources []*spatial.Cell
	for _, dim := range grid.Dimensions {
		for _, dir := range []int{-1, 1} {
			nbrs, err := v.Neighbors(c.ID, dim, dir)
			if err != nil {
				return err
			}
			for _, n := range nbrs {
				nc, err := v.Cell(n)
				if err != nil {
					return fmt.Errorf("outflow cell %d: %w", c.ID, err)
				}
				if !nc.IsSysBoundary() {
					sources = append(sources, nc)
				}
			}
		}
	}
	dst, err := c.Population(pop)
	if err != nil {
		return err
	}
	// Surrounded by boundary cells: nothing to copy
	if len(sources) == 0 {
		return nil
	}

	total := 0.0
	for _, s := range sources {
		total += s.Geometry.Volume()
	}
	blocks := make(map[vmesh.GlobalID]*spatial.Block)
	for _, s := range sources {
		src, err := s.Population(pop)
		if err != nil {
			return err
		}
		w := s.Geometry.Volume() / total
		for _, gid := range src.GlobalIDs() {
			b, ok := blocks[gid]
			if !ok {
				b = new(spatial.Block)
				blocks[gid] = b
			}
			floats.AddScaled(b[:], w, src.Block(gid)[:])
		}
	}
	dst.Replace(blocks)
	return nil
}
