package transport

import (
	"fmt"

	"github.com/notargets/VlasovAMR/grid"
	"github.com/notargets/VlasovAMR/pencil"
	"github.com/notargets/VlasovAMR/remap"
	"github.com/notargets/VlasovAMR/spatial"
)

// CellStore gives access to local cell data and to ghost replicas of the
// remote cells near them
type CellStore interface {
	Cell(id grid.CellID) (*spatial.Cell, error)
}

// PencilSlots are the source and target slots of one pencil: StencilWidth
// ghost positions, the pencil cells, then StencilWidth ghost positions
type PencilSlots struct {
	Pencil  int
	Handles []Handle
	Flags   []uint8 // remap flags per position
	Target  []bool  // position receives contributions
	Area    float64 // transverse area of the pencil footprint
}

// Side returns the pencil side position i lies on
func (ps *PencilSlots) Side(i int) int {
	if i < len(ps.Handles)/2 {
		return sideMinus
	}
	return sidePlus
}

// Resolver maps the pencils of a sweep onto arena slots
type Resolver struct {
	Adapter      *grid.Adapter
	Store        CellStore
	StencilWidth int
}

// Resolve creates the slots of every pencil in set. Propagated cells are the
// cells evolved by the sweep on this rank.
func (r *Resolver) Resolve(arena *Arena, set *pencil.SetOfPencils, dim grid.Dimension,
	propagated map[grid.CellID]bool) ([]PencilSlots, error) {
	out := make([]PencilSlots, set.N)
	for p := 0; p < set.N; p++ {
		ps, err := r.resolvePencil(arena, set.Pencil(p), dim, propagated)
		if err != nil {
			return nil, fmt.Errorf("pencil %d: %w", p, err)
		}
		ps.Pencil = p
		out[p] = ps
	}

	// Count distinct writer pencils per slot
	for _, ps := range out {
		seen := make(map[Handle]bool)
		for i, h := range ps.Handles {
			if !ps.Target[i] || seen[h] {
				continue
			}
			seen[h] = true
			s, err := arena.Slot(h)
			if err != nil {
				return nil, err
			}
			s.writers++
		}
	}
	return out, nil
}

func (r *Resolver) resolvePencil(arena *Arena, pen *pencil.Pencil, dim grid.Dimension,
	propagated map[grid.CellID]bool) (PencilSlots, error) {
	w := r.StencilWidth
	n := pen.Len() + 2*w
	ps := PencilSlots{
		Handles: make([]Handle, n),
		Flags:   make([]uint8, n),
		Target:  make([]bool, n),
	}

	first, err := r.Adapter.Geometry(pen.IDs[0])
	if err != nil {
		return ps, err
	}
	ps.Area = first.Area(dim) * pen.Fraction(first.Level)

	for i, id := range pen.IDs {
		if !propagated[id] {
			return ps, fmt.Errorf("%w: pencil cell %d is not propagated", grid.ErrTopology, id)
		}
		pos := w + i
		if ps.Handles[pos], err = r.acquire(arena, id, Propagated); err != nil {
			return ps, err
		}
		ps.Flags[pos] = remap.FlagEmit
		ps.Target[pos] = true
	}

	// Ghosts beyond both ends, outward from the pencil
	ends := []struct {
		from  grid.CellID
		dir   int
		first int
		step  int
	}{
		{pen.IDs[0], -1, w - 1, -1},
		{pen.IDs[pen.Len()-1], 1, w + pen.Len(), 1},
	}
	for _, end := range ends {
		id := end.from
		pos := end.first
		for k := 0; k < w; k, pos = k+1, pos+end.step {
			next := grid.InvalidCellID
			if id != grid.InvalidCellID {
				if next, err = r.Adapter.Neighbor(id, dim, end.dir, pen.Path); err != nil {
					return ps, err
				}
			}
			if next == grid.InvalidCellID {
				// Edge of the domain: zero valued boundary replicating the
				// last real cell
				g, err := r.boundaryGeometry(arena, ps.Handles, pos-end.step)
				if err != nil {
					return ps, err
				}
				if ps.Handles[pos], err = arena.AddVirtual(g); err != nil {
					return ps, err
				}
				ps.Flags[pos] = remap.FlagEmit | remap.FlagFixed
				id = grid.InvalidCellID
				continue
			}
			kind, err := r.classify(next, propagated)
			if err != nil {
				return ps, err
			}
			if ps.Handles[pos], err = r.acquire(arena, next, kind); err != nil {
				return ps, err
			}
			switch kind {
			case Fixed:
				ps.Flags[pos] = remap.FlagEmit | remap.FlagFixed
			case Propagated, Remote:
				ps.Target[pos] = true
			}
			id = next
		}
	}
	return ps, nil
}

// classify decides the role of a ghost cell. Remote boundary cells are held
// fixed like local ones.
func (r *Resolver) classify(id grid.CellID, propagated map[grid.CellID]bool) (SlotKind, error) {
	if r.Adapter.IsLocal(id) {
		if propagated[id] {
			return Propagated, nil
		}
		return Fixed, nil
	}
	c, err := r.Store.Cell(id)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrExchange, err)
	}
	if c.IsSysBoundary() {
		return Fixed, nil
	}
	return Remote, nil
}

func (r *Resolver) acquire(arena *Arena, id grid.CellID, kind SlotKind) (Handle, error) {
	if h, ok := arena.Lookup(id); ok {
		s, err := arena.Slot(h)
		if err != nil {
			return InvalidHandle, err
		}
		if s.Kind != kind {
			return InvalidHandle, fmt.Errorf("%w: cell %d resolved as both %s and %s",
				grid.ErrTopology, id, s.Kind, kind)
		}
		return h, nil
	}
	c, err := r.Store.Cell(id)
	if err != nil {
		return InvalidHandle, err
	}
	return arena.Acquire(id, kind, c.Geometry, c)
}

func (r *Resolver) boundaryGeometry(arena *Arena, handles []Handle, pos int) (grid.Geometry, error) {
	s, err := arena.Slot(handles[pos])
	if err != nil {
		return grid.Geometry{}, err
	}
	return s.Geometry, nil
}
