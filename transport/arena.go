package transport

import (
	"fmt"
	"sync"

	"github.com/notargets/VlasovAMR/grid"
	"github.com/notargets/VlasovAMR/spatial"
	"github.com/notargets/VlasovAMR/vmesh"
)

// Handle references a slot of the arena it was issued by
type Handle int32

// InvalidHandle is never issued
const InvalidHandle Handle = -1

// SlotKind classifies a cell's role in a sweep
type SlotKind uint8

const (
	Propagated SlotKind = iota // Local cell evolved by this sweep
	Remote                     // Replica of a cell another rank evolves
	Fixed                      // Boundary or non-propagated cell, value held
	Virtual                    // Beyond a non-periodic edge, zero valued
)

func (k SlotKind) String() string {
	switch k {
	case Propagated:
		return "propagated"
	case Remote:
		return "remote"
	case Fixed:
		return "fixed"
	case Virtual:
		return "virtual"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Side of a pencil a contribution was deposited on. Remote contributions
// are exchanged per side.
const (
	sideMinus = 0
	sidePlus  = 1
)

// Slot is the per-sweep state of one cell: where its source values come
// from and the contributions accumulated into it
type Slot struct {
	ID       grid.CellID // InvalidCellID for virtual slots
	Kind     SlotKind
	Geometry grid.Geometry
	Cell     *spatial.Cell // nil for virtual slots

	writers int
	mu      sync.Mutex
	acc     [2]map[vmesh.GlobalID]*spatial.Block
}

// Shared reports whether more than one pencil writes the slot
func (s *Slot) Shared() bool {
	return s.writers > 1
}

// accumulate adds weight*values into block gid on side. Shared slots are
// locked; exclusive slots are written by a single pencil.
func (s *Slot) accumulate(side int, gid vmesh.GlobalID, weight float64, values *[vmesh.WID3]float64) {
	if s.writers > 1 {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	if s.acc[side] == nil {
		s.acc[side] = make(map[vmesh.GlobalID]*spatial.Block)
	}
	b, ok := s.acc[side][gid]
	if !ok {
		b = &spatial.Block{}
		s.acc[side][gid] = b
	}
	for c, v := range values {
		b[c] += weight * v
	}
}

// merged returns the blocks of both sides summed
func (s *Slot) merged() map[vmesh.GlobalID]*spatial.Block {
	out := make(map[vmesh.GlobalID]*spatial.Block)
	for side := range s.acc {
		for gid, b := range s.acc[side] {
			dst, ok := out[gid]
			if !ok {
				dst = &spatial.Block{}
				out[gid] = dst
			}
			for c, v := range b {
				dst[c] += v
			}
		}
	}
	return out
}

// Arena holds the slots of one sweep. Every cell gets one slot; handles are
// only valid until the arena is invalidated at the end of the sweep.
type Arena struct {
	mu    sync.RWMutex
	valid bool
	slots []*Slot
	byID  map[grid.CellID]Handle
}

// NewArena creates an empty, valid arena
func NewArena() *Arena {
	return &Arena{valid: true, byID: make(map[grid.CellID]Handle)}
}

// Acquire returns the slot of cell id, creating it on first use
func (a *Arena) Acquire(id grid.CellID, kind SlotKind, geom grid.Geometry, cell *spatial.Cell) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.valid {
		return InvalidHandle, ErrStaleHandle
	}
	if h, ok := a.byID[id]; ok {
		if k := a.slots[h].Kind; k != kind {
			return InvalidHandle, fmt.Errorf("%w: cell %d resolved as both %s and %s",
				grid.ErrTopology, id, k, kind)
		}
		return h, nil
	}
	h := Handle(len(a.slots))
	a.slots = append(a.slots, &Slot{ID: id, Kind: kind, Geometry: geom, Cell: cell})
	a.byID[id] = h
	return h, nil
}

// AddVirtual creates a zero valued slot with the given geometry
func (a *Arena) AddVirtual(geom grid.Geometry) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.valid {
		return InvalidHandle, ErrStaleHandle
	}
	h := Handle(len(a.slots))
	a.slots = append(a.slots, &Slot{ID: grid.InvalidCellID, Kind: Virtual, Geometry: geom})
	return h, nil
}

// Slot returns the slot behind h
func (a *Arena) Slot(h Handle) (*Slot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.valid {
		return nil, fmt.Errorf("%w: handle %d", ErrStaleHandle, h)
	}
	if h < 0 || int(h) >= len(a.slots) {
		return nil, fmt.Errorf("%w: handle %d outside %d slots", ErrStaleHandle, h, len(a.slots))
	}
	return a.slots[h], nil
}

// Lookup returns the handle of cell id in this sweep
func (a *Arena) Lookup(id grid.CellID) (Handle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.byID[id]
	return h, ok && a.valid
}

// Len returns the number of slots
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots)
}

// Slots returns all slots of the given kind in handle order
func (a *Arena) Slots(kind SlotKind) []*Slot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*Slot
	for _, s := range a.slots {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// Invalidate ends the sweep; every later access through a handle fails
func (a *Arena) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.valid = false
	a.slots = nil
	a.byID = nil
}
