package transport

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/VlasovAMR/grid"
	"github.com/notargets/VlasovAMR/vmesh"
)

func TestArenaAcquire(t *testing.T) {
	a := NewArena()
	geom := grid.Geometry{Size: [3]float64{1, 1, 1}}
	h1, err := a.Acquire(7, Propagated, geom, nil)
	require.NoError(t, err)
	h2, err := a.Acquire(7, Propagated, geom, nil)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	_, err = a.Acquire(7, Remote, geom, nil)
	assert.True(t, errors.Is(err, grid.ErrTopology))

	hv, err := a.AddVirtual(geom)
	require.NoError(t, err)
	assert.NotEqual(t, h1, hv)
	hr, err := a.Acquire(9, Remote, geom, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Len())
	assert.Len(t, a.Slots(Virtual), 1)
	assert.Len(t, a.Slots(Fixed), 0)

	s, err := a.Slot(hr)
	require.NoError(t, err)
	assert.Equal(t, grid.CellID(9), s.ID)
	_, err = a.Slot(Handle(5))
	assert.True(t, errors.Is(err, ErrStaleHandle))
	_, err = a.Slot(InvalidHandle)
	assert.True(t, errors.Is(err, ErrStaleHandle))

	got, ok := a.Lookup(9)
	assert.True(t, ok)
	assert.Equal(t, hr, got)

	a.Invalidate()
	_, err = a.Slot(h1)
	assert.True(t, errors.Is(err, ErrStaleHandle))
	_, ok = a.Lookup(9)
	assert.False(t, ok)
	_, err = a.Acquire(11, Fixed, geom, nil)
	assert.True(t, errors.Is(err, ErrStaleHandle))
	_, err = a.AddVirtual(geom)
	assert.True(t, errors.Is(err, ErrStaleHandle))
	assert.Equal(t, 0, a.Len())
}

func TestSlotAccumulate(t *testing.T) {
	s := &Slot{writers: 4}
	assert.True(t, s.Shared())
	var ones [vmesh.WID3]float64
	for i := range ones {
		ones[i] = 1
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(side int) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				s.accumulate(side, 3, 0.25, &ones)
			}
		}(w % 2)
	}
	wg.Wait()

	assert.Equal(t, 50.0, s.acc[sideMinus][3][0])
	assert.Equal(t, 50.0, s.acc[sidePlus][3][vmesh.WID3-1])
	merged := s.merged()
	require.Len(t, merged, 1)
	assert.Equal(t, 100.0, merged[3][17])
}

func TestStateTransitions(t *testing.T) {
	var m stateMachine
	assert.True(t, errors.Is(m.move(grid.X, Reconciled), ErrState))
	_, active := m.active()
	assert.False(t, active)

	for _, s := range []State{PencilsBuilt, LocallyRemapped, RemoteExchangeInFlight, Reconciled} {
		require.NoError(t, m.move(grid.Y, s))
	}
	_, active = m.active()
	assert.False(t, active)

	require.NoError(t, m.move(grid.Y, Idle))
	require.NoError(t, m.move(grid.Y, PencilsBuilt))
	d, active := m.active()
	assert.True(t, active)
	assert.Equal(t, grid.Y, d)
	assert.True(t, errors.Is(m.move(grid.Y, RemoteExchangeInFlight), ErrState))

	// Any unfinished state may be abandoned
	require.NoError(t, m.move(grid.Y, Idle))
	assert.Equal(t, "remote-exchange-in-flight", RemoteExchangeInFlight.String())
	assert.Equal(t, "virtual", Virtual.String())
}

func TestExchangeTag(t *testing.T) {
	assert.Equal(t, "translate/x/+1/pop0", exchangeTag(grid.X, 1, 0))
	assert.Equal(t, "translate/z/-1/pop2", exchangeTag(grid.Z, -1, 2))
}

func TestPencilSlotsSide(t *testing.T) {
	ps := PencilSlots{Handles: make([]Handle, 6)}
	assert.Equal(t, sideMinus, ps.Side(0))
	assert.Equal(t, sideMinus, ps.Side(2))
	assert.Equal(t, sidePlus, ps.Side(3))
}
