package transport

import (
	"errors"
	"fmt"

	"github.com/notargets/VlasovAMR/grid"
)

// Sentinel errors of a sweep
var (
	ErrState       = errors.New("invalid sweep state transition")
	ErrExchange    = errors.New("remote contribution exchange failed")
	ErrStaleHandle = errors.New("stale arena handle")
)

// State is the progress of one direction's sweep
type State uint8

const (
	Idle State = iota
	PencilsBuilt
	LocallyRemapped
	RemoteExchangeInFlight
	Reconciled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PencilsBuilt:
		return "pencils-built"
	case LocallyRemapped:
		return "locally-remapped"
	case RemoteExchangeInFlight:
		return "remote-exchange-in-flight"
	case Reconciled:
		return "reconciled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// settled reports whether no work of the direction is pending
func (s State) settled() bool {
	return s == Idle || s == Reconciled
}

var transitions = map[State][]State{
	Idle:                   {PencilsBuilt},
	PencilsBuilt:           {LocallyRemapped, Idle},
	LocallyRemapped:        {RemoteExchangeInFlight, Idle},
	RemoteExchangeInFlight: {Reconciled, Idle},
	Reconciled:             {Idle},
}

// stateMachine tracks the sweep state of the three directions
type stateMachine struct {
	states [3]State
}

func (m *stateMachine) get(dim grid.Dimension) State {
	return m.states[dim]
}

func (m *stateMachine) move(dim grid.Dimension, to State) error {
	from := m.states[dim]
	for _, s := range transitions[from] {
		if s == to {
			m.states[dim] = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s sweep cannot go from %s to %s", ErrState, dim, from, to)
}

// active returns a direction with unfinished work, if any
func (m *stateMachine) active() (grid.Dimension, bool) {
	for _, d := range grid.Dimensions {
		if !m.states[d].settled() {
			return d, true
		}
	}
	return 0, false
}
