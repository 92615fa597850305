package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/notargets/VlasovAMR/grid"
	"github.com/notargets/VlasovAMR/pencil"
	"github.com/notargets/VlasovAMR/remap"
	"github.com/notargets/VlasovAMR/spatial"
	"github.com/notargets/VlasovAMR/vmesh"
)

// Communicator is the point-to-point layer between ranks. Send must not
// wait for the receiver; Wait blocks until one message with tag arrived
// from every listed peer.
type Communicator interface {
	Rank() int
	Send(ctx context.Context, peer int, tag string, payload []byte) error
	Wait(ctx context.Context, peers []int, tag string) (map[int][]byte, error)
}

// Options configures a Transport
type Options struct {
	StencilWidth int
	Workers      int // Goroutines for scatter, < 1 means one per processor
	Remapper     remap.Remapper
	VelocityMesh vmesh.Mesh
	Log          *logrus.Entry

	// GhostUpdate runs before every sweep of Translate so ghost replicas
	// reflect the previous direction
	GhostUpdate func(ctx context.Context, dim grid.Dimension) error
}

// SweepStats summarizes the last sweep
type SweepStats struct {
	Dim                  grid.Dimension
	Pencils              int
	PencilCells          int
	Lines                int
	ContributionsSent    int
	ContributionsApplied int
	BytesSent            int
}

// Transport translates the distribution function of the local cells of
// one rank along the spatial axes
type Transport struct {
	adapter  *grid.Adapter
	store    CellStore
	comm     Communicator
	opts     Options
	builder  *pencil.Builder
	resolver *Resolver
	log      *logrus.Entry

	mu    sync.Mutex
	state stateMachine
	sweep *sweep
	stats SweepStats
}

// sweep is the bookkeeping of the direction currently in progress
type sweep struct {
	dim           grid.Dimension
	pop           int
	dt            float64
	propagated    map[grid.CellID]bool
	remoteTargets map[grid.CellID]bool
	arena         *Arena
	pencils       *pencil.SetOfPencils
	slots         []PencilSlots
	exchanged     map[int]bool // sign → done
}

// New creates a transport over a mesh view
func New(topo grid.Topology, store CellStore, comm Communicator, opts Options) (*Transport, error) {
	if topo == nil || store == nil || comm == nil {
		return nil, fmt.Errorf("transport requires a topology, a cell store and a communicator")
	}
	if opts.VelocityMesh == nil {
		return nil, fmt.Errorf("transport requires a velocity mesh")
	}
	if opts.Remapper == nil {
		opts.Remapper = remap.NewCPU(opts.Workers)
	}
	if opts.Workers < 1 {
		opts.Workers = remap.NewCPU(0).Workers
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	log := opts.Log.WithField("rank", comm.Rank())

	adapter := grid.NewAdapter(topo)
	builder, err := pencil.NewBuilder(adapter, opts.StencilWidth, log)
	if err != nil {
		return nil, err
	}
	return &Transport{
		adapter:  adapter,
		store:    store,
		comm:     comm,
		opts:     opts,
		builder:  builder,
		resolver: &Resolver{Adapter: adapter, Store: store, StencilWidth: opts.StencilWidth},
		log:      log,
	}, nil
}

// Adapter returns the topology adapter of the transport
func (t *Transport) Adapter() *grid.Adapter {
	return t.adapter
}

// State returns the sweep state of dim
func (t *Transport) State(dim grid.Dimension) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.get(dim)
}

// Reconciled reports whether dim has no unfinished sweep
func (t *Transport) Reconciled(dim grid.Dimension) bool {
	return t.State(dim).settled()
}

// CheckBarrier fails when any direction is mid-sweep. The acceleration
// step must not read cell data before it passes.
func (t *Transport) CheckBarrier() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.state.active(); ok {
		return fmt.Errorf("%w: %s sweep is %s", ErrState, d, t.state.get(d))
	}
	return nil
}

// Stats returns the summary of the last sweep
func (t *Transport) Stats() SweepStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Arena returns the arena of the sweep in progress, nil when idle
func (t *Transport) Arena() *Arena {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sweep == nil {
		return nil
	}
	return t.sweep.arena
}

// Propagate builds the pencils of cells along dim, remaps population pop
// over dt and accumulates the results in the sweep's target slots. Cell
// data is not modified until both UpdateRemoteMappingContribution calls of
// the direction complete. remoteTargetCells are the local cells that may
// receive contributions from other ranks.
func (t *Transport) Propagate(ctx context.Context, cells, remoteTargetCells []grid.CellID,
	dim grid.Dimension, dt float64, pop int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.state.active(); ok {
		return fmt.Errorf("%w: %s sweep requested while %s sweep is %s",
			ErrState, dim, d, t.state.get(d))
	}
	if t.state.get(dim) == Reconciled {
		if err := t.state.move(dim, Idle); err != nil {
			return err
		}
	}

	s := &sweep{
		dim:           dim,
		pop:           pop,
		dt:            dt,
		propagated:    make(map[grid.CellID]bool, len(cells)),
		remoteTargets: make(map[grid.CellID]bool, len(remoteTargetCells)),
		arena:         NewArena(),
		exchanged:     make(map[int]bool),
	}
	for _, id := range cells {
		s.propagated[id] = true
	}
	for _, id := range remoteTargetCells {
		s.remoteTargets[id] = true
	}

	if err := t.buildPencils(s, cells); err != nil {
		return t.fail(s, err)
	}
	if err := t.state.move(dim, PencilsBuilt); err != nil {
		return t.fail(s, err)
	}
	t.sweep = s

	if err := t.remapPencils(ctx, s); err != nil {
		return t.fail(s, err)
	}
	if err := t.state.move(dim, LocallyRemapped); err != nil {
		return t.fail(s, err)
	}
	return nil
}

func (t *Transport) buildPencils(s *sweep, cells []grid.CellID) error {
	set, err := t.builder.Build(cells, s.dim)
	if err != nil {
		return err
	}
	slots, err := t.resolver.Resolve(s.arena, set, s.dim, s.propagated)
	if err != nil {
		return err
	}
	s.pencils = set
	s.slots = slots
	if set.N == 0 {
		t.log.WithField("dim", s.dim.String()).Warn("sweep has no pencils")
	}
	return nil
}

// lineRef locates the lines of one velocity block of one pencil in a batch
type lineRef struct {
	pencil int
	gid    vmesh.GlobalID
	first  int
}

func (t *Transport) remapPencils(ctx context.Context, s *sweep) error {
	batch := remap.NewLineBatch(t.opts.StencilWidth)
	var refs []lineRef

	for p := range s.slots {
		ps := &s.slots[p]
		pops := make([]*spatial.Population, len(ps.Handles))
		dz := make([]float64, len(ps.Handles))
		gids := make(map[vmesh.GlobalID]bool)
		for i, h := range ps.Handles {
			slot, err := s.arena.Slot(h)
			if err != nil {
				return err
			}
			dz[i] = slot.Geometry.Size[s.dim]
			if slot.Cell == nil {
				continue
			}
			pp, err := slot.Cell.Population(s.pop)
			if err != nil {
				return err
			}
			pops[i] = pp
			for _, gid := range pp.GlobalIDs() {
				gids[gid] = true
			}
		}
		geo, err := batch.AddGeometry(dz, ps.Flags)
		if err != nil {
			return err
		}

		for _, gid := range sortedGIDs(gids) {
			bp, err := t.opts.VelocityMesh.BlockParameters(gid)
			if err != nil {
				return fmt.Errorf("block %d: %w", gid, err)
			}
			refs = append(refs, lineRef{pencil: p, gid: gid, first: batch.NumLines()})
			for c := 0; c < vmesh.WID3; c++ {
				values := batch.AddLine(geo, bp.CellVelocity(c, int(s.dim)))
				for i, pp := range pops {
					if pp == nil {
						continue
					}
					if b := pp.Block(gid); b != nil {
						values[i] = b[c]
					}
				}
			}
		}
	}

	if err := t.opts.Remapper.Remap(ctx, batch, s.dt); err != nil {
		return err
	}
	if err := t.scatter(ctx, s, batch, refs); err != nil {
		return err
	}

	t.stats = SweepStats{
		Dim:         s.dim,
		Pencils:     s.pencils.N,
		PencilCells: s.pencils.SumOfLengths,
		Lines:       batch.NumLines(),
	}
	t.log.WithFields(logrus.Fields{
		"dim":     s.dim.String(),
		"pencils": s.pencils.N,
		"cells":   s.pencils.SumOfLengths,
		"lines":   batch.NumLines(),
		"slots":   s.arena.Len(),
	}).Debug("pencils remapped")
	return nil
}

// scatter adds the remapped lines into the target slots, one goroutine per
// group of pencils
func (t *Transport) scatter(ctx context.Context, s *sweep, batch *remap.LineBatch, refs []lineRef) error {
	byPencil := make([][]lineRef, len(s.slots))
	for _, r := range refs {
		byPencil[r.pencil] = append(byPencil[r.pencil], r)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.opts.Workers)
	for p := range s.slots {
		p := p
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return t.scatterPencil(s, batch, &s.slots[p], byPencil[p])
		})
	}
	return g.Wait()
}

func (t *Transport) scatterPencil(s *sweep, batch *remap.LineBatch, ps *PencilSlots, refs []lineRef) error {
	targets := make([]*Slot, len(ps.Handles))
	weights := make([]float64, len(ps.Handles))
	for i, h := range ps.Handles {
		if !ps.Target[i] {
			continue
		}
		slot, err := s.arena.Slot(h)
		if err != nil {
			return err
		}
		targets[i] = slot
		weights[i] = ps.Area / slot.Geometry.Area(s.dim)
	}

	var block [vmesh.WID3]float64
	for _, r := range refs {
		for i, slot := range targets {
			if slot == nil {
				continue
			}
			nonzero := false
			for c := 0; c < vmesh.WID3; c++ {
				_, _, _, out := batch.Line(r.first + c)
				block[c] = out[i]
				if out[i] != 0 {
					nonzero = true
				}
			}
			if nonzero {
				slot.accumulate(ps.Side(i), r.gid, weights[i], &block)
			}
		}
	}
	return nil
}

// Sweep runs a complete direction: propagation and both remote exchanges
func (t *Transport) Sweep(ctx context.Context, cells []grid.CellID, dim grid.Dimension, dt float64, pop int) error {
	remoteTargets, err := t.RemoteTargetCells(cells, dim)
	if err != nil {
		return err
	}
	if err := t.Propagate(ctx, cells, remoteTargets, dim, dt, pop); err != nil {
		return err
	}
	for _, sign := range []int{1, -1} {
		if err := t.UpdateRemoteMappingContribution(ctx, dim, sign, pop); err != nil {
			return err
		}
	}
	return nil
}

// Translate sweeps z, x and y in turn. Axes with a single base cell are not
// resolved by the mesh and are skipped.
func (t *Transport) Translate(ctx context.Context, cells []grid.CellID, dt float64, pop int) error {
	extent := t.adapter.Topology().Extent()
	for _, dim := range []grid.Dimension{grid.Z, grid.X, grid.Y} {
		if extent[dim] <= 1 {
			continue
		}
		if t.opts.GhostUpdate != nil {
			if err := t.opts.GhostUpdate(ctx, dim); err != nil {
				return fmt.Errorf("ghost update before %s sweep: %w", dim, err)
			}
		}
		if err := t.Sweep(ctx, cells, dim, dt, pop); err != nil {
			return fmt.Errorf("%s sweep: %w", dim, err)
		}
	}
	return nil
}

// commit writes the accumulated targets into the propagated cells and ends
// the sweep
func (t *Transport) commit(s *sweep) error {
	for _, slot := range s.arena.Slots(Propagated) {
		pp, err := slot.Cell.Population(s.pop)
		if err != nil {
			return err
		}
		pp.Replace(slot.merged())
	}
	s.arena.Invalidate()
	t.sweep = nil
	return t.state.move(s.dim, Reconciled)
}

// fail abandons the sweep; cell data is left untouched
func (t *Transport) fail(s *sweep, err error) error {
	s.arena.Invalidate()
	if t.sweep == s {
		t.sweep = nil
	}
	if t.state.get(s.dim) != Idle {
		_ = t.state.move(s.dim, Idle)
	}
	t.log.WithError(err).WithField("dim", s.dim.String()).Error("sweep failed")
	return err
}

func sortedGIDs(set map[vmesh.GlobalID]bool) []vmesh.GlobalID {
	out := make([]vmesh.GlobalID, 0, len(set))
	for gid := range set {
		out = append(out, gid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
