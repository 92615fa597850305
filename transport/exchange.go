package transport

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/notargets/VlasovAMR/grid"
	"github.com/notargets/VlasovAMR/partitions"
	"github.com/notargets/VlasovAMR/vmesh"
)

// exchangeTag names the messages of one sweep half
func exchangeTag(dim grid.Dimension, sign, pop int) string {
	return fmt.Sprintf("translate/%s/%+d/pop%d", dim, sign, pop)
}

// UpdateRemoteMappingContribution sends the contributions this rank
// deposited on the sign side of its pencils into cells owned elsewhere, and
// adds the contributions other ranks deposited into local cells from the
// opposite side. Every peer of the neighborhood gets a message, empty or
// not, so the wait completes. After both signs the sweep is committed.
func (t *Transport) UpdateRemoteMappingContribution(ctx context.Context, dim grid.Dimension, sign, pop int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sign != 1 && sign != -1 {
		return fmt.Errorf("invalid exchange sign %d", sign)
	}
	s := t.sweep
	if s == nil || s.dim != dim {
		return fmt.Errorf("%w: no %s sweep to reconcile", ErrState, dim)
	}
	if s.pop != pop {
		return fmt.Errorf("%w: %s sweep moves population %d, not %d", ErrState, dim, s.pop, pop)
	}
	if s.exchanged[sign] {
		return fmt.Errorf("%w: %s%+d contributions already exchanged", ErrState, dim, sign)
	}
	if t.state.get(dim) == LocallyRemapped {
		if err := t.state.move(dim, RemoteExchangeInFlight); err != nil {
			return t.fail(s, err)
		}
	}

	hood, err := t.neighborhood(keys(s.propagated), dim, sign)
	if err != nil {
		return t.fail(s, err)
	}
	sent, bytes, err := t.sendContributions(ctx, s, sign, hood.Send)
	if err != nil {
		return t.fail(s, err)
	}
	applied, err := t.receiveContributions(ctx, s, sign, hood.Recv)
	if err != nil {
		return t.fail(s, err)
	}
	s.exchanged[sign] = true
	t.stats.ContributionsSent += sent
	t.stats.ContributionsApplied += applied
	t.stats.BytesSent += bytes

	t.log.WithFields(logrus.Fields{
		"dim":      dim.String(),
		"sign":     sign,
		"sendTo":   hood.Send,
		"recvFrom": hood.Recv,
		"sent":     sent,
		"applied":  applied,
		"bytes":    bytes,
	}).Debug("remote contributions exchanged")

	if s.exchanged[1] && s.exchanged[-1] {
		if err := t.commit(s); err != nil {
			return t.fail(s, err)
		}
	}
	return nil
}

func (t *Transport) sendContributions(ctx context.Context, s *sweep, sign int, peers []int) (int, int, error) {
	side := sidePlus
	if sign < 0 {
		side = sideMinus
	}
	rank := t.comm.Rank()
	buffers := make(map[int]*partitions.ContributionBuffer, len(peers))
	for _, p := range peers {
		buffers[p] = partitions.NewContributionBuffer(rank, p, s.dim, sign, s.pop)
	}

	for _, slot := range s.arena.Slots(Remote) {
		if len(slot.acc[side]) == 0 {
			continue
		}
		owner := t.adapter.Owner(slot.ID)
		buf, ok := buffers[owner]
		if !ok {
			return 0, 0, fmt.Errorf("%w: contributions for cell %d owned by %d, outside the %s%+d neighborhood %v",
				grid.ErrTopology, slot.ID, owner, s.dim, sign, peers)
		}
		for gid, b := range slot.acc[side] {
			vals := [vmesh.WID3]float64(*b)
			buf.Add(partitions.ContributionKey{Cell: slot.ID, Block: gid}, &vals)
		}
	}

	tag := exchangeTag(s.dim, sign, s.pop)
	sent, bytes := 0, 0
	for _, p := range peers {
		buf := buffers[p]
		buf.Sort()
		payload, err := buf.Encode()
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %w", ErrExchange, err)
		}
		if err := t.comm.Send(ctx, p, tag, payload); err != nil {
			return 0, 0, fmt.Errorf("%w: send to rank %d: %w", ErrExchange, p, err)
		}
		sent += buf.Len()
		bytes += len(payload)
	}
	return sent, bytes, nil
}

func (t *Transport) receiveContributions(ctx context.Context, s *sweep, sign int, peers []int) (int, error) {
	tag := exchangeTag(s.dim, sign, s.pop)
	msgs, err := t.comm.Wait(ctx, peers, tag)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrExchange, err)
	}

	rank := t.comm.Rank()
	side := sideMinus
	if sign < 0 {
		side = sidePlus
	}
	applied := 0
	for _, p := range peers {
		buf, err := partitions.DecodeContributionBuffer(msgs[p])
		if err != nil {
			return 0, fmt.Errorf("%w: message from rank %d: %w", grid.ErrTopology, p, err)
		}
		if buf.From != p || buf.To != rank || buf.Dim != s.dim || buf.Sign != sign || buf.Pop != s.pop {
			return 0, fmt.Errorf("%w: rank %d received %d→%d %s%+d pop %d on tag %s",
				ErrExchange, rank, buf.From, buf.To, buf.Dim, buf.Sign, buf.Pop, tag)
		}
		for i := 0; i < buf.Len(); i++ {
			key, values := buf.Entry(i)
			if !s.remoteTargets[key.Cell] {
				return 0, fmt.Errorf("%w: rank %d sent contributions for cell %d, not a remote target of rank %d",
					grid.ErrTopology, p, key.Cell, rank)
			}
			h, ok := s.arena.Lookup(key.Cell)
			if !ok {
				return 0, fmt.Errorf("%w: remote target cell %d has no slot", grid.ErrTopology, key.Cell)
			}
			slot, err := s.arena.Slot(h)
			if err != nil {
				return 0, err
			}
			if slot.Kind != Propagated {
				return 0, fmt.Errorf("%w: contributions for %s cell %d", grid.ErrTopology, slot.Kind, key.Cell)
			}
			var vals [vmesh.WID3]float64
			copy(vals[:], values)
			slot.accumulate(side, key.Block, 1, &vals)
			applied++
		}
	}
	return applied, nil
}

// Neighborhood returns the ranks this rank sends to and waits for in the
// sign exchange of a dim sweep over cells. It relies on every rank
// propagating exactly its non-boundary cells and on ghost replicas
// reaching StencilWidth cells.
func (t *Transport) Neighborhood(cells []grid.CellID, dim grid.Dimension, sign int) (partitions.Neighborhood, error) {
	return t.neighborhood(cells, dim, sign)
}

func (t *Transport) neighborhood(cells []grid.CellID, dim grid.Dimension, sign int) (partitions.Neighborhood, error) {
	send, err := t.remoteOwners(cells, dim, sign)
	if err != nil {
		return partitions.Neighborhood{}, err
	}
	recv, err := t.remoteOwners(cells, dim, -sign)
	if err != nil {
		return partitions.Neighborhood{}, err
	}
	return partitions.Neighborhood{Send: send, Recv: recv}, nil
}

// remoteOwners returns the owners of the evolved remote cells within
// StencilWidth hops of cells on the dir side
func (t *Transport) remoteOwners(cells []grid.CellID, dim grid.Dimension, dir int) ([]int, error) {
	writes, err := t.RemoteWrites(cells, dim, dir)
	if err != nil {
		return nil, err
	}
	owners := make(map[int]bool)
	for _, n := range writes {
		owners[t.adapter.Owner(n)] = true
	}
	out := make([]int, 0, len(owners))
	for r := range owners {
		out = append(out, r)
	}
	sort.Ints(out)
	return out, nil
}

// RemoteWrites returns the evolved remote cells within StencilWidth hops of
// cells on the dir side, the cells a sweep of cells may deposit into on
// other ranks
func (t *Transport) RemoteWrites(cells []grid.CellID, dim grid.Dimension, dir int) ([]grid.CellID, error) {
	found := make(map[grid.CellID]bool)
	for _, id := range cells {
		reach, err := grid.Reach(t.adapter, id, dim, dir, t.opts.StencilWidth)
		if err != nil {
			return nil, err
		}
		for _, n := range reach {
			if found[n] {
				continue
			}
			remote, err := t.isEvolvedRemote(n)
			if err != nil {
				return nil, err
			}
			if remote {
				found[n] = true
			}
		}
	}
	return keys(found), nil
}

// PlanExchange checks the sign exchange of a dim sweep across ranks before
// it runs: every rank's writes into remote cells must travel along its send
// neighborhood, and send and receive neighborhoods must agree. cells[r] are
// the cells rank r propagates.
func PlanExchange(layout *partitions.PartitionLayout, ranks map[int]*Transport, cells map[int][]grid.CellID,
	dim grid.Dimension, sign int) (*partitions.ExchangePlan, error) {
	writes := make(map[int][]grid.CellID, len(ranks))
	hoods := make(map[int]partitions.Neighborhood, len(ranks))
	for r, t := range ranks {
		w, err := t.RemoteWrites(cells[r], dim, sign)
		if err != nil {
			return nil, fmt.Errorf("rank %d: %w", r, err)
		}
		writes[r] = w
		if hoods[r], err = t.Neighborhood(cells[r], dim, sign); err != nil {
			return nil, fmt.Errorf("rank %d: %w", r, err)
		}
	}
	plan, err := partitions.NewExchangePlan(layout, writes)
	if err != nil {
		return nil, err
	}
	if err := plan.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %s%+d plan: %w", grid.ErrTopology, dim, sign, err)
	}
	if err := partitions.ValidateCommunicationSymmetry(hoods); err != nil {
		return nil, fmt.Errorf("%w: %s%+d: %w", grid.ErrTopology, dim, sign, err)
	}
	if err := plan.CoversPlan(hoods); err != nil {
		return nil, fmt.Errorf("%w: %s%+d: %w", grid.ErrTopology, dim, sign, err)
	}
	return plan, nil
}

func (t *Transport) isEvolvedRemote(id grid.CellID) (bool, error) {
	if t.adapter.IsLocal(id) {
		return false, nil
	}
	c, err := t.store.Cell(id)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrExchange, err)
	}
	return !c.IsSysBoundary(), nil
}

// RemoteTargetCells returns the cells that other ranks may deposit into
// during a dim sweep: those within StencilWidth hops of an evolved remote
// cell
func (t *Transport) RemoteTargetCells(cells []grid.CellID, dim grid.Dimension) ([]grid.CellID, error) {
	var out []grid.CellID
	for _, id := range cells {
		found := false
		for _, dir := range []int{-1, 1} {
			reach, err := grid.Reach(t.adapter, id, dim, dir, t.opts.StencilWidth)
			if err != nil {
				return nil, err
			}
			for _, n := range reach {
				remote, err := t.isEvolvedRemote(n)
				if err != nil {
					return nil, err
				}
				if remote {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if found {
			out = append(out, id)
		}
	}
	return out, nil
}

func keys(set map[grid.CellID]bool) []grid.CellID {
	out := make([]grid.CellID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
