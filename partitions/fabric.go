package partitions

import (
	"context"
	"fmt"
	"sync"
)

// Fabric is an in-process point-to-point message layer between ranks.
// Messages between a pair of ranks with the same tag are delivered in
// send order.
type Fabric struct {
	NumRanks int

	mu    sync.Mutex
	boxes map[route]chan []byte
	depth int
}

type route struct {
	from, to int
	tag      string
}

// NewFabric creates a fabric connecting numRanks ranks. depth is the number
// of undelivered messages a route holds before Send blocks.
func NewFabric(numRanks, depth int) (*Fabric, error) {
	if numRanks < 1 {
		return nil, fmt.Errorf("invalid rank count %d", numRanks)
	}
	if depth < 1 {
		depth = 16
	}
	return &Fabric{
		NumRanks: numRanks,
		boxes:    make(map[route]chan []byte),
		depth:    depth,
	}, nil
}

func (f *Fabric) box(r route) chan []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.boxes[r]
	if !ok {
		ch = make(chan []byte, f.depth)
		f.boxes[r] = ch
	}
	return ch
}

// Endpoint returns the view of the fabric from one rank
func (f *Fabric) Endpoint(rank int) (*Endpoint, error) {
	if rank < 0 || rank >= f.NumRanks {
		return nil, fmt.Errorf("rank %d outside fabric of %d ranks", rank, f.NumRanks)
	}
	return &Endpoint{fabric: f, rank: rank}, nil
}

// Pending returns the number of sent but unreceived messages
func (f *Fabric) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ch := range f.boxes {
		n += len(ch)
	}
	return n
}

// Endpoint sends and receives on behalf of one rank
type Endpoint struct {
	fabric *Fabric
	rank   int
}

// Rank returns the rank of the endpoint
func (e *Endpoint) Rank() int {
	return e.rank
}

// Send queues payload for peer. It returns once the message is queued.
func (e *Endpoint) Send(ctx context.Context, peer int, tag string, payload []byte) error {
	if peer < 0 || peer >= e.fabric.NumRanks {
		return fmt.Errorf("send to rank %d outside fabric of %d ranks", peer, e.fabric.NumRanks)
	}
	msg := make([]byte, len(payload))
	copy(msg, payload)
	select {
	case e.fabric.box(route{from: e.rank, to: peer, tag: tag}) <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send %s %d→%d: %w", tag, e.rank, peer, ctx.Err())
	}
}

// Wait blocks until one message with tag has arrived from every peer
func (e *Endpoint) Wait(ctx context.Context, peers []int, tag string) (map[int][]byte, error) {
	seen := make(map[int]bool, len(peers))
	for _, peer := range peers {
		if seen[peer] {
			return nil, fmt.Errorf("wait %s lists rank %d twice", tag, peer)
		}
		if peer < 0 || peer >= e.fabric.NumRanks {
			return nil, fmt.Errorf("wait for rank %d outside fabric of %d ranks", peer, e.fabric.NumRanks)
		}
		seen[peer] = true
	}
	out := make(map[int][]byte, len(peers))
	for _, peer := range peers {
		select {
		case msg := <-e.fabric.box(route{from: peer, to: e.rank, tag: tag}):
			out[peer] = msg
		case <-ctx.Done():
			return nil, fmt.Errorf("wait %s at rank %d for %d: %w", tag, e.rank, peer, ctx.Err())
		}
	}
	return out, nil
}
