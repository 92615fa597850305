package amr

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/notargets/VlasovAMR/partitions"
)

// Cluster runs one goroutine per rank over a shared mesh, connected by an
// in-process fabric
type Cluster struct {
	Mesh   *Mesh
	Views  []*View
	Fabric *partitions.Fabric
	Width  int // Ghost replica depth

	barrier *barrier
}

// NewCluster partitions mesh over numRanks ranks and refreshes the ghost
// replicas of every rank
func NewCluster(mesh *Mesh, numRanks int, strategy partitions.PartitionStrategy, width int) (*Cluster, error) {
	if _, err := mesh.Partition(numRanks, strategy); err != nil {
		return nil, err
	}
	fabric, err := partitions.NewFabric(numRanks, 0)
	if err != nil {
		return nil, err
	}
	c := &Cluster{
		Mesh:    mesh,
		Views:   make([]*View, numRanks),
		Fabric:  fabric,
		Width:   width,
		barrier: newBarrier(numRanks),
	}
	for r := range c.Views {
		if c.Views[r], err = mesh.View(r); err != nil {
			return nil, err
		}
		if err := c.Views[r].RefreshGhosts(width); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Run calls fn concurrently for every rank and returns the first error
func (c *Cluster) Run(ctx context.Context, fn func(ctx context.Context, view *View, ep *partitions.Endpoint) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for r, v := range c.Views {
		ep, err := c.Fabric.Endpoint(r)
		if err != nil {
			return err
		}
		v := v
		g.Go(func() error {
			if err := fn(ctx, v, ep); err != nil {
				return fmt.Errorf("rank %d: %w", v.Rank(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Synchronize refreshes the ghost replicas of rank once every rank has
// reached it, and returns once every rank has refreshed
func (c *Cluster) Synchronize(ctx context.Context, rank int) error {
	if err := c.barrier.wait(ctx); err != nil {
		return err
	}
	if err := c.Views[rank].RefreshGhosts(c.Width); err != nil {
		return err
	}
	return c.barrier.wait(ctx)
}

// barrier is a reusable rendezvous of a fixed number of goroutines
type barrier struct {
	mu      sync.Mutex
	n       int
	arrived int
	release chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, release: make(chan struct{})}
}

func (b *barrier) wait(ctx context.Context) error {
	b.mu.Lock()
	release := b.release
	b.arrived++
	if b.arrived == b.n {
		b.arrived = 0
		b.release = make(chan struct{})
		close(release)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("barrier: %w", ctx.Err())
	}
}
