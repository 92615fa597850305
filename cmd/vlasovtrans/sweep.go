package main

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/notargets/VlasovAMR/amr"
	"github.com/notargets/VlasovAMR/config"
	"github.com/notargets/VlasovAMR/device"
	"github.com/notargets/VlasovAMR/grid"
	"github.com/notargets/VlasovAMR/partitions"
	"github.com/notargets/VlasovAMR/remap"
	"github.com/notargets/VlasovAMR/spatial"
	"github.com/notargets/VlasovAMR/transport"
	"github.com/notargets/VlasovAMR/vmesh"
)

var steps int // Overrides run.steps when >= 0

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Translate a drifting Gaussian and report mass conservation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel == "" {
			logrus.SetLevel(cfg.Level())
		}
		if steps >= 0 {
			cfg.Run.Steps = steps
		}
		res, err := runSweeps(cmd.Context(), cfg, logrus.NewEntry(logrus.StandardLogger()))
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"steps":      res.Steps,
			"massBefore": res.MassBefore,
			"massAfter":  res.MassAfter,
			"relDrift":   res.RelativeDrift(),
			"elapsed":    res.Elapsed.String(),
		}).Info("translation complete")
		return nil
	},
}

func init() {
	sweepCmd.Flags().IntVar(&steps, "steps", -1, "Number of translation steps, overrides run.steps")
}

// result summarizes a run
type result struct {
	Steps      int
	Leaves     int
	MassBefore float64
	MassAfter  float64
	Stats      []transport.SweepStats // Last sweep of every rank
	Elapsed    time.Duration
}

// RelativeDrift returns the relative change of the total mass
func (r *result) RelativeDrift() float64 {
	if r.MassBefore == 0 {
		return math.Abs(r.MassAfter)
	}
	return math.Abs(r.MassAfter-r.MassBefore) / r.MassBefore
}

// runSweeps builds the mesh of cfg, places the initial distribution and
// translates it over cfg.Run.Steps steps
func runSweeps(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	mesh, vm, err := buildMesh(cfg)
	if err != nil {
		return nil, err
	}
	if err := initialize(mesh, vm, cfg.Run.Blob, cfg.Run.Population); err != nil {
		return nil, err
	}
	before, err := mesh.TotalMass(cfg.Run.Population, vm, false)
	if err != nil {
		return nil, err
	}

	strategy, err := partitions.ParseStrategy(cfg.Run.Partition)
	if err != nil {
		return nil, err
	}
	cluster, err := amr.NewCluster(mesh, cfg.Run.Ranks, strategy, cfg.Transport.StencilWidth)
	if err != nil {
		return nil, err
	}
	stats := mesh.Layout().PartitionStatistics()
	log.WithFields(logrus.Fields{
		"leaves":    len(mesh.Leaves()),
		"ranks":     stats.NumPartitions,
		"imbalance": stats.Imbalance,
		"strategy":  strategy.String(),
	}).Info("mesh partitioned")

	remapper, release, err := newRemapper(cfg, log)
	if err != nil {
		return nil, err
	}
	defer release()

	ranks := make(map[int]*transport.Transport, cfg.Run.Ranks)
	cells := make(map[int][]grid.CellID, cfg.Run.Ranks)
	for r, view := range cluster.Views {
		ep, err := cluster.Fabric.Endpoint(r)
		if err != nil {
			return nil, err
		}
		rank := r
		ranks[r], err = transport.New(view, view, ep, transport.Options{
			StencilWidth: cfg.Transport.StencilWidth,
			Workers:      cfg.Transport.Workers,
			Remapper:     remapper,
			VelocityMesh: vm,
			Log:          log,
			GhostUpdate: func(ctx context.Context, dim grid.Dimension) error {
				return cluster.Synchronize(ctx, rank)
			},
		})
		if err != nil {
			return nil, err
		}
		cells[r] = view.PropagatedCells()
	}

	extent := mesh.Extent()
	for _, dim := range grid.Dimensions {
		if extent[dim] <= 1 {
			continue
		}
		for _, sign := range []int{1, -1} {
			if _, err := transport.PlanExchange(mesh.Layout(), ranks, cells, dim, sign); err != nil {
				return nil, err
			}
		}
	}

	res := &result{Steps: cfg.Run.Steps, Leaves: len(mesh.Leaves()), MassBefore: before}
	res.Stats = make([]transport.SweepStats, cfg.Run.Ranks)
	start := time.Now()
	err = cluster.Run(ctx, func(ctx context.Context, view *amr.View, ep *partitions.Endpoint) error {
		tr := ranks[view.Rank()]
		for step := 0; step < cfg.Run.Steps; step++ {
			stepCtx, cancel := context.WithTimeout(ctx, cfg.Transport.ExchangeTimeout)
			err := tr.Translate(stepCtx, cells[view.Rank()], cfg.Run.Dt, cfg.Run.Population)
			cancel()
			if err != nil {
				return fmt.Errorf("step %d: %w", step, err)
			}
			if err := tr.CheckBarrier(); err != nil {
				return err
			}
			if err := cluster.Synchronize(ctx, view.Rank()); err != nil {
				return err
			}
			if err := view.UpdateSysBoundaries(cfg.Run.Population); err != nil {
				return fmt.Errorf("step %d: %w", step, err)
			}
		}
		res.Stats[view.Rank()] = tr.Stats()
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start)
	if pending := cluster.Fabric.Pending(); pending != 0 {
		return nil, fmt.Errorf("%w: %d undelivered messages", transport.ErrExchange, pending)
	}

	if res.MassAfter, err = mesh.TotalMass(cfg.Run.Population, vm, false); err != nil {
		return nil, err
	}
	return res, nil
}

// buildMesh creates the refined mesh and the velocity mesh of cfg and marks
// the faces of resolved non-periodic axes as boundary cells
func buildMesh(cfg *config.Config) (*amr.Mesh, *vmesh.Uniform, error) {
	vm, err := vmesh.NewUniform(cfg.Velocity.Blocks, cfg.Velocity.VMin, cfg.Velocity.VMax)
	if err != nil {
		return nil, nil, err
	}
	mesh, err := amr.New(amr.Config{
		Cells:              cfg.Mesh.Cells,
		Origin:             cfg.Mesh.Origin,
		CellSize:           cfg.Mesh.CellSize,
		Periodic:           cfg.Mesh.Periodic,
		MaxRefinementLevel: cfg.Mesh.MaxRefinementLevel,
		Populations:        cfg.Run.Population + 1,
	})
	if err != nil {
		return nil, nil, err
	}
	for _, r := range cfg.Mesh.Refine {
		if err := mesh.RefineRegion(r.Lo, r.Hi, r.Level); err != nil {
			return nil, nil, err
		}
	}

	sb, err := cfg.BoundaryType()
	if err != nil {
		return nil, nil, err
	}
	if sb == spatial.NotSysBoundary {
		return mesh, vm, nil
	}
	for _, id := range mesh.Leaves() {
		for _, dim := range grid.Dimensions {
			if cfg.Mesh.Cells[dim] <= 1 || cfg.Mesh.Periodic[dim] {
				continue
			}
			edge := false
			for _, dir := range []int{-1, 1} {
				nbrs, err := mesh.Neighbors(id, dim, dir)
				if err != nil {
					return nil, nil, err
				}
				edge = edge || len(nbrs) == 0
			}
			if edge {
				if err := mesh.SetSysBoundary(id, sb); err != nil {
					return nil, nil, err
				}
			}
		}
	}
	return mesh, vm, nil
}

// initialize fills population pop of every leaf with a Gaussian density
// concentrated in the velocity cell of the blob drift
func initialize(mesh *amr.Mesh, vm *vmesh.Uniform, blob config.BlobConfig, pop int) error {
	gid := vm.BlockOf(blob.Velocity)
	if gid == vmesh.InvalidGlobalID {
		return fmt.Errorf("blob velocity %v outside the velocity mesh", blob.Velocity)
	}
	bp, err := vm.BlockParameters(gid)
	if err != nil {
		return err
	}
	c := 0
	for d, stride := range []int{1, vmesh.WID, vmesh.WID2} {
		i := int((blob.Velocity[d] - bp.VMin[d]) / bp.DV[d])
		c += min(max(i, 0), vmesh.WID-1) * stride
	}

	for _, id := range mesh.Leaves() {
		cell, err := mesh.Cell(id)
		if err != nil {
			return err
		}
		var r2 float64
		for d := 0; d < 3; d++ {
			dx := cell.Geometry.Center[d] - blob.Center[d]
			r2 += dx * dx
		}
		n := blob.Density * math.Exp(-r2/(blob.Width*blob.Width))
		if n < 1e-12*blob.Density {
			continue
		}
		p, err := cell.Population(pop)
		if err != nil {
			return err
		}
		p.AddBlock(gid)[c] = n / bp.CellVolume()
	}
	return nil
}

// newRemapper returns the remap backend of cfg and its release function
func newRemapper(cfg *config.Config, log *logrus.Entry) (remap.Remapper, func(), error) {
	if cfg.Transport.Backend != "occa" {
		return remap.NewCPU(cfg.Transport.Workers), func() {}, nil
	}
	var props []string
	if cfg.Transport.Device != "" {
		props = append(props, cfg.Transport.Device)
	}
	dev, err := device.CreateDevice(log, props...)
	if err != nil {
		return nil, nil, err
	}
	rk, err := device.NewRemapKernel(dev, cfg.Transport.StencilWidth, log)
	if err != nil {
		dev.Free()
		return nil, nil, err
	}
	release := func() {
		rk.Free()
		dev.Free()
	}
	return &sharedRemapper{r: rk}, release, nil
}

// sharedRemapper serializes the ranks on one device
type sharedRemapper struct {
	mu sync.Mutex
	r  remap.Remapper
}

func (s *sharedRemapper) Remap(ctx context.Context, batch *remap.LineBatch, dt float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Remap(ctx, batch, dt)
}
