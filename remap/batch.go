package remap

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// LineBatch stores many lines in flat arrays. Lines of one pencil share a
// geometry (cell widths and position flags) and differ in values and
// velocity.
type LineBatch struct {
	Width int // Ghost positions at each end of every line

	// Geometries
	GeoOffsets []int64 // Start of each geometry in DZ and Flags, len NumGeometries+1
	DZ         []float64
	Flags      []uint8

	// Lines
	LineGeo  []int64   // Geometry of each line
	Offsets  []int64   // Start of each line in Values and Out, len NumLines+1
	Velocity []float64 // Advection velocity of each line
	Values   []float64
	Out      []float64
}

// NewLineBatch creates an empty batch
func NewLineBatch(width int) *LineBatch {
	return &LineBatch{
		Width:      width,
		GeoOffsets: []int64{0},
		Offsets:    []int64{0},
	}
}

// NumLines returns the number of lines in the batch
func (b *LineBatch) NumLines() int {
	return len(b.Offsets) - 1
}

// NumGeometries returns the number of geometries in the batch
func (b *LineBatch) NumGeometries() int {
	return len(b.GeoOffsets) - 1
}

// AddGeometry appends a line geometry and returns its index
func (b *LineBatch) AddGeometry(dz []float64, flags []uint8) (int, error) {
	if len(dz) != len(flags) {
		return 0, fmt.Errorf("geometry has %d widths and %d flags", len(dz), len(flags))
	}
	b.DZ = append(b.DZ, dz...)
	b.Flags = append(b.Flags, flags...)
	b.GeoOffsets = append(b.GeoOffsets, int64(len(b.DZ)))
	return b.NumGeometries() - 1, nil
}

// AddLine appends a line over geometry geo with velocity v and returns its
// zeroed value slice for the caller to fill. The slice is only valid until
// the next AddLine.
func (b *LineBatch) AddLine(geo int, v float64) []float64 {
	n := int(b.GeoOffsets[geo+1] - b.GeoOffsets[geo])
	start := len(b.Values)
	for i := 0; i < n; i++ {
		b.Values = append(b.Values, 0)
	}
	b.LineGeo = append(b.LineGeo, int64(geo))
	b.Velocity = append(b.Velocity, v)
	b.Offsets = append(b.Offsets, int64(len(b.Values)))
	return b.Values[start:]
}

// Line returns the arrays of line l
func (b *LineBatch) Line(l int) (values, dz []float64, flags []uint8, out []float64) {
	g := b.LineGeo[l]
	lo, hi := b.Offsets[l], b.Offsets[l+1]
	glo, ghi := b.GeoOffsets[g], b.GeoOffsets[g+1]
	values = b.Values[lo:hi]
	dz = b.DZ[glo:ghi]
	flags = b.Flags[glo:ghi]
	if b.Out != nil {
		out = b.Out[lo:hi]
	}
	return values, dz, flags, out
}

// Validate checks the offsets and array lengths
func (b *LineBatch) Validate() error {
	if len(b.Offsets) == 0 || len(b.GeoOffsets) == 0 {
		return fmt.Errorf("batch not initialized, use NewLineBatch")
	}
	if len(b.LineGeo) != b.NumLines() || len(b.Velocity) != b.NumLines() {
		return fmt.Errorf("batch holds %d lines but %d geometries refs and %d velocities",
			b.NumLines(), len(b.LineGeo), len(b.Velocity))
	}
	if int(b.Offsets[b.NumLines()]) != len(b.Values) {
		return fmt.Errorf("line offsets end at %d, values hold %d", b.Offsets[b.NumLines()], len(b.Values))
	}
	if int(b.GeoOffsets[b.NumGeometries()]) != len(b.DZ) || len(b.DZ) != len(b.Flags) {
		return fmt.Errorf("geometry offsets end at %d, widths %d, flags %d",
			b.GeoOffsets[b.NumGeometries()], len(b.DZ), len(b.Flags))
	}
	for l, g := range b.LineGeo {
		if g < 0 || int(g) >= b.NumGeometries() {
			return fmt.Errorf("line %d references geometry %d of %d", l, g, b.NumGeometries())
		}
		n := b.Offsets[l+1] - b.Offsets[l]
		if n != b.GeoOffsets[g+1]-b.GeoOffsets[g] {
			return fmt.Errorf("line %d has %d values for a geometry of %d positions",
				l, n, b.GeoOffsets[g+1]-b.GeoOffsets[g])
		}
	}
	return nil
}

// Remapper executes RemapLine over every line of a batch, filling Out
type Remapper interface {
	Remap(ctx context.Context, batch *LineBatch, dt float64) error
}

// CPU remaps lines with a bounded pool of goroutines
type CPU struct {
	Workers   int
	ChunkSize int // Lines per task
}

// NewCPU creates a CPU remapper, workers < 1 means one per processor
func NewCPU(workers int) *CPU {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &CPU{Workers: workers, ChunkSize: 256}
}

// Remap implements Remapper
func (c *CPU) Remap(ctx context.Context, batch *LineBatch, dt float64) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	batch.Out = make([]float64, len(batch.Values))

	chunk := c.ChunkSize
	if chunk < 1 {
		chunk = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Workers)
	for start := 0; start < batch.NumLines(); start += chunk {
		start := start
		end := start + chunk
		if end > batch.NumLines() {
			end = batch.NumLines()
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for l := start; l < end; l++ {
				values, dz, flags, out := batch.Line(l)
				if err := RemapLine(values, dz, flags, batch.Width, batch.Velocity[l], dt, out); err != nil {
					return fmt.Errorf("line %d: %w", l, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
