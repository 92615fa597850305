package remap

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrStencilExceeded is returned when a departure distance is larger than
// the ghost stencil, meaning the timestep is too large for the resolution
var ErrStencilExceeded = errors.New("departure distance exceeds stencil width")

// Position flags of a line
const (
	FlagEmit  uint8 = 1 << iota // Position sends its mass along the line
	FlagFixed                   // Boundary value, reconstructed without slope
)

// RemapLine moves the cell averages in values by velocity v over dt using a
// minmod limited piecewise linear reconstruction. dz holds the cell widths
// along the line; the translated profile of each emitting position is
// integrated over the positions it lands on, so widths may change along
// the line. out receives the resulting cell averages and is overwritten.
//
// Every emitting position whose departure is wider than width cells fails
// with ErrStencilExceeded, whether or not it holds mass. Boundary positions
// (FlagFixed) deposit only into interior positions, those with FlagEmit set
// and FlagFixed clear, and may push mass off the ends of the line, where it
// is dropped. Any other emitter that would leave the line fails with
// ErrStencilExceeded.
func RemapLine(values, dz []float64, flags []uint8, width int, v, dt float64, out []float64) error {
	m := len(values)
	if len(dz) != m || len(flags) != m || len(out) != m {
		return fmt.Errorf("line arrays differ in length: values %d, dz %d, flags %d, out %d",
			m, len(dz), len(flags), len(out))
	}
	for i := range out {
		out[i] = 0
	}

	shift := v * dt
	for i := 0; i < m; i++ {
		if flags[i]&FlagEmit == 0 {
			continue
		}
		if s := shift / dz[i]; math.Abs(s) > float64(width) {
			return fmt.Errorf("%w: %.6g cells at line position %d, width %d",
				ErrStencilExceeded, s, i, width)
		}

		fixed := flags[i]&FlagFixed != 0
		f := values[i]
		d := 0.0
		if !fixed && i > 0 && i < m-1 {
			d = Slope(values[i-1], f, values[i+1])
		}
		if f == 0 && d == 0 {
			continue
		}

		var left bool
		if shift >= 0 {
			left = sweepUp(values, dz, flags, out, i, f, d, shift)
		} else {
			left = sweepDown(values, dz, flags, out, i, f, d, shift)
		}
		if left && !fixed {
			return fmt.Errorf("%w: position %d moved %.6g past the end of a %d cell line",
				ErrStencilExceeded, i, shift, m)
		}
	}
	return nil
}

// interior reports whether position t belongs to the pencil itself
func interior(flags []uint8, t int) bool {
	return flags[t]&(FlagEmit|FlagFixed) == FlagEmit
}

// sweepUp deposits the profile of position i, translated by shift >= 0,
// into the positions it overlaps. Coordinates are relative to the lower
// face of i. Reports whether part of the profile left the line.
func sweepUp(values, dz []float64, flags []uint8, out []float64, i int, f, d, shift float64) bool {
	fixed := flags[i]&FlagFixed != 0
	lo, hi := shift, shift+dz[i]
	zt := 0.0
	for t := i; zt < hi; t++ {
		if t >= len(values) {
			return true
		}
		if !fixed || interior(flags, t) {
			deposit(out, dz, i, t, f, d, lo, math.Max(zt, lo), math.Min(zt+dz[t], hi))
		}
		zt += dz[t]
	}
	return false
}

// sweepDown is sweepUp for shift < 0
func sweepDown(values, dz []float64, flags []uint8, out []float64, i int, f, d, shift float64) bool {
	fixed := flags[i]&FlagFixed != 0
	lo, hi := shift, shift+dz[i]
	ztHi := dz[i]
	for t := i; ztHi > lo; t-- {
		if t < 0 {
			return true
		}
		ztLo := ztHi - dz[t]
		if !fixed || interior(flags, t) {
			deposit(out, dz, i, t, f, d, lo, math.Max(ztLo, lo), math.Min(ztHi, hi))
		}
		ztHi = ztLo
	}
	return false
}

// deposit adds the part of the profile of position from landing on
// [a,b] into position to. origin is where the translated profile starts.
func deposit(out, dz []float64, from, to int, f, d, origin, a, b float64) {
	if b <= a {
		return
	}
	w := dz[from]
	portion := integrate(f, d, (a-origin)/w, (b-origin)/w)
	out[to] += portion * w / dz[to]
}

// Mass returns the integral of the cell averages over the line
func Mass(values, dz []float64) float64 {
	return floats.Dot(values, dz)
}
