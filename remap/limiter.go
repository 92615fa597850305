package remap

import "math"

// Minmod returns the argument of least magnitude when both have the same
// sign, zero otherwise
func Minmod(a, b float64) float64 {
	if a*b <= 0 {
		return 0
	}
	if math.Abs(a) < math.Abs(b) {
		return a
	}
	return b
}

// Slope is the limited per-cell difference of the linear reconstruction in
// the middle cell of three consecutive cell averages
func Slope(prev, cur, next float64) float64 {
	return Minmod(cur-prev, next-cur)
}

// FaceValues returns the reconstructed values at the lower and upper face
// of the middle cell
func FaceValues(prev, cur, next float64) (lower, upper float64) {
	d := Slope(prev, cur, next)
	return cur - 0.5*d, cur + 0.5*d
}

// integrate returns the integral of f + d(z-1/2) over [z1,z2] in cell units
func integrate(f, d, z1, z2 float64) float64 {
	a, b := z1-0.5, z2-0.5
	return f*(z2-z1) + 0.5*d*(b*b-a*a)
}
