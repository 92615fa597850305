package device

import (
	"fmt"
	"strings"
)

// Preamble holds the compile time constants of the remap kernel
type Preamble struct {
	StencilWidth int
	Blocks       int // @outer iterations
	Threads      int // @inner iterations per outer
}

// Generate returns the kernel preamble: type definitions, constants and the
// position flag bits
func (p Preamble) Generate() string {
	var sb strings.Builder

	// Host arrays are float64 and int64
	sb.WriteString("typedef double real_t;\n")
	sb.WriteString("typedef long int_t;\n")
	sb.WriteString("#define REAL_ZERO 0.0\n")
	sb.WriteString("#define REAL_HALF 0.5\n")
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("#define WIDTH %d\n", p.StencilWidth))
	sb.WriteString(fmt.Sprintf("#define NBLOCKS %d\n", p.Blocks))
	sb.WriteString(fmt.Sprintf("#define NTHREADS %d\n", p.Threads))
	sb.WriteString("#define FLAG_EMIT 1\n")
	sb.WriteString("#define FLAG_FIXED 2\n")
	sb.WriteString("\n")

	// Minmod limiter and profile integral
	sb.WriteString("#define MINMOD(a, b) (((a) * (b) <= REAL_ZERO) ? REAL_ZERO : ")
	sb.WriteString("((fabs(a) < fabs(b)) ? (a) : (b)))\n")
	sb.WriteString("#define PROFILE_INTEGRAL(f, d, z1, z2) ")
	sb.WriteString("((f) * ((z2) - (z1)) + REAL_HALF * (d) * ")
	sb.WriteString("(((z2) - REAL_HALF) * ((z2) - REAL_HALF) - ((z1) - REAL_HALF) * ((z1) - REAL_HALF)))\n")
	sb.WriteString("\n")

	return sb.String()
}
