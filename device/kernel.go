package device

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/notargets/gocca"
	"github.com/sirupsen/logrus"

	"github.com/notargets/VlasovAMR/remap"
)

// Line status codes written by the kernel
const (
	statusOK       = 0
	statusDepart   = 1 // Departure wider than the stencil
	statusLeftLine = 2 // Interior mass moved past the end of the line
)

const remapKernelSource = `
@kernel void remapLines(const int_t *meta,
                        const real_t dt,
                        const int_t *lineGeo,
                        const int_t *offsets,
                        const int_t *geoOffsets,
                        const real_t *velocity,
                        const real_t *values,
                        const real_t *dz,
                        const int_t *flags,
                        real_t *out,
                        int_t *status) {
	for (int blk = 0; blk < NBLOCKS; ++blk; @outer) {
		for (int th = 0; th < NTHREADS; ++th; @inner) {
			const int_t nLines = meta[0];
			for (int_t line = blk * NTHREADS + th; line < nLines; line += NBLOCKS * NTHREADS) {
				const int_t lo = offsets[line];
				const int_t m = offsets[line + 1] - lo;
				const int_t g = geoOffsets[lineGeo[line]];
				const real_t *f = values + lo;
				const real_t *w = dz + g;
				const int_t *fl = flags + g;
				real_t *o = out + lo;
				const real_t shift = velocity[line] * dt;
				int_t st = 0;

				for (int_t i = 0; i < m; ++i) {
					o[i] = REAL_ZERO;
				}
				for (int_t i = 0; i < m && st == 0; ++i) {
					if ((fl[i] & FLAG_EMIT) == 0) {
						continue;
					}
					if (fabs(shift / w[i]) > (real_t) WIDTH) {
						st = 1;
						continue;
					}
					const int fixed = (fl[i] & FLAG_FIXED) != 0;
					const real_t fi = f[i];
					real_t d = REAL_ZERO;
					if (!fixed && i > 0 && i < m - 1) {
						d = MINMOD(fi - f[i - 1], f[i + 1] - fi);
					}
					if (fi == REAL_ZERO && d == REAL_ZERO) {
						continue;
					}

					const real_t zlo = shift;
					const real_t zhi = shift + w[i];
					int left = 0;
					if (shift >= REAL_ZERO) {
						real_t zt = REAL_ZERO;
						for (int_t t = i; zt < zhi; ++t) {
							if (t >= m) {
								left = 1;
								break;
							}
							const real_t a = fmax(zt, zlo);
							const real_t b = fmin(zt + w[t], zhi);
							if (b > a && (!fixed || (fl[t] & (FLAG_EMIT | FLAG_FIXED)) == FLAG_EMIT)) {
								o[t] += PROFILE_INTEGRAL(fi, d, (a - zlo) / w[i], (b - zlo) / w[i]) * w[i] / w[t];
							}
							zt += w[t];
						}
					} else {
						real_t ztHi = w[i];
						for (int_t t = i; ztHi > zlo; --t) {
							if (t < 0) {
								left = 1;
								break;
							}
							const real_t ztLo = ztHi - w[t];
							const real_t a = fmax(ztLo, zlo);
							const real_t b = fmin(ztHi, zhi);
							if (b > a && (!fixed || (fl[t] & (FLAG_EMIT | FLAG_FIXED)) == FLAG_EMIT)) {
								o[t] += PROFILE_INTEGRAL(fi, d, (a - zlo) / w[i], (b - zlo) / w[i]) * w[i] / w[t];
							}
							ztHi = ztLo;
						}
					}
					if (left && !fixed) {
						st = 2;
					}
				}
				status[line] = st;
			}
		}
	}
}
`

// RemapKernel runs the line remap on an OCCA device
type RemapKernel struct {
	Device   *gocca.OCCADevice
	Preamble Preamble

	kernel *gocca.OCCAKernel
	log    *logrus.Entry
}

// NewRemapKernel compiles the remap kernel for stencilWidth on device
func NewRemapKernel(device *gocca.OCCADevice, stencilWidth int, log *logrus.Entry) (*RemapKernel, error) {
	if device == nil {
		return nil, fmt.Errorf("remap kernel requires a device")
	}
	if stencilWidth < 1 {
		return nil, fmt.Errorf("invalid stencil width %d", stencilWidth)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	rk := &RemapKernel{
		Device:   device,
		Preamble: Preamble{StencilWidth: stencilWidth, Blocks: 64, Threads: 64},
		log:      log.WithField("mode", device.Mode()),
	}
	if device.Mode() == "Serial" || device.Mode() == "OpenMP" {
		rk.Preamble.Threads = 1
	}
	source := rk.Preamble.Generate() + remapKernelSource
	kernel, err := device.BuildKernelFromString(source, "remapLines", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build remap kernel: %w", err)
	}
	rk.kernel = kernel
	return rk, nil
}

// Free releases the compiled kernel
func (rk *RemapKernel) Free() {
	if rk.kernel != nil {
		rk.kernel.Free()
		rk.kernel = nil
	}
}

// Remap implements remap.Remapper
func (rk *RemapKernel) Remap(ctx context.Context, batch *remap.LineBatch, dt float64) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	if batch.Width != rk.Preamble.StencilWidth {
		return fmt.Errorf("batch stencil width %d, kernel built for %d", batch.Width, rk.Preamble.StencilWidth)
	}
	batch.Out = make([]float64, len(batch.Values))
	nLines := batch.NumLines()
	if nLines == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	flags := make([]int64, len(batch.Flags))
	for i, f := range batch.Flags {
		flags[i] = int64(f)
	}
	meta := []int64{int64(nLines)}
	status := make([]int64, nLines)

	var mems []*gocca.OCCAMemory
	defer func() {
		for _, m := range mems {
			m.Free()
		}
	}()
	upload := func(ptr unsafe.Pointer, bytes int) *gocca.OCCAMemory {
		m := rk.Device.Malloc(int64(bytes), ptr, nil)
		mems = append(mems, m)
		return m
	}
	metaMem := upload(unsafe.Pointer(&meta[0]), 8)
	lineGeoMem := upload(unsafe.Pointer(&batch.LineGeo[0]), 8*len(batch.LineGeo))
	offsetsMem := upload(unsafe.Pointer(&batch.Offsets[0]), 8*len(batch.Offsets))
	geoOffsetsMem := upload(unsafe.Pointer(&batch.GeoOffsets[0]), 8*len(batch.GeoOffsets))
	velocityMem := upload(unsafe.Pointer(&batch.Velocity[0]), 8*len(batch.Velocity))
	valuesMem := upload(unsafe.Pointer(&batch.Values[0]), 8*len(batch.Values))
	dzMem := upload(unsafe.Pointer(&batch.DZ[0]), 8*len(batch.DZ))
	flagsMem := upload(unsafe.Pointer(&flags[0]), 8*len(flags))
	outMem := upload(nil, 8*len(batch.Out))
	statusMem := upload(nil, 8*len(status))

	if err := rk.kernel.RunWithArgs(metaMem, dt, lineGeoMem, offsetsMem, geoOffsetsMem,
		velocityMem, valuesMem, dzMem, flagsMem, outMem, statusMem); err != nil {
		return fmt.Errorf("remap kernel execution failed: %w", err)
	}
	rk.Device.Finish()

	outMem.CopyTo(unsafe.Pointer(&batch.Out[0]), int64(8*len(batch.Out)))
	statusMem.CopyTo(unsafe.Pointer(&status[0]), int64(8*len(status)))

	for l, st := range status {
		switch st {
		case statusOK:
		case statusDepart:
			return fmt.Errorf("line %d: %w: velocity %.6g over dt %.6g, width %d",
				l, remap.ErrStencilExceeded, batch.Velocity[l], dt, batch.Width)
		case statusLeftLine:
			return fmt.Errorf("line %d: %w: mass moved past the end of the line",
				l, remap.ErrStencilExceeded)
		default:
			return fmt.Errorf("line %d: unknown kernel status %d", l, st)
		}
	}
	rk.log.WithField("lines", nLines).Debug("device remap complete")
	return nil
}
