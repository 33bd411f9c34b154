package fusion

import (
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"spimfuse/pkg/volume"
)

// spectrum is a 3D half-spectrum of shape (nz, ny, nx/2+1) of a real
// volume of shape (nz, ny, nx).
type spectrum struct {
	shape volume.Shape
	data  []complex128
}

func (s *spectrum) hx() int { return s.shape[2]/2 + 1 }

// fft3 holds the gonum FFT plans for one real volume shape. Plans carry
// work buffers, so an fft3 must not be used concurrently.
type fft3 struct {
	shape  volume.Shape
	x      *fourier.FFT
	y, z   *fourier.CmplxFFT
	rowIn  []float64
	rowOut []complex128
	lineIn []complex128
	line   []complex128
}

func newFFT3(shape volume.Shape) *fft3 {
	n := max(shape[0], shape[1])
	return &fft3{
		shape:  shape,
		x:      fourier.NewFFT(shape[2]),
		y:      fourier.NewCmplxFFT(shape[1]),
		z:      fourier.NewCmplxFFT(shape[0]),
		rowIn:  make([]float64, shape[2]),
		rowOut: make([]complex128, shape[2]/2+1),
		lineIn: make([]complex128, n),
		line:   make([]complex128, n),
	}
}

// forward computes the spectrum of data: a real FFT along x followed by
// complex FFTs along y and z.
func (f *fft3) forward(data []float64) *spectrum {
	nz, ny, nx := f.shape[0], f.shape[1], f.shape[2]
	s := &spectrum{shape: f.shape}
	hx := s.hx()
	s.data = make([]complex128, nz*ny*hx)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			copy(f.rowIn, data[(z*ny+y)*nx:(z*ny+y+1)*nx])
			f.x.Coefficients(f.rowOut, f.rowIn)
			copy(s.data[(z*ny+y)*hx:], f.rowOut)
		}
	}
	f.alongY(s, false)
	f.alongZ(s, false)
	return s
}

// inverse returns the real volume of spectrum s, normalized so that
// inverse(forward(x)) == x.
func (f *fft3) inverse(s *spectrum) []float64 {
	nz, ny, nx := f.shape[0], f.shape[1], f.shape[2]
	hx := s.hx()
	f.alongZ(s, true)
	f.alongY(s, true)
	out := make([]float64, nz*ny*nx)
	scale := 1 / float64(nz*ny*nx)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			copy(f.rowOut, s.data[(z*ny+y)*hx:(z*ny+y+1)*hx])
			row := out[(z*ny+y)*nx : (z*ny+y+1)*nx]
			f.x.Sequence(row, f.rowOut)
			for i := range row {
				row[i] *= scale
			}
		}
	}
	return out
}

func (f *fft3) alongY(s *spectrum, inverse bool) {
	nz, ny, hx := f.shape[0], f.shape[1], s.hx()
	in, out := f.lineIn[:ny], f.line[:ny]
	for z := 0; z < nz; z++ {
		for k := 0; k < hx; k++ {
			for y := 0; y < ny; y++ {
				in[y] = s.data[(z*ny+y)*hx+k]
			}
			if inverse {
				f.y.Sequence(out, in)
			} else {
				f.y.Coefficients(out, in)
			}
			for y := 0; y < ny; y++ {
				s.data[(z*ny+y)*hx+k] = out[y]
			}
		}
	}
}

func (f *fft3) alongZ(s *spectrum, inverse bool) {
	nz, ny, hx := f.shape[0], f.shape[1], s.hx()
	in, out := f.lineIn[:nz], f.line[:nz]
	plane := ny * hx
	for i := 0; i < plane; i++ {
		for z := 0; z < nz; z++ {
			in[z] = s.data[z*plane+i]
		}
		if inverse {
			f.z.Sequence(out, in)
		} else {
			f.z.Coefficients(out, in)
		}
		for z := 0; z < nz; z++ {
			s.data[z*plane+i] = out[z]
		}
	}
}

// convolver convolves blocks with one kernel. Kernel spectra are cached
// per block shape and FFT plans are pooled, so a convolver may be shared by
// concurrent chunk tasks.
type convolver struct {
	kernel *volume.Array
	radius [3]int

	mu      sync.Mutex
	spectra map[volume.Shape]*spectrum
	plans   map[volume.Shape]*sync.Pool
}

// directLimit is the kernel size below which direct summation is used.
const directLimit = 27

func newConvolver(kernel *volume.Array) *convolver {
	s := kernel.Shape
	return &convolver{
		kernel:  kernel,
		radius:  [3]int{s[0] / 2, s[1] / 2, s[2] / 2},
		spectra: make(map[volume.Shape]*spectrum),
		plans:   make(map[volume.Shape]*sync.Pool),
	}
}

// convolve returns in convolved with the kernel. Voxels closer than the
// kernel radius to the block edge are not valid and must be trimmed.
func (c *convolver) convolve(in *volume.Block) *volume.Block {
	if c.kernel.Shape.Size() <= directLimit {
		return c.direct(in)
	}
	shape := in.Shape()
	pool, ks := c.prepare(shape)
	f := pool.Get().(*fft3)
	defer pool.Put(f)

	s := f.forward(in.Data)
	for i := range s.data {
		s.data[i] *= ks.data[i]
	}
	return &volume.Block{Box: in.Box, Data: f.inverse(s)}
}

func (c *convolver) prepare(shape volume.Shape) (*sync.Pool, *spectrum) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pool, ok := c.plans[shape]
	if !ok {
		pool = &sync.Pool{New: func() any { return newFFT3(shape) }}
		c.plans[shape] = pool
	}
	ks, ok := c.spectra[shape]
	if !ok {
		ks = newFFT3(shape).forward(c.wrapped(shape))
		c.spectra[shape] = ks
	}
	return pool, ks
}

// wrapped places the kernel in a volume of the given shape with its centre
// at the origin, wrapping negative offsets around.
func (c *convolver) wrapped(shape volume.Shape) []float64 {
	out := make([]float64, shape.Size())
	k := c.kernel
	for z := 0; z < k.Shape[0]; z++ {
		wz := mod(z-c.radius[0], shape[0])
		for y := 0; y < k.Shape[1]; y++ {
			wy := mod(y-c.radius[1], shape[1])
			for x := 0; x < k.Shape[2]; x++ {
				wx := mod(x-c.radius[2], shape[2])
				out[(wz*shape[1]+wy)*shape[2]+wx] += k.At(z, y, x)
			}
		}
	}
	return out
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}

// direct sums the kernel over the block; taps outside the block read the
// nearest edge voxel.
func (c *convolver) direct(in *volume.Block) *volume.Block {
	out := in.Like()
	k, r := c.kernel, c.radius
	b := in.Box
	for z := b.Min[0]; z < b.Max[0]; z++ {
		for y := b.Min[1]; y < b.Max[1]; y++ {
			for x := b.Min[2]; x < b.Max[2]; x++ {
				s := 0.0
				for kz := 0; kz < k.Shape[0]; kz++ {
					sz := clamp(z-(kz-r[0]), b.Min[0], b.Max[0]-1)
					for ky := 0; ky < k.Shape[1]; ky++ {
						sy := clamp(y-(ky-r[1]), b.Min[1], b.Max[1]-1)
						for kx := 0; kx < k.Shape[2]; kx++ {
							sx := clamp(x-(kx-r[2]), b.Min[2], b.Max[2]-1)
							s += k.At(kz, ky, kx) * in.At(sz, sy, sx)
						}
					}
				}
				out.Set(z, y, x, s)
			}
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
