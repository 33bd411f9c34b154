// Package psf models the point spread functions of the imaging views.
//
// A Model holds a normalized kernel on a voxel grid. The kernel has odd
// extent along every axis and is centred, so Radius()[d] voxels lie on
// either side of the centre voxel.
package psf

import (
	"fmt"
	"math"

	"spimfuse/pkg/errs"
	"spimfuse/pkg/interpolation"
	"spimfuse/pkg/metrics"
	"spimfuse/pkg/transform"
	"spimfuse/pkg/volume"
)

// Optics describes the detection optics. Lengths are in the units of the
// voxel spacing, usually micrometres.
type Optics struct {
	NA              float64 `yaml:"na" toml:"na"`
	Wavelength      float64 `yaml:"wavelength" toml:"wavelength"`
	RefractiveIndex float64 `yaml:"refractive_index" toml:"refractive_index"`

	// SigmaXY and SigmaZ override the widths derived from NA and wavelength.
	SigmaXY float64 `yaml:"sigma_xy" toml:"sigma_xy"`
	SigmaZ  float64 `yaml:"sigma_z" toml:"sigma_z"`
}

// Sigmas returns the Gaussian widths (z, y, x) of the optics.
func (o Optics) Sigmas() ([3]float64, error) {
	sxy, sz := o.SigmaXY, o.SigmaZ
	if sxy <= 0 || sz <= 0 {
		if o.NA <= 0 || o.Wavelength <= 0 {
			return [3]float64{}, errs.Configuration("psf.Optics", "need NA and wavelength or explicit sigmas, got %+v", o)
		}
		n := o.RefractiveIndex
		if n <= 0 {
			n = 1.33
		}
		if sxy <= 0 {
			sxy = 0.21 * o.Wavelength / o.NA
		}
		if sz <= 0 {
			sz = 0.66 * o.Wavelength * n / (o.NA * o.NA)
		}
	}
	return [3]float64{sz, sxy, sxy}, nil
}

// Model is an immutable, normalized point spread function.
type Model struct {
	name   string
	kernel *volume.Array
}

// Name describes how the model was built.
func (m *Model) Name() string { return m.name }

// Kernel returns the normalized kernel. It must not be modified.
func (m *Model) Kernel() *volume.Array { return m.kernel }

// Radius returns the kernel half-extent in voxels.
func (m *Model) Radius() [3]int {
	s := m.kernel.Shape
	return [3]int{s[0] / 2, s[1] / 2, s[2] / 2}
}

// Spacing returns the voxel spacing of the kernel.
func (m *Model) Spacing() [3]float64 { return m.kernel.Spacing }

// FWHM returns the full width at half maximum along each axis in physical
// units.
func (m *Model) FWHM() [3]float64 { return metrics.FWHM(m.kernel) }

// IsDelta reports whether the kernel is a single voxel.
func (m *Model) IsDelta() bool { return m.kernel.Shape == volume.Shape{1, 1, 1} }

func (m *Model) String() string {
	return fmt.Sprintf("PSF(%s %s)", m.name, m.kernel.Shape)
}

// Flipped returns the model mirrored through its centre.
func (m *Model) Flipped() *Model {
	k := m.kernel.Clone()
	n := len(k.Data)
	for i := 0; i < n/2; i++ {
		k.Data[i], k.Data[n-1-i] = k.Data[n-1-i], k.Data[i]
	}
	return &Model{name: m.name + "/flipped", kernel: k}
}

func newModel(name string, k *volume.Array) (*Model, error) {
	s := k.Sum()
	if !(s > 0) || math.IsInf(s, 0) {
		return nil, errs.Numerical("psf."+name, nil, "kernel sum %g is not positive", s)
	}
	for i := range k.Data {
		k.Data[i] /= s
	}
	return &Model{name: name, kernel: k}, nil
}

// Delta returns the identity PSF.
func Delta() *Model {
	k := volume.NewArray(volume.Shape{1, 1, 1})
	k.Data[0] = 1
	return &Model{name: "delta", kernel: k}
}

func checkSpacing(op string, spacing [3]float64) error {
	for _, s := range spacing {
		if !(s > 0) {
			return errs.Configuration(op, "invalid spacing %v", spacing)
		}
	}
	return nil
}

// kernelFor fills an odd kernel of the given radius with f evaluated at the
// physical offset of each voxel from the centre.
func kernelFor(radius [3]int, spacing [3]float64, f func(dz, dy, dx float64) float64) *volume.Array {
	var shape volume.Shape
	for d := 0; d < 3; d++ {
		shape[d] = 2*radius[d] + 1
	}
	k := volume.NewArray(shape)
	k.Spacing = spacing
	for z := 0; z < shape[0]; z++ {
		dz := float64(z-radius[0]) * spacing[0]
		for y := 0; y < shape[1]; y++ {
			dy := float64(y-radius[1]) * spacing[1]
			for x := 0; x < shape[2]; x++ {
				dx := float64(x-radius[2]) * spacing[2]
				k.Set(z, y, x, f(dz, dy, dx))
			}
		}
	}
	return k
}

// Gaussian returns an anisotropic Gaussian PSF truncated at 3 sigma.
func Gaussian(o Optics, spacing [3]float64) (*Model, error) {
	if err := checkSpacing("psf.Gaussian", spacing); err != nil {
		return nil, err
	}
	sigma, err := o.Sigmas()
	if err != nil {
		return nil, err
	}
	var radius [3]int
	for d := 0; d < 3; d++ {
		radius[d] = int(math.Ceil(3 * sigma[d] / spacing[d]))
	}
	k := kernelFor(radius, spacing, func(dz, dy, dx float64) float64 {
		return math.Exp(-0.5 * (dz*dz/(sigma[0]*sigma[0]) + dy*dy/(sigma[1]*sigma[1]) + dx*dx/(sigma[2]*sigma[2])))
	})
	return newModel("gaussian", k)
}

// Bessel returns a PSF with an Airy lateral profile (2 J1(v) / v)^2,
// v = 2 pi NA r / wavelength, truncated after the third dark ring, and a
// Gaussian axial profile.
func Bessel(o Optics, spacing [3]float64) (*Model, error) {
	if err := checkSpacing("psf.Bessel", spacing); err != nil {
		return nil, err
	}
	if o.NA <= 0 || o.Wavelength <= 0 {
		return nil, errs.Configuration("psf.Bessel", "need NA and wavelength, got %+v", o)
	}
	sigma, err := o.Sigmas()
	if err != nil {
		return nil, err
	}
	rmax := 1.62 * o.Wavelength / o.NA
	radius := [3]int{
		int(math.Ceil(3 * sigma[0] / spacing[0])),
		int(math.Ceil(rmax / spacing[1])),
		int(math.Ceil(rmax / spacing[2])),
	}
	kv := 2 * math.Pi * o.NA / o.Wavelength
	k := kernelFor(radius, spacing, func(dz, dy, dx float64) float64 {
		r := math.Hypot(dy, dx)
		if r > rmax {
			return 0
		}
		airy := 1.0
		if v := kv * r; v > 0 {
			a := 2 * math.J1(v) / v
			airy = a * a
		}
		return airy * math.Exp(-0.5*dz*dz/(sigma[0]*sigma[0]))
	})
	return newModel("bessel", k)
}

// Measured builds a PSF from an image of a sub-resolution bead. background
// is subtracted and negative values clamped; the kernel is the largest odd
// box centred on the brightest voxel that fits inside a.
func Measured(a *volume.Array, background float64) (*Model, error) {
	if !a.Shape.Valid() {
		return nil, errs.Configuration("psf.Measured", "empty bead image")
	}
	z, y, x := a.ArgMax()
	peak := [3]int{z, y, x}
	var box volume.Box
	for d := 0; d < 3; d++ {
		r := min(peak[d], a.Shape[d]-1-peak[d])
		box.Min[d] = peak[d] - r
		box.Max[d] = peak[d] + r + 1
	}
	k := a.Sub(box)
	k.Origin = [3]float64{}
	if k.Spacing == ([3]float64{}) {
		k.Spacing = volume.UnitSpacing
	}
	for i, v := range k.Data {
		k.Data[i] = math.Max(0, v-background)
	}
	return newModel("measured", k)
}

// Transformed returns the PSF as seen in another frame. linear maps
// physical offsets in the new frame to offsets in the frame of m;
// translation is ignored. The kernel is resampled with linear
// interpolation on the same spacing and renormalized.
func (m *Model) Transformed(linear transform.Affine) (*Model, error) {
	if linear.IsIdentity(1e-12) || m.IsDelta() {
		return m, nil
	}
	rows := linear.Rows()
	for i := 0; i < 3; i++ {
		rows[i][3] = 0
	}
	lin, err := transform.FromRows(rows)
	if err != nil {
		return nil, err
	}
	inv, err := lin.Invert()
	if err != nil {
		return nil, err
	}
	src := m.kernel
	sp := src.Spacing
	r := m.Radius()

	// New radius: extent of the old kernel box mapped into the new frame.
	var radius [3]int
	ext := [3]float64{float64(r[0]) * sp[0], float64(r[1]) * sp[1], float64(r[2]) * sp[2]}
	for i := 0; i < 8; i++ {
		var c [3]float64
		for d := 0; d < 3; d++ {
			c[d] = ext[d]
			if i&(4>>d) != 0 {
				c[d] = -ext[d]
			}
		}
		p := inv.ApplyVector(c)
		for d := 0; d < 3; d++ {
			radius[d] = max(radius[d], int(math.Ceil(math.Abs(p[d])/sp[d]-1e-9)))
		}
	}

	block := volume.NewBlock(volume.BoxOf(src.Shape))
	copy(block.Data, src.Data)
	k := kernelFor(radius, sp, func(dz, dy, dx float64) float64 {
		q := lin.ApplyVector([3]float64{dz, dy, dx})
		var idx [3]float64
		for d := 0; d < 3; d++ {
			idx[d] = q[d]/sp[d] + float64(r[d])
			if !interpolation.Inside(idx[d], src.Shape[d]) {
				return 0
			}
		}
		return interpolation.Sample(interpolation.Linear, block, idx)
	})
	return newModel(m.name+"/transformed", k)
}
