package psf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spimfuse/pkg/errs"
	"spimfuse/pkg/transform"
	"spimfuse/pkg/volume"
)

var spacing = [3]float64{0.5, 0.5, 0.5}

func assertNormalized(t *testing.T, m *Model) {
	t.Helper()
	assert.InDelta(t, 1, m.Kernel().Sum(), 1e-9)
	for _, v := range m.Kernel().Data {
		require.GreaterOrEqual(t, v, 0.0)
	}
	for d := 0; d < 3; d++ {
		assert.Equal(t, 1, m.Kernel().Shape[d]%2, "kernel extent must be odd")
	}
}

func TestGaussianFromOptics(t *testing.T) {
	m, err := Gaussian(Optics{NA: 0.8, Wavelength: 0.52, RefractiveIndex: 1.33}, spacing)
	require.NoError(t, err)
	assertNormalized(t, m)

	// The brightest voxel is the centre.
	z, y, x := m.Kernel().ArgMax()
	assert.Equal(t, m.Radius(), [3]int{z, y, x})

	// Axial blur is wider than lateral.
	fwhm := m.FWHM()
	assert.Greater(t, fwhm[0], fwhm[1])
	assert.InDelta(t, fwhm[1], fwhm[2], 1e-12)
}

func TestGaussianExplicitSigmas(t *testing.T) {
	m, err := Gaussian(Optics{SigmaXY: 1, SigmaZ: 2}, [3]float64{1, 1, 1})
	require.NoError(t, err)
	assertNormalized(t, m)
	assert.Equal(t, [3]int{6, 3, 3}, m.Radius())
	fwhm := m.FWHM()
	assert.InDelta(t, 2*math.Sqrt(2*math.Ln2)*2, fwhm[0], 0.15)
}

func TestGaussianRejectsBadInput(t *testing.T) {
	_, err := Gaussian(Optics{}, spacing)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	_, err = Gaussian(Optics{SigmaXY: 1, SigmaZ: 1}, [3]float64{1, 0, 1})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestBessel(t *testing.T) {
	m, err := Bessel(Optics{NA: 0.8, Wavelength: 0.52}, [3]float64{1, 0.1, 0.1})
	require.NoError(t, err)
	assertNormalized(t, m)
	k := m.Kernel()
	r := m.Radius()
	// The first dark ring sits at 0.61 wavelength / NA, about 4 voxels out.
	centre := k.At(r[0], r[1], r[2])
	ring := k.At(r[0], r[1], r[2]+4)
	assert.Less(t, ring, 0.01*centre)
}

func TestDelta(t *testing.T) {
	d := Delta()
	assertNormalized(t, d)
	assert.True(t, d.IsDelta())
	assert.Equal(t, [3]int{0, 0, 0}, d.Radius())
}

func TestMeasured(t *testing.T) {
	a := volume.NewArray(volume.Shape{9, 11, 12})
	a.Fill(10)
	a.Set(3, 6, 5, 110)
	a.Set(3, 6, 6, 60)
	m, err := Measured(a, 10)
	require.NoError(t, err)
	assertNormalized(t, m)
	assert.Equal(t, volume.Shape{7, 9, 11}, m.Kernel().Shape)
	assert.Equal(t, [3]int{3, 4, 5}, m.Radius())
	k := m.Kernel()
	assert.InDelta(t, 100.0/150, k.At(3, 4, 5), 1e-12)
	assert.InDelta(t, 50.0/150, k.At(3, 4, 6), 1e-12)

	_, err = Measured(a, 1000)
	assert.ErrorIs(t, err, errs.ErrNumerical)
}

func TestFlippedMirrorsKernel(t *testing.T) {
	a := volume.NewArray(volume.Shape{3, 3, 3})
	a.Set(1, 1, 1, 4)
	a.Set(1, 1, 2, 1)
	m, err := Measured(a, 0)
	require.NoError(t, err)
	f := m.Flipped()
	assert.InDelta(t, 0.2, f.Kernel().At(1, 1, 0), 1e-12)
	assert.InDelta(t, 0.8, f.Kernel().At(1, 1, 1), 1e-12)
	assert.InDelta(t, 0.2, m.Kernel().At(1, 1, 2), 1e-12)
}

func TestTransformedRotatesAxes(t *testing.T) {
	m, err := Gaussian(Optics{SigmaXY: 1, SigmaZ: 3}, [3]float64{1, 1, 1})
	require.NoError(t, err)

	// A quarter turn about y swaps the z and x axes.
	rot := transform.Rotation([3]float64{0, math.Pi / 2, 0})
	tm, err := m.Transformed(rot)
	require.NoError(t, err)
	assertNormalized(t, tm)
	r := tm.Radius()
	assert.Equal(t, m.Radius()[0], r[2])
	assert.Equal(t, m.Radius()[2], r[0])

	same, err := m.Transformed(transform.Identity())
	require.NoError(t, err)
	assert.Same(t, m, same)

	_, err = m.Transformed(transform.Scaling([3]float64{0, 1, 1}))
	assert.ErrorIs(t, err, errs.ErrNumerical)
}
