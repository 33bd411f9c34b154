package transform

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"spimfuse/pkg/errs"
	"spimfuse/pkg/interpolation"
	"spimfuse/pkg/sched"
	"spimfuse/pkg/volume"
)

func randomAffine(rng *rand.Rand) Affine {
	params := make([]float64, 12)
	for i := range params {
		params[i] = rng.Float64() - 0.5
	}
	params[0] += 1.5
	params[4] += 1.5
	params[8] += 1.5
	for i := 9; i < 12; i++ {
		params[i] *= 20
	}
	a, err := FromParams(Full, params, [3]float64{})
	if err != nil {
		panic(err)
	}
	return a
}

func TestComposeInvertRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		a := randomAffine(rng)
		b := randomAffine(rng)
		ab := a.Compose(b)

		inv, err := ab.Invert()
		require.NoError(t, err)
		assert.True(t, inv.Compose(ab).IsIdentity(1e-9))
		assert.True(t, ab.Compose(inv).IsIdentity(1e-9))

		p := [3]float64{rng.Float64() * 10, rng.Float64() * 10, rng.Float64() * 10}
		q := ab.Apply(p)
		assertPoint(t, a.Apply(b.Apply(p)), q, 1e-9)
		assertPoint(t, p, inv.Apply(q), 1e-9)

		// (ab)^-1 = b^-1 a^-1
		alt := b.MustInvert().Compose(a.MustInvert())
		assert.True(t, alt.Equal(inv, 1e-9))
	}
}

func assertPoint(t *testing.T, want, got [3]float64, tol float64) {
	t.Helper()
	for d := 0; d < 3; d++ {
		assert.InDelta(t, want[d], got[d], tol)
	}
}

func TestInvertRejectsSingular(t *testing.T) {
	_, err := Scaling([3]float64{1, 0, 1}).Invert()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrNumerical)
	assert.Contains(t, errs.DiagnosticsOf(err), "condition")

	_, err = Scaling([3]float64{1, 1e-14, 1}).Invert()
	assert.ErrorIs(t, err, errs.ErrNumerical)
}

func TestFromMatrix(t *testing.T) {
	m := mat.NewDense(3, 4, []float64{
		1, 0, 0, 5,
		0, 2, 0, 6,
		0, 0, 3, 7,
	})
	a, err := FromMatrix(m)
	require.NoError(t, err)
	assertPoint(t, [3]float64{6, 8, 10}, a.Apply([3]float64{1, 1, 1}), 0)

	_, err = FromRows([4][4]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {1, 0, 0, 1}})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	_, err = FromMatrix(mat.NewDense(2, 2, nil))
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestRigidParamsRoundTrip(t *testing.T) {
	center := [3]float64{32, 30, 28}
	params := []float64{1.5, -2.25, 0.75, 4, -7, 10}
	a, err := FromParams(Rigid, params, center)
	require.NoError(t, err)

	// Rotation keeps the center in place up to the translation.
	assertPoint(t, [3]float64{33.5, 27.75, 28.75}, a.Apply(center), 1e-9)
	got := RigidParams(a, center)
	assert.InDeltaSlice(t, params, got, 1e-9)

	_, err = FromParams(Rigid, params[:5], center)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	_, err = FromParams(Rigid, []float64{0, 0, math.NaN(), 0, 0, 0}, center)
	assert.ErrorIs(t, err, errs.ErrNumerical)
}

func TestRotationIsOrthonormal(t *testing.T) {
	r := Rotation([3]float64{0.3, -0.7, 1.1})
	var rtr mat.Dense
	rtr.Mul(r.Linear().T(), r.Linear())
	assert.True(t, mat.EqualApprox(&rtr, mat.NewDiagDense(3, []float64{1, 1, 1}), 1e-12))
	assert.InDelta(t, 1, mat.Det(r.Linear()), 1e-12)
	angles := RotationAngles(r)
	assert.InDeltaSlice(t, []float64{0.3, -0.7, 1.1}, angles[:], 1e-12)
}

func TestDecomposeRecomposes(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 20; i++ {
		a := randomAffine(rng)
		d, err := a.Decompose()
		require.NoError(t, err)
		assert.True(t, d.Affine().Equal(a, 1e-9))
		assert.InDelta(t, 1, mat.Det(d.Rotation.Linear()), 1e-9)
	}

	want := Decomposition{
		Translation: [3]float64{1, 2, 3},
		Rotation:    Rotation([3]float64{0.2, 0.1, -0.4}),
		Zoom:        [3]float64{2, 0.5, 1.25},
		Shear:       [3]float64{0.1, 0, -0.2},
	}
	d, err := want.Affine().Decompose()
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Zoom[:], d.Zoom[:], 1e-9)
	assert.InDeltaSlice(t, want.Shear[:], d.Shear[:], 1e-9)
	assert.True(t, d.Rotation.Equal(want.Rotation, 1e-9))

	// A mirror shows up as a negative first zoom.
	d, err = Scaling([3]float64{1, -1, 1}).Decompose()
	require.NoError(t, err)
	assert.Less(t, d.Zoom[0], 0.0)
	assert.True(t, d.Affine().Equal(Scaling([3]float64{1, -1, 1}), 1e-12))

	_, err = Scaling([3]float64{0, 1, 1}).Decompose()
	assert.ErrorIs(t, err, errs.ErrNumerical)
}

func TestChain(t *testing.T) {
	c := Chain{Translation([3]float64{1, 0, 0}), Scaling([3]float64{2, 2, 2})}
	assertPoint(t, [3]float64{4, 2, 2}, c.Collapse().Apply([3]float64{1, 1, 1}), 1e-12)
	assert.True(t, Chain{}.Collapse().Equal(Identity(), 0))
}

func smoothVolume(shape volume.Shape) *volume.Array {
	a := volume.NewArray(shape)
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				a.Set(z, y, x, math.Sin(float64(z)/3)+math.Cos(float64(y)/4)*math.Sin(float64(x)/5)+2)
			}
		}
	}
	return a
}

func TestResampleIdentity(t *testing.T) {
	a := smoothVolume(volume.Shape{12, 14, 10})
	v := volume.MustFromArray(a, volume.Shape{5, 5, 5})
	ex := sched.NewLocal(4)
	for _, mode := range []interpolation.Mode{interpolation.Nearest, interpolation.Linear, interpolation.Cubic} {
		r, err := Resample(v, Identity(), Options{Mode: mode})
		require.NoError(t, err)
		got, err := r.ComputeAll(context.Background(), ex)
		require.NoError(t, err)
		assert.LessOrEqual(t, got.MaxAbsDiff(a), 1e-4, mode.String())
	}
}

func TestResampleTranslationAndFill(t *testing.T) {
	a := smoothVolume(volume.Shape{8, 8, 8})
	a.Spacing = [3]float64{2, 1, 1}
	v := volume.MustFromArray(a, volume.Shape{3, 3, 3})

	// out(p) = src(p + (2, 1, 0)): one voxel along z, one along y.
	r, err := Resample(v, Translation([3]float64{2, 1, 0}), Options{Mode: interpolation.Linear, Fill: -1})
	require.NoError(t, err)
	got, err := r.ComputeAll(context.Background(), sched.NewLocal(2))
	require.NoError(t, err)
	for z := 0; z < 8; z++ {
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				want := -1.0
				if z+1 < 8 && y+1 < 8 {
					want = a.At(z+1, y+1, x)
				}
				require.InDelta(t, want, got.At(z, y, x), 1e-12, "(%d,%d,%d)", z, y, x)
			}
		}
	}
}

func TestResampleIsChunkingTransparent(t *testing.T) {
	a := smoothVolume(volume.Shape{16, 12, 14})
	tr, err := FromParams(Rigid, []float64{0.7, -1.3, 0.4, 8, -5, 12}, [3]float64{8, 6, 7})
	require.NoError(t, err)
	ex := sched.NewLocal(4)

	compute := func(mode interpolation.Mode, chunk volume.Shape) *volume.Array {
		v := volume.MustFromArray(a, chunk)
		out := GeometryOf(v)
		out.Chunk = chunk
		r, err := Resample(v, tr, Options{Mode: mode, Output: &out})
		require.NoError(t, err)
		got, err := r.ComputeAll(context.Background(), ex)
		require.NoError(t, err)
		return got
	}
	for _, tc := range []struct {
		mode interpolation.Mode
		tol  float64
	}{
		{interpolation.Linear, 1e-12},
		{interpolation.Cubic, 1e-6},
	} {
		whole := compute(tc.mode, volume.Shape{16, 12, 14})
		for _, chunk := range []volume.Shape{{4, 4, 4}, {5, 3, 7}} {
			assert.LessOrEqual(t, compute(tc.mode, chunk).MaxAbsDiff(whole), tc.tol, "mode %v chunk %v", tc.mode, chunk)
		}
	}
}
