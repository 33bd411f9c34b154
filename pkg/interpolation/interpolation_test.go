package interpolation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spimfuse/pkg/volume"
)

func filledBlock(box volume.Box, f func(z, y, x float64) float64) *volume.Block {
	b := volume.NewBlock(box)
	for z := box.Min[0]; z < box.Max[0]; z++ {
		for y := box.Min[1]; y < box.Max[1]; y++ {
			for x := box.Min[2]; x < box.Max[2]; x++ {
				b.Set(z, y, x, f(float64(z), float64(y), float64(x)))
			}
		}
	}
	return b
}

func TestWeightsSumToOne(t *testing.T) {
	for _, m := range []Mode{Nearest, Linear, Cubic} {
		for _, c := range []float64{0, 0.25, 0.5, 0.99, 3.7, -1.2} {
			var w [4]float64
			_, n := m.taps(c, &w)
			s := 0.0
			for i := 0; i < n; i++ {
				s += w[i]
			}
			assert.InDelta(t, 1, s, 1e-12, "%s at %v", m, c)
		}
	}
}

func TestLinearReproducesAffineFunctions(t *testing.T) {
	box := volume.Box{Min: [3]int{2, 0, 1}, Max: [3]int{8, 6, 9}}
	f := func(z, y, x float64) float64 { return 3*z - 2*y + 0.5*x + 1 }
	b := filledBlock(box, f)
	for _, p := range [][3]float64{{3.5, 2.25, 4.75}, {2, 0, 1}, {6.9, 4.1, 7.3}} {
		assert.InDelta(t, f(p[0], p[1], p[2]), Sample(Linear, b, p), 1e-12)
	}
}

func TestNearestRounds(t *testing.T) {
	box := volume.Box{Max: [3]int{4, 4, 4}}
	b := filledBlock(box, func(z, y, x float64) float64 { return 100*z + 10*y + x })
	assert.Equal(t, 123.0, Sample(Nearest, b, [3]float64{1.4, 1.6, 2.6}))
}

func TestCubicInterpolatesAfterPrefilter(t *testing.T) {
	box := volume.Box{Max: [3]int{20, 20, 20}}
	f := func(z, y, x float64) float64 {
		return math.Sin(z/3) + math.Cos(y/4)*math.Sin(x/5)
	}
	b := filledBlock(box, f)
	Prefilter(b)

	// Interior grid points are reproduced.
	for _, p := range [][3]float64{{10, 10, 10}, {6, 12, 9}} {
		assert.InDelta(t, f(p[0], p[1], p[2]), Sample(Cubic, b, p), 1e-6)
	}
	// Off-grid points are close to the smooth function.
	for _, p := range [][3]float64{{10.5, 9.25, 8.75}, {7.3, 11.6, 12.1}} {
		assert.InDelta(t, f(p[0], p[1], p[2]), Sample(Cubic, b, p), 1e-3)
	}
}

func TestParseMode(t *testing.T) {
	for s, want := range map[string]Mode{"nearest": Nearest, "": Linear, "3": Cubic, "BSpline": Cubic} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, want, m)
	}
	_, err := ParseMode("lanczos")
	assert.Error(t, err)
}
