package fusion

import (
	"fmt"
	"math"

	"spimfuse/pkg/volume"
)

// Regularizer turns an estimate and its multiplicative correction into the
// next estimate.
type Regularizer interface {
	Name() string
	// Halo is the neighbourhood Update reads around each voxel.
	Halo() [3]int
	// Update returns the next estimate over the core of est. est and corr
	// cover the same halo-extended window.
	Update(est, corr *volume.Block) *volume.Block
}

// None is plain Richardson-Lucy: est * corr.
type None struct{}

func (None) Name() string { return "none" }

func (None) Halo() [3]int { return [3]int{} }

func (None) Update(est, corr *volume.Block) *volume.Block {
	out := est.Like()
	for i, e := range est.Data {
		out.Data[i] = e * corr.Data[i]
	}
	return out
}

// TotalVariation is the Richardson-Lucy total variation regularization of
// Dey et al.: est * corr / (1 - Lambda div(grad est / |grad est|)).
type TotalVariation struct {
	Lambda float64
}

func (t TotalVariation) Name() string { return fmt.Sprintf("tv(%g)", t.Lambda) }

func (TotalVariation) Halo() [3]int { return [3]int{1, 1, 1} }

const tvEpsilon = 1e-8

func (t TotalVariation) Update(est, corr *volume.Block) *volume.Block {
	out := est.Like()
	b := est.Box
	s := b.Shape()
	// Normalized forward-difference gradient.
	g := [3][]float64{make([]float64, len(est.Data)), make([]float64, len(est.Data)), make([]float64, len(est.Data))}
	strides := [3]int{s[1] * s[2], s[2], 1}
	for z := 0; z < s[0]; z++ {
		for y := 0; y < s[1]; y++ {
			for x := 0; x < s[2]; x++ {
				i := (z*s[1]+y)*s[2] + x
				pos := [3]int{z, y, x}
				var d [3]float64
				norm := 0.0
				for a := 0; a < 3; a++ {
					if pos[a]+1 < s[a] {
						d[a] = est.Data[i+strides[a]] - est.Data[i]
					}
					norm += d[a] * d[a]
				}
				norm = math.Sqrt(norm) + tvEpsilon
				for a := 0; a < 3; a++ {
					g[a][i] = d[a] / norm
				}
			}
		}
	}
	for z := 0; z < s[0]; z++ {
		for y := 0; y < s[1]; y++ {
			for x := 0; x < s[2]; x++ {
				i := (z*s[1]+y)*s[2] + x
				pos := [3]int{z, y, x}
				div := 0.0
				for a := 0; a < 3; a++ {
					if pos[a] > 0 {
						div += g[a][i] - g[a][i-strides[a]]
					}
				}
				den := math.Max(1-t.Lambda*div, 1e-3)
				out.Data[i] = est.Data[i] * corr.Data[i] / den
			}
		}
	}
	return out
}
