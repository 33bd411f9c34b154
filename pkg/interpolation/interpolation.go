// Package interpolation implements the sampling kernels used when volumes
// are resampled through a geometric transform.
package interpolation

import (
	"fmt"
	"math"
	"strings"

	"spimfuse/pkg/volume"
)

// Mode selects an interpolation kernel.
type Mode int

// The zero Mode is Linear.
const (
	Linear Mode = iota
	Nearest
	// Cubic is cubic B-spline interpolation. Blocks must be passed through
	// Prefilter before sampling.
	Cubic
)

func (m Mode) String() string {
	switch m {
	case Nearest:
		return "nearest"
	case Linear:
		return "linear"
	case Cubic:
		return "cubic"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts a mode name or its spline order ("0", "1", "3").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linear", "1":
		return Linear, nil
	case "nearest", "0":
		return Nearest, nil
	case "cubic", "bspline", "3":
		return Cubic, nil
	}
	return 0, fmt.Errorf("unknown interpolation mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Radius is the number of source voxels the kernel reads beyond the voxels
// enclosing a sample point.
func (m Mode) Radius() int {
	if m == Cubic {
		return 2
	}
	return 1
}

// Margin is the extra context a block needs around its sampled region. For
// Cubic it covers the decay of the prefilter.
func (m Mode) Margin() int {
	if m == Cubic {
		return m.Radius() + PrefilterHorizon
	}
	return m.Radius()
}

// PrefilterHorizon is the number of voxels after which the B-spline
// prefilter response has decayed below 1e-4 of its peak.
const PrefilterHorizon = 8

const edgeTolerance = 1e-6

// Inside reports whether voxel coordinate c lies inside an axis of n voxels.
func Inside(c float64, n int) bool {
	return c >= -edgeTolerance && c <= float64(n-1)+edgeTolerance
}

// taps returns the first tap index and the tap weights for coordinate c.
func (m Mode) taps(c float64, w *[4]float64) (first, n int) {
	switch m {
	case Nearest:
		w[0] = 1
		return int(math.Floor(c + 0.5)), 1
	case Cubic:
		f := math.Floor(c)
		t := c - f
		t2, t3 := t*t, t*t*t
		u := 1 - t
		w[0] = u * u * u / 6
		w[1] = (4 - 6*t2 + 3*t3) / 6
		w[2] = (1 + 3*t + 3*t2 - 3*t3) / 6
		w[3] = t3 / 6
		return int(f) - 1, 4
	default:
		f := math.Floor(c)
		t := c - f
		w[0], w[1] = 1-t, t
		return int(f), 2
	}
}

// Sample evaluates block b at the fractional global voxel index p (z, y, x).
// Taps falling outside the block are clamped to its edge.
func Sample(m Mode, b *volume.Block, p [3]float64) float64 {
	var w [3][4]float64
	var first, n [3]int
	for d := 0; d < 3; d++ {
		first[d], n[d] = m.taps(p[d], &w[d])
	}
	box := b.Box
	sum := 0.0
	for i := 0; i < n[0]; i++ {
		z := clamp(first[0]+i, box.Min[0], box.Max[0]-1)
		for j := 0; j < n[1]; j++ {
			y := clamp(first[1]+j, box.Min[1], box.Max[1]-1)
			wzy := w[0][i] * w[1][j]
			if wzy == 0 {
				continue
			}
			for k := 0; k < n[2]; k++ {
				x := clamp(first[2]+k, box.Min[2], box.Max[2]-1)
				sum += wzy * w[2][k] * b.At(z, y, x)
			}
		}
	}
	return sum
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

// Prefilter converts the samples of b in place into cubic B-spline
// coefficients, one axis at a time, with mirror boundary conditions at the
// block edges.
func Prefilter(b *volume.Block) {
	s := b.Shape()
	strides := [3]int{s[1] * s[2], s[2], 1}
	line := make([]float64, max(s[0], s[1], s[2]))
	for axis := 0; axis < 3; axis++ {
		n := s[axis]
		if n < 2 {
			continue
		}
		// Iterate over every line along axis.
		var other [2]int
		k := 0
		for d := 0; d < 3; d++ {
			if d != axis {
				other[k] = d
				k++
			}
		}
		for a := 0; a < s[other[0]]; a++ {
			for c := 0; c < s[other[1]]; c++ {
				base := a*strides[other[0]] + c*strides[other[1]]
				st := strides[axis]
				l := line[:n]
				for i := range l {
					l[i] = b.Data[base+i*st]
				}
				prefilterLine(l)
				for i := range l {
					b.Data[base+i*st] = l[i]
				}
			}
		}
	}
}

var pole = math.Sqrt(3) - 2

func prefilterLine(c []float64) {
	n := len(c)
	z := pole
	lambda := (1 - z) * (1 - 1/z)
	for i := range c {
		c[i] *= lambda
	}
	// Causal initialization, truncated once z^k is negligible.
	horizon := min(n, 2*PrefilterHorizon)
	sum, zk := c[0], z
	for k := 1; k < horizon; k++ {
		sum += zk * c[k]
		zk *= z
	}
	c[0] = sum
	for k := 1; k < n; k++ {
		c[k] += z * c[k-1]
	}
	c[n-1] = (z / (z*z - 1)) * (z*c[n-2] + c[n-1])
	for k := n - 2; k >= 0; k-- {
		c[k] = z * (c[k+1] - c[k])
	}
}
