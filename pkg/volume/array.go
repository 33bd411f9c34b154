package volume

import (
	"fmt"
	"math"
)

// Array is a dense, fully materialized volume.
type Array struct {
	// Data holds the voxels in row-major order: idx = (z*Y + y)*X + x.
	Data []float64
	// Shape is the extent in voxels.
	Shape Shape
	// Spacing is the physical size of a voxel along each axis.
	Spacing [3]float64
	// Origin is the physical position of voxel (0, 0, 0).
	Origin [3]float64
}

// UnitSpacing is the default voxel spacing.
var UnitSpacing = [3]float64{1, 1, 1}

// NewArray allocates a zero-filled array with unit spacing.
func NewArray(shape Shape) *Array {
	return &Array{
		Data:    make([]float64, shape.Size()),
		Shape:   shape,
		Spacing: UnitSpacing,
	}
}

// ArrayFrom wraps data without copying. It panics if len(data) does not
// match shape.
func ArrayFrom(shape Shape, data []float64) *Array {
	if len(data) != shape.Size() {
		panic(fmt.Sprintf("volume: %d values for shape %s", len(data), shape))
	}
	return &Array{Data: data, Shape: shape, Spacing: UnitSpacing}
}

// Index returns the offset of voxel (z, y, x).
func (a *Array) Index(z, y, x int) int {
	return (z*a.Shape[1]+y)*a.Shape[2] + x
}

// At returns voxel (z, y, x).
func (a *Array) At(z, y, x int) float64 { return a.Data[a.Index(z, y, x)] }

// Set stores voxel (z, y, x).
func (a *Array) Set(z, y, x int, v float64) { a.Data[a.Index(z, y, x)] = v }

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	c := *a
	c.Data = append([]float64(nil), a.Data...)
	return &c
}

// Fill sets every voxel to v.
func (a *Array) Fill(v float64) {
	for i := range a.Data {
		a.Data[i] = v
	}
}

// Sum returns the sum of all voxels.
func (a *Array) Sum() float64 {
	s := 0.0
	for _, v := range a.Data {
		s += v
	}
	return s
}

// Min returns the smallest voxel value.
func (a *Array) Min() float64 {
	m := math.Inf(1)
	for _, v := range a.Data {
		m = math.Min(m, v)
	}
	return m
}

// Max returns the largest voxel value.
func (a *Array) Max() float64 {
	m := math.Inf(-1)
	for _, v := range a.Data {
		m = math.Max(m, v)
	}
	return m
}

// ArgMax returns the voxel holding the largest value.
func (a *Array) ArgMax() (z, y, x int) {
	best := math.Inf(-1)
	bi := 0
	for i, v := range a.Data {
		if v > best {
			best = v
			bi = i
		}
	}
	x = bi % a.Shape[2]
	bi /= a.Shape[2]
	return bi / a.Shape[1], bi % a.Shape[1], x
}

// Sub copies out the region b, which must lie inside the array.
func (a *Array) Sub(b Box) *Array {
	s := b.Shape()
	out := NewArray(s)
	out.Spacing = a.Spacing
	out.Origin = a.PhysicalPoint(float64(b.Min[0]), float64(b.Min[1]), float64(b.Min[2]))
	for z := 0; z < s[0]; z++ {
		for y := 0; y < s[1]; y++ {
			src := a.Index(b.Min[0]+z, b.Min[1]+y, b.Min[2])
			dst := out.Index(z, y, 0)
			copy(out.Data[dst:dst+s[2]], a.Data[src:src+s[2]])
		}
	}
	return out
}

// PhysicalPoint converts a (possibly fractional) voxel index to physical
// coordinates.
func (a *Array) PhysicalPoint(z, y, x float64) [3]float64 {
	return [3]float64{
		a.Origin[0] + z*a.Spacing[0],
		a.Origin[1] + y*a.Spacing[1],
		a.Origin[2] + x*a.Spacing[2],
	}
}

// Equal reports whether two arrays have the same shape and every voxel
// differs by at most tol.
func (a *Array) Equal(o *Array, tol float64) bool {
	if a.Shape != o.Shape {
		return false
	}
	for i := range a.Data {
		if math.Abs(a.Data[i]-o.Data[i]) > tol {
			return false
		}
	}
	return true
}

// MaxAbsDiff returns the largest absolute voxel difference between two
// arrays of the same shape.
func (a *Array) MaxAbsDiff(o *Array) float64 {
	d := 0.0
	for i := range a.Data {
		d = math.Max(d, math.Abs(a.Data[i]-o.Data[i]))
	}
	return d
}
