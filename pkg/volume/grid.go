package volume

import (
	"fmt"

	"spimfuse/pkg/errs"
)

// Axis order everywhere in this module is Z, Y, X.
const (
	AxisZ = 0
	AxisY = 1
	AxisX = 2
)

// Shape is the extent of a volume or chunk in voxels, ordered Z, Y, X.
type Shape [3]int

// Size returns the number of voxels.
func (s Shape) Size() int { return s[0] * s[1] * s[2] }

// Valid reports whether every extent is positive.
func (s Shape) Valid() bool { return s[0] > 0 && s[1] > 0 && s[2] > 0 }

func (s Shape) String() string { return fmt.Sprintf("%dx%dx%d", s[0], s[1], s[2]) }

// Box is a half-open voxel region [Min, Max) in global index space.
// Min may be negative for halo windows that extend past the volume edge.
type Box struct {
	Min, Max [3]int
}

// BoxOf returns the box covering a whole volume of the given shape.
func BoxOf(s Shape) Box { return Box{Max: [3]int(s)} }

// Shape returns the box extent.
func (b Box) Shape() Shape {
	return Shape{b.Max[0] - b.Min[0], b.Max[1] - b.Min[1], b.Max[2] - b.Min[2]}
}

// Empty reports whether the box contains no voxels.
func (b Box) Empty() bool {
	return b.Max[0] <= b.Min[0] || b.Max[1] <= b.Min[1] || b.Max[2] <= b.Min[2]
}

// Intersect returns the overlap of two boxes, possibly empty.
func (b Box) Intersect(o Box) Box {
	var r Box
	for d := 0; d < 3; d++ {
		r.Min[d] = max(b.Min[d], o.Min[d])
		r.Max[d] = min(b.Max[d], o.Max[d])
	}
	return r
}

// Expand grows the box by h voxels on both sides of every axis.
func (b Box) Expand(h [3]int) Box {
	var r Box
	for d := 0; d < 3; d++ {
		r.Min[d] = b.Min[d] - h[d]
		r.Max[d] = b.Max[d] + h[d]
	}
	return r
}

// Contains reports whether o lies completely inside b.
func (b Box) Contains(o Box) bool {
	for d := 0; d < 3; d++ {
		if o.Min[d] < b.Min[d] || o.Max[d] > b.Max[d] {
			return false
		}
	}
	return true
}

// ContainsPoint reports whether voxel (z, y, x) lies inside b.
func (b Box) ContainsPoint(z, y, x int) bool {
	return z >= b.Min[0] && z < b.Max[0] && y >= b.Min[1] && y < b.Max[1] && x >= b.Min[2] && x < b.Max[2]
}

func (b Box) String() string {
	return fmt.Sprintf("[%d:%d, %d:%d, %d:%d]", b.Min[0], b.Max[0], b.Min[1], b.Max[1], b.Min[2], b.Max[2])
}

// ChunkIndex addresses a chunk by its coordinates in the chunk grid.
type ChunkIndex [3]int

func (c ChunkIndex) String() string { return fmt.Sprintf("%d.%d.%d", c[0], c[1], c[2]) }

// Grid tiles a volume of Shape into chunks of Chunk. Trailing chunks along
// an axis are partial when Shape is not a multiple of Chunk.
type Grid struct {
	Shape Shape
	Chunk Shape
}

// NewGrid validates and returns a grid.
func NewGrid(shape, chunk Shape) (Grid, error) {
	g := Grid{Shape: shape, Chunk: chunk}
	if err := g.Validate(); err != nil {
		return Grid{}, err
	}
	return g, nil
}

// Validate reports a configuration error for non-positive extents.
func (g Grid) Validate() error {
	if !g.Shape.Valid() {
		return errs.Configuration("volume.Grid", "invalid volume shape %s", g.Shape)
	}
	if !g.Chunk.Valid() {
		return errs.Configuration("volume.Grid", "invalid chunk shape %s", g.Chunk)
	}
	return nil
}

// Counts returns the number of chunks along each axis.
func (g Grid) Counts() [3]int {
	var n [3]int
	for d := 0; d < 3; d++ {
		n[d] = (g.Shape[d] + g.Chunk[d] - 1) / g.Chunk[d]
	}
	return n
}

// NumChunks returns the total number of chunks.
func (g Grid) NumChunks() int {
	n := g.Counts()
	return n[0] * n[1] * n[2]
}

// ChunkBox returns the region covered by chunk c, clipped to the volume.
func (g Grid) ChunkBox(c ChunkIndex) Box {
	var b Box
	for d := 0; d < 3; d++ {
		b.Min[d] = c[d] * g.Chunk[d]
		b.Max[d] = min(b.Min[d]+g.Chunk[d], g.Shape[d])
	}
	return b
}

// ValidIndex reports whether c addresses a chunk of the grid.
func (g Grid) ValidIndex(c ChunkIndex) bool {
	n := g.Counts()
	for d := 0; d < 3; d++ {
		if c[d] < 0 || c[d] >= n[d] {
			return false
		}
	}
	return true
}

// Flat converts a chunk index to its row-major ordinal.
func (g Grid) Flat(c ChunkIndex) int {
	n := g.Counts()
	return (c[0]*n[1]+c[1])*n[2] + c[2]
}

// Unflat converts a row-major ordinal back to a chunk index.
func (g Grid) Unflat(i int) ChunkIndex {
	n := g.Counts()
	x := i % n[2]
	i /= n[2]
	y := i % n[1]
	z := i / n[1]
	return ChunkIndex{z, y, x}
}

// Chunks returns every chunk index in row-major order.
func (g Grid) Chunks() []ChunkIndex {
	out := make([]ChunkIndex, 0, g.NumChunks())
	for i := 0; i < g.NumChunks(); i++ {
		out = append(out, g.Unflat(i))
	}
	return out
}

// ChunksIn returns the chunks intersecting box, in row-major order. The box
// is clipped to the volume first.
func (g Grid) ChunksIn(b Box) []ChunkIndex {
	b = b.Intersect(BoxOf(g.Shape))
	if b.Empty() {
		return nil
	}
	var lo, hi [3]int
	for d := 0; d < 3; d++ {
		lo[d] = b.Min[d] / g.Chunk[d]
		hi[d] = (b.Max[d] - 1) / g.Chunk[d]
	}
	var out []ChunkIndex
	for z := lo[0]; z <= hi[0]; z++ {
		for y := lo[1]; y <= hi[1]; y++ {
			for x := lo[2]; x <= hi[2]; x++ {
				out = append(out, ChunkIndex{z, y, x})
			}
		}
	}
	return out
}

// Windows returns the box of every chunk in row-major order, including the
// partial trailing chunks.
func (g Grid) Windows() []Box {
	chunks := g.Chunks()
	out := make([]Box, len(chunks))
	for i, c := range chunks {
		out[i] = g.ChunkBox(c)
	}
	return out
}

// MinExtent returns the smallest chunk extent along axis d.
func (g Grid) MinExtent(d int) int {
	rem := g.Shape[d] % g.Chunk[d]
	if rem == 0 || g.Shape[d] < g.Chunk[d] {
		return min(g.Chunk[d], g.Shape[d])
	}
	return rem
}

// SameLayout reports whether two grids have identical shape and chunking.
func (g Grid) SameLayout(o Grid) bool {
	return g.Shape == o.Shape && g.Chunk == o.Chunk
}

// CheckHalo returns a configuration error if halo exceeds the extent of a
// neighbouring chunk along any axis that has more than one chunk.
func (g Grid) CheckHalo(op string, halo [3]int) error {
	n := g.Counts()
	for d := 0; d < 3; d++ {
		if halo[d] < 0 {
			return errs.Configuration(op, "negative halo %v", halo)
		}
		if n[d] > 1 && halo[d] > g.MinExtent(d) {
			return errs.Configuration(op, "halo %d on axis %d exceeds adjacent chunk extent %d", halo[d], d, g.MinExtent(d))
		}
	}
	return nil
}
