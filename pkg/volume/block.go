package volume

// Block is a rectangular piece of a volume placed in global index space.
// Blocks handed to chunk functions are shared between tasks and must be
// treated as read-only; functions allocate new blocks for their output.
type Block struct {
	Box  Box
	Data []float64
}

// NewBlock allocates a zero-filled block covering b.
func NewBlock(b Box) *Block {
	return &Block{Box: b, Data: make([]float64, b.Shape().Size())}
}

// Shape returns the block extent.
func (b *Block) Shape() Shape { return b.Box.Shape() }

// Index returns the offset of global voxel (z, y, x) inside the block.
func (b *Block) Index(z, y, x int) int {
	s := b.Box.Shape()
	return ((z-b.Box.Min[0])*s[1]+(y-b.Box.Min[1]))*s[2] + (x - b.Box.Min[2])
}

// At returns global voxel (z, y, x), which must lie inside the block.
func (b *Block) At(z, y, x int) float64 { return b.Data[b.Index(z, y, x)] }

// Set stores global voxel (z, y, x).
func (b *Block) Set(z, y, x int, v float64) { b.Data[b.Index(z, y, x)] = v }

// Like allocates a zero block with the same placement.
func (b *Block) Like() *Block { return NewBlock(b.Box) }

// Crop copies out the sub-region r, which must lie inside the block.
func (b *Block) Crop(r Box) *Block {
	if r == b.Box {
		return b
	}
	out := NewBlock(r)
	copyRegion(out, b, r)
	return out
}

// Array converts the block into an Array whose voxel (0,0,0) is Box.Min.
func (b *Block) Array() *Array {
	a := ArrayFrom(b.Shape(), b.Data)
	return a
}

// copyRegion copies region r from src into dst. Both must contain r.
func copyRegion(dst, src *Block, r Box) {
	if r.Empty() {
		return
	}
	n := r.Max[2] - r.Min[2]
	for z := r.Min[0]; z < r.Max[0]; z++ {
		for y := r.Min[1]; y < r.Max[1]; y++ {
			di := dst.Index(z, y, r.Min[2])
			si := src.Index(z, y, r.Min[2])
			copy(dst.Data[di:di+n], src.Data[si:si+n])
		}
	}
}

// blockOfArray views a whole Array as a block at the origin.
func blockOfArray(a *Array) *Block {
	return &Block{Box: BoxOf(a.Shape), Data: a.Data}
}

// Boundary selects how halo voxels outside the volume are filled.
type Boundary int

const (
	// BoundaryConstant fills with a constant value (zero unless set).
	BoundaryConstant Boundary = iota
	// BoundaryNearest repeats the edge voxel.
	BoundaryNearest
	// BoundaryReflect mirrors about the edge, repeating the edge voxel.
	BoundaryReflect
)

func (b Boundary) String() string {
	switch b {
	case BoundaryNearest:
		return "nearest"
	case BoundaryReflect:
		return "reflect"
	default:
		return "constant"
	}
}

// ParseBoundary converts a configuration string to a Boundary.
func ParseBoundary(s string) (Boundary, bool) {
	switch s {
	case "", "constant", "zero":
		return BoundaryConstant, true
	case "nearest", "edge":
		return BoundaryNearest, true
	case "reflect", "mirror":
		return BoundaryReflect, true
	}
	return BoundaryConstant, false
}

// assemble builds the window block from the dependency blocks that tile
// its in-volume part, and fills the out-of-volume part per boundary.
func assemble(window Box, shape Shape, deps []*Block, boundary Boundary, fill float64) *Block {
	out := NewBlock(window)
	inside := window.Intersect(BoxOf(shape))
	if boundary == BoundaryConstant && fill != 0 && inside != window {
		for i := range out.Data {
			out.Data[i] = fill
		}
	}
	for _, d := range deps {
		copyRegion(out, d, d.Box.Intersect(inside))
	}
	if inside == window || boundary == BoundaryConstant || inside.Empty() {
		return out
	}
	var lo, hi [3]int
	for d := 0; d < 3; d++ {
		lo[d], hi[d] = inside.Min[d], inside.Max[d]-1
	}
	for z := window.Min[0]; z < window.Max[0]; z++ {
		mz := mapBoundary(z, shape[0], lo[0], hi[0], boundary)
		for y := window.Min[1]; y < window.Max[1]; y++ {
			my := mapBoundary(y, shape[1], lo[1], hi[1], boundary)
			for x := window.Min[2]; x < window.Max[2]; x++ {
				if inside.ContainsPoint(z, y, x) {
					continue
				}
				mx := mapBoundary(x, shape[2], lo[2], hi[2], boundary)
				out.Set(z, y, x, out.At(mz, my, mx))
			}
		}
	}
	return out
}

// mapBoundary maps coordinate c on an axis of length n into [lo, hi].
func mapBoundary(c, n, lo, hi int, boundary Boundary) int {
	if c >= 0 && c < n {
		return c
	}
	if boundary == BoundaryReflect {
		if c < 0 {
			c = -c - 1
		} else {
			c = 2*n - c - 1
		}
	}
	if c < lo {
		return lo
	}
	if c > hi {
		return hi
	}
	return c
}
