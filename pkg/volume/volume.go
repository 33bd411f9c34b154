// Package volume provides lazily evaluated, chunked 3D volumes.
//
// A Volume is a handle on a node of a deferred computation graph. Operations
// such as Map, MapChunks or Gather return new Volumes that only record what
// to do; nothing is computed until Compute, Persist or Reduce is called with
// a scheduler. Those calls expand the graph into one task per (node, chunk)
// pair and hand the task list to a sched.Scheduler.
//
// The logical volume is an index space: a Grid maps chunk coordinates to
// voxel boxes, and halo reads are resolved as lookups of the neighbouring
// chunks in that index. Halos are trimmed again before results are merged,
// so chunk boundaries never show in the output.
package volume

import (
	"context"
	"fmt"

	"spimfuse/pkg/errs"
)

// Volume is an immutable, lazily evaluated chunked volume.
type Volume struct {
	n *node
}

// Shape returns the volume extent in voxels.
func (v *Volume) Shape() Shape { return v.n.grid.Shape }

// ChunkShape returns the nominal chunk extent.
func (v *Volume) ChunkShape() Shape { return v.n.grid.Chunk }

// Grid returns the chunk grid.
func (v *Volume) Grid() Grid { return v.n.grid }

// Spacing returns the physical voxel size.
func (v *Volume) Spacing() [3]float64 { return v.n.spacing }

// Origin returns the physical position of voxel (0, 0, 0).
func (v *Volume) Origin() [3]float64 { return v.n.origin }

// Name returns the name given to the operation that produced v.
func (v *Volume) Name() string { return v.n.name }

// Op returns the kind of operation that produced v.
func (v *Volume) Op() string { return v.n.op }

// Graph returns the deferred computation graph behind v.
func (v *Volume) Graph() Graph { return describe(v.n) }

// WithGeometry returns a view of v with different physical spacing and
// origin. The voxels are unchanged.
func (v *Volume) WithGeometry(spacing, origin [3]float64) *Volume {
	n := newNode("geometry", v.n.name, v.n.grid, spacing, origin, []*node{v.n})
	n.deps = func(c ChunkIndex) []dep { return []dep{{v.n, c}} }
	n.eval = func(_ context.Context, _ ChunkIndex, in []*Block) (*Block, error) { return in[0], nil }
	return &Volume{n: n}
}

func (v *Volume) String() string {
	return fmt.Sprintf("Volume(%s %s, chunks %s)", v.n.op, v.n.grid.Shape, v.n.grid.Chunk)
}

// FromArray wraps an in-memory array as a chunked volume. The array must
// not be modified afterwards.
func FromArray(a *Array, chunk Shape) (*Volume, error) {
	grid, err := NewGrid(a.Shape, chunk)
	if err != nil {
		return nil, err
	}
	if len(a.Data) != a.Shape.Size() {
		return nil, errs.Configuration("volume.FromArray", "%d values for shape %s", len(a.Data), a.Shape)
	}
	spacing := a.Spacing
	if spacing == ([3]float64{}) {
		spacing = UnitSpacing
	}
	n := newNode("array", "array", grid, spacing, a.Origin, nil)
	src := blockOfArray(a)
	n.deps = func(ChunkIndex) []dep { return nil }
	n.eval = func(_ context.Context, c ChunkIndex, _ []*Block) (*Block, error) {
		return src.Crop(grid.ChunkBox(c)), nil
	}
	return &Volume{n: n}, nil
}

// MustFromArray is FromArray for tests and fixed-size literals.
func MustFromArray(a *Array, chunk Shape) *Volume {
	v, err := FromArray(a, chunk)
	if err != nil {
		panic(err)
	}
	return v
}

// FromReader exposes a chunked array store as a volume with the store's
// own chunk grid.
func FromReader(name string, r ChunkReader) (*Volume, error) {
	m := r.Meta()
	grid, err := NewGrid(m.Shape, m.Chunk)
	if err != nil {
		return nil, err
	}
	spacing := m.Spacing
	if spacing == ([3]float64{}) {
		spacing = UnitSpacing
	}
	n := newNode("read", name, grid, spacing, m.Origin, nil)
	n.deps = func(ChunkIndex) []dep { return nil }
	n.eval = func(ctx context.Context, c ChunkIndex, _ []*Block) (*Block, error) {
		data, err := r.ReadChunk(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk %s of %s: %w", c, name, err)
		}
		b := grid.ChunkBox(c)
		if len(data) != b.Shape().Size() {
			return nil, errs.Configuration("volume.FromReader", "chunk %s of %s has %d values, want %d", c, name, len(data), b.Shape().Size())
		}
		return &Block{Box: b, Data: data}, nil
	}
	return &Volume{n: n}, nil
}

// Constant returns a volume whose every voxel equals value.
func Constant(grid Grid, spacing, origin [3]float64, value float64) (*Volume, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	n := newNode("constant", "constant", grid, spacing, origin, nil)
	n.deps = func(ChunkIndex) []dep { return nil }
	n.eval = func(_ context.Context, c ChunkIndex, _ []*Block) (*Block, error) {
		b := NewBlock(grid.ChunkBox(c))
		if value != 0 {
			for i := range b.Data {
				b.Data[i] = value
			}
		}
		return b, nil
	}
	return &Volume{n: n}, nil
}
