package volume

import (
	"context"
	"fmt"

	"spimfuse/pkg/errs"
)

// Map applies fn to every voxel.
func (v *Volume) Map(name string, fn func(float64) float64) *Volume {
	n := newNode("map", name, v.n.grid, v.n.spacing, v.n.origin, []*node{v.n})
	n.deps = func(c ChunkIndex) []dep { return []dep{{v.n, c}} }
	n.eval = func(_ context.Context, _ ChunkIndex, in []*Block) (*Block, error) {
		out := in[0].Like()
		for i, x := range in[0].Data {
			out.Data[i] = fn(x)
		}
		return out, nil
	}
	return &Volume{n: n}
}

// Zip combines v and others voxel by voxel. fn receives the values in the
// order v, others... All inputs must share shape and chunk grid; otherwise
// an alignment error is returned and the caller has to Rechunk first.
func (v *Volume) Zip(name string, fn func(vals []float64) float64, others ...*Volume) (*Volume, error) {
	inputs, err := alignedInputs("volume.Zip", v, others)
	if err != nil {
		return nil, err
	}
	n := newNode("zip", name, v.n.grid, v.n.spacing, v.n.origin, inputs)
	n.deps = func(c ChunkIndex) []dep {
		ds := make([]dep, len(inputs))
		for i, in := range inputs {
			ds[i] = dep{in, c}
		}
		return ds
	}
	n.eval = func(_ context.Context, _ ChunkIndex, in []*Block) (*Block, error) {
		out := in[0].Like()
		vals := make([]float64, len(in))
		for i := range out.Data {
			for k, b := range in {
				vals[k] = b.Data[i]
			}
			out.Data[i] = fn(vals)
		}
		return out, nil
	}
	return &Volume{n: n}, nil
}

func alignedInputs(op string, v *Volume, others []*Volume) ([]*node, error) {
	inputs := []*node{v.n}
	for i, o := range others {
		if o == nil {
			return nil, errs.Configuration(op, "input %d is nil", i+1)
		}
		if !o.n.grid.SameLayout(v.n.grid) {
			return nil, errs.Alignment(op, "input %d has shape %s chunks %s, want shape %s chunks %s",
				i+1, o.n.grid.Shape, o.n.grid.Chunk, v.n.grid.Shape, v.n.grid.Chunk)
		}
		inputs = append(inputs, o.n)
	}
	return inputs, nil
}

// ChunkFunc transforms one halo-extended block. The returned block must
// cover at least the chunk at the centre of the input; anything outside the
// chunk is trimmed.
type ChunkFunc func(in *Block) (*Block, error)

// HaloOptions configures the data gathered around each chunk.
type HaloOptions struct {
	Halo     [3]int
	Boundary Boundary
	// Fill is used outside the volume when Boundary is BoundaryConstant.
	Fill float64
}

// MapChunks applies fn to each chunk extended by halo voxels on every side.
// The halo is filled from the adjacent chunks and, past the volume edge,
// according to the boundary mode. A halo larger than an adjacent chunk
// is a configuration error.
func (v *Volume) MapChunks(name string, fn ChunkFunc, opts HaloOptions) (*Volume, error) {
	return v.ZipChunks(name, func(in []*Block) (*Block, error) { return fn(in[0]) }, opts)
}

// MultiChunkFunc transforms the halo-extended blocks of several aligned
// volumes at the same chunk position.
type MultiChunkFunc func(in []*Block) (*Block, error)

// ZipChunks is the multi-input form of MapChunks.
func (v *Volume) ZipChunks(name string, fn MultiChunkFunc, opts HaloOptions, others ...*Volume) (*Volume, error) {
	inputs, err := alignedInputs("volume.ZipChunks", v, others)
	if err != nil {
		return nil, err
	}
	grid := v.n.grid
	if err := grid.CheckHalo("volume.MapChunks", opts.Halo); err != nil {
		return nil, err
	}
	n := newNode("map_chunks", name, grid, v.n.spacing, v.n.origin, inputs)
	n.deps = func(c ChunkIndex) []dep {
		window := grid.ChunkBox(c).Expand(opts.Halo)
		neighbours := grid.ChunksIn(window)
		ds := make([]dep, 0, len(neighbours)*len(inputs))
		for _, in := range inputs {
			for _, nc := range neighbours {
				ds = append(ds, dep{in, nc})
			}
		}
		return ds
	}
	n.eval = func(_ context.Context, c ChunkIndex, in []*Block) (*Block, error) {
		core := grid.ChunkBox(c)
		window := core.Expand(opts.Halo)
		per := len(in) / len(inputs)
		windows := make([]*Block, len(inputs))
		for i := range inputs {
			windows[i] = assemble(window, grid.Shape, in[i*per:(i+1)*per], opts.Boundary, opts.Fill)
		}
		out, err := fn(windows)
		if err != nil {
			return nil, fmt.Errorf("%s chunk %s: %w", name, c, err)
		}
		if out == nil || !out.Box.Contains(core) {
			return nil, errs.Configuration("volume.MapChunks", "%s returned a block that does not cover chunk %s", name, c)
		}
		return out.Crop(core), nil
	}
	return &Volume{n: n}, nil
}

// GatherSpec describes the output of a Gather.
type GatherSpec struct {
	Grid    Grid
	Spacing [3]float64
	Origin  [3]float64
}

// NeedFunc returns the source region needed to compute an output box.
// It may extend past the source volume; it is clipped before reading.
type NeedFunc func(out Box) Box

// GatherFunc computes output box out from src, which covers the clipped
// needed region or is nil when that region is empty.
type GatherFunc func(out Box, src *Block) (*Block, error)

// Gather is the general windowed operation: every output chunk reads an
// arbitrary, computed window of the source. It generalizes MapChunks to
// asymmetric halos and to output grids that differ from the input grid.
func (v *Volume) Gather(name string, spec GatherSpec, need NeedFunc, fn GatherFunc) (*Volume, error) {
	if err := spec.Grid.Validate(); err != nil {
		return nil, err
	}
	if spec.Spacing == ([3]float64{}) {
		spec.Spacing = UnitSpacing
	}
	src := v.n
	srcBox := BoxOf(src.grid.Shape)
	n := newNode("gather", name, spec.Grid, spec.Spacing, spec.Origin, []*node{src})
	n.deps = func(c ChunkIndex) []dep {
		window := need(spec.Grid.ChunkBox(c)).Intersect(srcBox)
		chunks := src.grid.ChunksIn(window)
		ds := make([]dep, len(chunks))
		for i, sc := range chunks {
			ds[i] = dep{src, sc}
		}
		return ds
	}
	n.eval = func(_ context.Context, c ChunkIndex, in []*Block) (*Block, error) {
		core := spec.Grid.ChunkBox(c)
		window := need(core).Intersect(srcBox)
		var block *Block
		if !window.Empty() {
			block = assemble(window, src.grid.Shape, in, BoundaryConstant, 0)
		}
		out, err := fn(core, block)
		if err != nil {
			return nil, fmt.Errorf("%s chunk %s: %w", name, c, err)
		}
		if out == nil || out.Box != core {
			return nil, errs.Configuration("volume.Gather", "%s returned a block that does not match chunk %s", name, c)
		}
		return out, nil
	}
	return &Volume{n: n}, nil
}

// Rechunk returns v re-tiled with a new chunk shape.
func (v *Volume) Rechunk(chunk Shape) (*Volume, error) {
	grid, err := NewGrid(v.n.grid.Shape, chunk)
	if err != nil {
		return nil, err
	}
	if chunk == v.n.grid.Chunk {
		return v, nil
	}
	spec := GatherSpec{Grid: grid, Spacing: v.n.spacing, Origin: v.n.origin}
	return v.Gather("rechunk", spec,
		func(out Box) Box { return out },
		func(out Box, src *Block) (*Block, error) { return src.Crop(out), nil })
}

// Downsample shrinks v by integer factors, averaging each factor-sized
// block of voxels. Partial blocks at the far edges average what exists.
func (v *Volume) Downsample(factor [3]int) (*Volume, error) {
	for d := 0; d < 3; d++ {
		if factor[d] < 1 {
			return nil, errs.Configuration("volume.Downsample", "invalid factor %v", factor)
		}
	}
	if factor == [3]int{1, 1, 1} {
		return v, nil
	}
	var shape, chunk Shape
	var spacing, origin [3]float64
	for d := 0; d < 3; d++ {
		shape[d] = (v.n.grid.Shape[d] + factor[d] - 1) / factor[d]
		chunk[d] = max(1, (v.n.grid.Chunk[d]+factor[d]-1)/factor[d])
		spacing[d] = v.n.spacing[d] * float64(factor[d])
		origin[d] = v.n.origin[d] + 0.5*float64(factor[d]-1)*v.n.spacing[d]
	}
	spec := GatherSpec{Grid: Grid{Shape: shape, Chunk: chunk}, Spacing: spacing, Origin: origin}
	need := func(out Box) Box {
		var b Box
		for d := 0; d < 3; d++ {
			b.Min[d] = out.Min[d] * factor[d]
			b.Max[d] = out.Max[d] * factor[d]
		}
		return b
	}
	return v.Gather(fmt.Sprintf("downsample%v", factor), spec, need, func(out Box, src *Block) (*Block, error) {
		res := NewBlock(out)
		if src == nil {
			return res, nil
		}
		for z := out.Min[0]; z < out.Max[0]; z++ {
			for y := out.Min[1]; y < out.Max[1]; y++ {
				for x := out.Min[2]; x < out.Max[2]; x++ {
					cell := Box{
						Min: [3]int{z * factor[0], y * factor[1], x * factor[2]},
						Max: [3]int{(z + 1) * factor[0], (y + 1) * factor[1], (x + 1) * factor[2]},
					}.Intersect(src.Box)
					sum, count := 0.0, 0
					for sz := cell.Min[0]; sz < cell.Max[0]; sz++ {
						for sy := cell.Min[1]; sy < cell.Max[1]; sy++ {
							for sx := cell.Min[2]; sx < cell.Max[2]; sx++ {
								sum += src.At(sz, sy, sx)
								count++
							}
						}
					}
					if count > 0 {
						res.Set(z, y, x, sum/float64(count))
					}
				}
			}
		}
		return res, nil
	})
}
