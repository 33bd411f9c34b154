package transform

import (
	"math"

	"spimfuse/pkg/errs"
	"spimfuse/pkg/interpolation"
	"spimfuse/pkg/volume"
)

// Geometry describes the voxel grid and physical placement of a volume.
type Geometry struct {
	Shape   volume.Shape
	Chunk   volume.Shape
	Spacing [3]float64
	Origin  [3]float64
}

// GeometryOf returns the geometry of v.
func GeometryOf(v *volume.Volume) Geometry {
	return Geometry{Shape: v.Shape(), Chunk: v.ChunkShape(), Spacing: v.Spacing(), Origin: v.Origin()}
}

// IndexToPhysical is the transform from voxel indices to physical points.
func (g Geometry) IndexToPhysical() Affine {
	return Translation(g.Origin).Compose(Scaling(g.Spacing))
}

// Options configures Resample.
type Options struct {
	Mode interpolation.Mode
	// Fill is the value of output voxels that map outside the source.
	Fill float64
	// Output is the output geometry. It defaults to the source geometry.
	Output *Geometry
}

// Resample returns the lazy volume out(p) = v(t(p)), sampled on the output
// geometry. t maps physical output points to physical source points.
//
// Each output chunk reads the bounding box of its corners mapped into the
// source, widened by the interpolation margin.
func Resample(v *volume.Volume, t Affine, opts Options) (*volume.Volume, error) {
	src := GeometryOf(v)
	out := src
	if opts.Output != nil {
		out = *opts.Output
	}
	if out.Chunk == (volume.Shape{}) {
		out.Chunk = src.Chunk
	}
	if out.Spacing == ([3]float64{}) {
		out.Spacing = volume.UnitSpacing
	}
	grid, err := volume.NewGrid(out.Shape, out.Chunk)
	if err != nil {
		return nil, err
	}
	srcInv, err := src.IndexToPhysical().Invert()
	if err != nil {
		return nil, errs.Configuration("transform.Resample", "invalid source spacing %v", src.Spacing)
	}
	// m maps output voxel indices to source voxel indices.
	m := srcInv.Compose(t).Compose(out.IndexToPhysical())
	for _, row := range m.m {
		for _, x := range row {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, errs.Numerical("transform.Resample", map[string]any{"matrix": t.m}, "transform is not finite")
			}
		}
	}

	mode := opts.Mode
	margin := mode.Margin()
	need := func(b volume.Box) volume.Box {
		lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
		hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
		for _, c := range corners(b, 1) {
			p := m.Apply(c)
			for d := 0; d < 3; d++ {
				lo[d] = math.Min(lo[d], p[d])
				hi[d] = math.Max(hi[d], p[d])
			}
		}
		var r volume.Box
		for d := 0; d < 3; d++ {
			r.Min[d] = int(math.Floor(lo[d])) - margin
			r.Max[d] = int(math.Ceil(hi[d])) + margin + 1
		}
		return r
	}
	spec := volume.GatherSpec{Grid: grid, Spacing: out.Spacing, Origin: out.Origin}
	return v.Gather("resample", spec, need, func(box volume.Box, block *volume.Block) (*volume.Block, error) {
		res := volume.NewBlock(box)
		if block == nil {
			if opts.Fill != 0 {
				for i := range res.Data {
					res.Data[i] = opts.Fill
				}
			}
			return res, nil
		}
		if mode == interpolation.Cubic {
			interpolation.Prefilter(block)
		}
		i := 0
		for z := box.Min[0]; z < box.Max[0]; z++ {
			for y := box.Min[1]; y < box.Max[1]; y++ {
				for x := box.Min[2]; x < box.Max[2]; x++ {
					p := m.Apply([3]float64{float64(z), float64(y), float64(x)})
					if interpolation.Inside(p[0], src.Shape[0]) &&
						interpolation.Inside(p[1], src.Shape[1]) &&
						interpolation.Inside(p[2], src.Shape[2]) {
						res.Data[i] = interpolation.Sample(mode, block, p)
					} else {
						res.Data[i] = opts.Fill
					}
					i++
				}
			}
		}
		return res, nil
	})
}

// corners returns the 8 corners of b, with the upper corners at Max-inset.
func corners(b volume.Box, inset int) [8][3]float64 {
	var out [8][3]float64
	for i := 0; i < 8; i++ {
		for d := 0; d < 3; d++ {
			if i&(4>>d) != 0 {
				out[i][d] = float64(b.Max[d] - inset)
			} else {
				out[i][d] = float64(b.Min[d])
			}
		}
	}
	return out
}
