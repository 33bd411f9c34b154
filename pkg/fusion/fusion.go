// Package fusion fuses registered views into a single volume, either by
// joint multi-view Richardson-Lucy deconvolution or by simple blending.
package fusion

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"spimfuse/internal/ctxlog"
	"spimfuse/pkg/errs"
	"spimfuse/pkg/psf"
	"spimfuse/pkg/sched"
	"spimfuse/pkg/store"
	"spimfuse/pkg/volume"
)

// Input is one view resampled into the common frame, with its PSF in that
// frame.
type Input struct {
	Name   string
	Volume *volume.Volume
	PSF    *psf.Model
	// Weight of the view in the combined correction. Zero means 1.
	Weight float64
}

// Combine selects how the per-view corrections are merged.
type Combine int

const (
	// Arithmetic is the weighted arithmetic mean of the corrections.
	Arithmetic Combine = iota
	// Geometric is the weighted geometric mean of the corrections.
	Geometric
)

func (c Combine) String() string {
	if c == Geometric {
		return "geometric"
	}
	return "arithmetic"
}

// ParseCombine parses "arithmetic" or "geometric".
func ParseCombine(s string) (Combine, error) {
	switch strings.ToLower(s) {
	case "", "arithmetic", "additive":
		return Arithmetic, nil
	case "geometric", "multiplicative":
		return Geometric, nil
	}
	return 0, fmt.Errorf("unknown combine mode %q", s)
}

// ScratchFunc returns the store that holds the estimate after an
// iteration.
type ScratchFunc func(iteration int, meta store.Meta) (store.Store, error)

// MemoryScratch keeps every estimate in memory.
func MemoryScratch(_ int, meta store.Meta) (store.Store, error) {
	return store.NewMemory(meta)
}

// DirScratch spills every estimate to a directory store under root and
// removes the store of the previous iteration once the next one is opened.
func DirScratch(root string, compression store.Compression) ScratchFunc {
	return func(iteration int, meta store.Meta) (store.Store, error) {
		if iteration > 1 {
			if err := os.RemoveAll(scratchPath(root, iteration-2)); err != nil {
				return nil, fmt.Errorf("failed to remove scratch store: %w", err)
			}
		}
		return store.CreateDir(scratchPath(root, iteration), meta, compression)
	}
}

func scratchPath(root string, iteration int) string {
	return filepath.Join(root, fmt.Sprintf("iter%04d", iteration))
}

// Options configures Fuse.
type Options struct {
	Iterations  int
	Regularizer Regularizer
	// Epsilon floors the blurred estimate in the ratio step.
	Epsilon float64
	Combine Combine
	// Scratch defaults to MemoryScratch.
	Scratch ScratchFunc
}

// DefaultEpsilon is used when Options.Epsilon is zero.
const DefaultEpsilon = 1e-6

// Fuse runs joint Richardson-Lucy deconvolution of the inputs. Every
// iteration is computed chunk by chunk and persisted to a scratch store
// before the next one starts, so the returned volume reads the last
// estimate from its store. With zero iterations the result is the lazy
// weighted mean of the inputs.
func Fuse(ctx context.Context, ex sched.Scheduler, inputs []Input, opts Options) (*volume.Volume, error) {
	weights, err := validate("fusion.Fuse", inputs, true)
	if err != nil {
		return nil, err
	}
	if opts.Iterations < 0 {
		return nil, errs.Configuration("fusion.Fuse", "negative iteration count %d", opts.Iterations)
	}
	if opts.Regularizer == nil {
		opts.Regularizer = None{}
	}
	if opts.Epsilon <= 0 {
		opts.Epsilon = DefaultEpsilon
	}
	if opts.Scratch == nil {
		opts.Scratch = MemoryScratch
	}
	grid := inputs[0].Volume.Grid()
	if err := grid.CheckHalo("fusion.Fuse", opts.Regularizer.Halo()); err != nil {
		return nil, err
	}
	forward := make([]*convolver, len(inputs))
	backward := make([]*convolver, len(inputs))
	for i, in := range inputs {
		if err := grid.CheckHalo("fusion.Fuse", in.PSF.Radius()); err != nil {
			return nil, fmt.Errorf("PSF of view %s: %w", in.Name, err)
		}
		forward[i] = newConvolver(in.PSF.Kernel())
		backward[i] = newConvolver(in.PSF.Flipped().Kernel())
	}

	est, err := weightedMean(inputs, weights)
	if err != nil {
		return nil, err
	}
	log := ctxlog.FromContext(ctx)
	first := inputs[0].Volume
	meta := store.Meta{Shape: grid.Shape, Chunk: grid.Chunk, DType: volume.Float64, Spacing: first.Spacing(), Origin: first.Origin()}

	for it := 1; it <= opts.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		next, err := iterate(est, inputs, weights, forward, backward, opts)
		if err != nil {
			return nil, err
		}
		scratch, err := opts.Scratch(it, meta)
		if err != nil {
			return nil, fmt.Errorf("failed to create scratch store for iteration %d: %w", it, err)
		}
		if err := next.Persist(ctx, ex, scratch); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}
		if est, err = volume.FromReader(fmt.Sprintf("estimate%d", it), scratch); err != nil {
			return nil, err
		}
		log.Info("deconvolution iteration", "iteration", it, "iterations", opts.Iterations,
			"regularizer", opts.Regularizer.Name(), "elapsed", time.Since(start))
	}
	return est, nil
}

// validate checks that the inputs can be fused together and returns their
// normalized weights.
func validate(op string, inputs []Input, needPSF bool) ([]float64, error) {
	if len(inputs) == 0 {
		return nil, errs.Configuration(op, "no views")
	}
	first := inputs[0].Volume
	if first == nil {
		return nil, errs.Configuration(op, "view %s has no volume", inputs[0].Name)
	}
	weights := make([]float64, len(inputs))
	total := 0.0
	for i, in := range inputs {
		if in.Volume == nil {
			return nil, errs.Configuration(op, "view %s has no volume", in.Name)
		}
		if needPSF && in.PSF == nil {
			return nil, errs.Configuration(op, "view %s has no PSF", in.Name)
		}
		if !sameSpacing(in.Volume.Spacing(), first.Spacing()) {
			return nil, errs.Configuration(op, "view %s has spacing %v, want %v", in.Name, in.Volume.Spacing(), first.Spacing())
		}
		if in.PSF != nil && !in.PSF.IsDelta() && !sameSpacing(in.PSF.Spacing(), first.Spacing()) {
			return nil, errs.Configuration(op, "PSF of view %s has spacing %v, want %v", in.Name, in.PSF.Spacing(), first.Spacing())
		}
		if !in.Volume.Grid().SameLayout(first.Grid()) {
			return nil, errs.Alignment(op, "view %s has shape %s chunks %s, want shape %s chunks %s", in.Name,
				in.Volume.Shape(), in.Volume.ChunkShape(), first.Shape(), first.ChunkShape())
		}
		w := in.Weight
		if w == 0 {
			w = 1
		}
		if w < 0 || math.IsNaN(w) {
			return nil, errs.Configuration(op, "view %s has invalid weight %g", in.Name, in.Weight)
		}
		weights[i] = w
		total += w
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights, nil
}

func sameSpacing(a, b [3]float64) bool {
	for d := 0; d < 3; d++ {
		if math.Abs(a[d]-b[d]) > 1e-9*math.Max(math.Abs(a[d]), math.Abs(b[d])) {
			return false
		}
	}
	return true
}

func volumes(inputs []Input) []*volume.Volume {
	out := make([]*volume.Volume, len(inputs))
	for i, in := range inputs {
		out[i] = in.Volume
	}
	return out
}

// weightedMean is the initial estimate: the weighted mean of the views,
// clamped at zero.
func weightedMean(inputs []Input, weights []float64) (*volume.Volume, error) {
	vs := volumes(inputs)
	return vs[0].Zip("initial-estimate", func(vals []float64) float64 {
		s := 0.0
		for i, v := range vals {
			s += weights[i] * v
		}
		return math.Max(0, s)
	}, vs[1:]...)
}

// iterate builds the lazy graph of one Richardson-Lucy iteration.
func iterate(est *volume.Volume, inputs []Input, weights []float64, forward, backward []*convolver, opts Options) (*volume.Volume, error) {
	eps := opts.Epsilon
	corrections := make([]*volume.Volume, len(inputs))
	for i, in := range inputs {
		fw, bw := forward[i], backward[i]
		blur, err := est.MapChunks("blur/"+in.Name, func(b *volume.Block) (*volume.Block, error) {
			return fw.convolve(b), nil
		}, volume.HaloOptions{Halo: fw.radius, Boundary: volume.BoundaryNearest})
		if err != nil {
			return nil, err
		}
		ratio, err := in.Volume.Zip("ratio/"+in.Name, func(vals []float64) float64 {
			return math.Max(vals[0], 0) / math.Max(vals[1], eps)
		}, blur)
		if err != nil {
			return nil, err
		}
		corrections[i], err = ratio.MapChunks("correction/"+in.Name, func(b *volume.Block) (*volume.Block, error) {
			return bw.convolve(b), nil
		}, volume.HaloOptions{Halo: bw.radius, Boundary: volume.BoundaryNearest})
		if err != nil {
			return nil, err
		}
	}
	combined, err := corrections[0].Zip("combine", combiner(opts.Combine, weights), corrections[1:]...)
	if err != nil {
		return nil, err
	}
	reg := opts.Regularizer
	return est.ZipChunks("update/"+reg.Name(), func(in []*volume.Block) (*volume.Block, error) {
		out := reg.Update(in[0], in[1])
		for i, v := range out.Data {
			if !(v > 0) {
				out.Data[i] = 0
			}
		}
		return out, nil
	}, volume.HaloOptions{Halo: reg.Halo(), Boundary: volume.BoundaryNearest}, combined)
}

func combiner(c Combine, weights []float64) func([]float64) float64 {
	if c == Geometric {
		return func(vals []float64) float64 {
			s := 0.0
			for i, v := range vals {
				if v <= 0 {
					return 0
				}
				s += weights[i] * math.Log(v)
			}
			return math.Exp(s)
		}
	}
	return func(vals []float64) float64 {
		s := 0.0
		for i, v := range vals {
			s += weights[i] * v
		}
		return s
	}
}
