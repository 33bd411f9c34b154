package registration

import (
	"context"
	"errors"
	"math"
	"math/rand"

	"spimfuse/pkg/errs"
	"spimfuse/pkg/metrics"
	"spimfuse/pkg/sched"
	"spimfuse/pkg/transform"
	"spimfuse/pkg/volume"
)

// errDiverged reports that a parameter vector left too few fixed voxels
// inside the moving volume to measure similarity.
var errDiverged = errors.New("registration diverged")

// pairStats accumulates the sums over the voxels where both volumes are
// defined.
type pairStats struct {
	n                  float64
	sf, sm             float64
	sff, smm, sfm, sse float64
	hist               *metrics.JointHistogram
	nonFinite          bool
}

func (s pairStats) merge(o pairStats) pairStats {
	s.n += o.n
	s.sf += o.sf
	s.sm += o.sm
	s.sff += o.sff
	s.smm += o.smm
	s.sfm += o.sfm
	s.sse += o.sse
	s.nonFinite = s.nonFinite || o.nonFinite
	if o.hist != nil {
		if s.hist == nil {
			s.hist = o.hist.Empty()
		}
		s.hist.Merge(o.hist)
	}
	return s
}

// ncc returns the normalized cross correlation. Constant images correlate
// with nothing.
func (s pairStats) ncc() float64 {
	cov := s.sfm - s.sf*s.sm/s.n
	vf := s.sff - s.sf*s.sf/s.n
	vm := s.smm - s.sm*s.sm/s.n
	if vf <= 0 || vm <= 0 {
		return 0
	}
	return cov / math.Sqrt(vf*vm)
}

// evaluator measures the cost of parameter vectors at one pyramid level.
type evaluator struct {
	ctx     context.Context
	ex      sched.Scheduler
	fixed   *volume.Volume
	moving  *volume.Volume
	geom    transform.Geometry
	initial transform.Affine
	center  [3]float64
	opts    Options
	level   int

	// intensity ranges of the histogram
	loF, hiF, loM, hiM float64

	evaluations int
	lastValid   []float64
}

func newEvaluator(ctx context.Context, ex sched.Scheduler, fixed, moving *volume.Volume, initial transform.Affine, center [3]float64, opts Options, level int) (*evaluator, error) {
	e := &evaluator{
		ctx:     ctx,
		ex:      ex,
		fixed:   fixed,
		moving:  moving,
		geom:    transform.GeometryOf(fixed),
		initial: initial,
		center:  center,
		opts:    opts,
		level:   level,
	}
	if opts.Cost == MutualInformation {
		var err error
		if e.loF, e.hiF, err = intensityRange(ctx, ex, fixed); err != nil {
			return nil, err
		}
		if e.loM, e.hiM, err = intensityRange(ctx, ex, moving); err != nil {
			return nil, err
		}
	}
	return e, nil
}

type extent struct{ lo, hi float64 }

func intensityRange(ctx context.Context, ex sched.Scheduler, v *volume.Volume) (float64, float64, error) {
	r, err := volume.Reduce(ctx, ex, v, func(b *volume.Block) (extent, error) {
		e := extent{math.Inf(1), math.Inf(-1)}
		for _, x := range b.Data {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				continue
			}
			e.lo = math.Min(e.lo, x)
			e.hi = math.Max(e.hi, x)
		}
		return e, nil
	}, func(a, b extent) extent {
		return extent{math.Min(a.lo, b.lo), math.Max(a.hi, b.hi)}
	}, extent{math.Inf(1), math.Inf(-1)})
	if err != nil {
		return 0, 0, err
	}
	if r.lo > r.hi {
		return 0, 1, nil
	}
	return r.lo, r.hi, nil
}

// warp composes the parameter transform with the initial transform. The
// parameters act in the fixed frame, before the initial mapping.
func (e *evaluator) warp(params []float64) (transform.Affine, error) {
	t, err := transform.FromParams(e.opts.Model, params, e.center)
	if err != nil {
		return transform.Affine{}, err
	}
	return e.initial.Compose(t), nil
}

// cost returns the cost of params. It returns errDiverged when the overlap
// is too small and a NumericalError carrying the last valid parameters for
// a non-finite cost.
func (e *evaluator) cost(params []float64) (float64, error) {
	if err := e.ctx.Err(); err != nil {
		return 0, err
	}
	e.evaluations++
	t, err := e.warp(params)
	if err != nil {
		return 0, e.numerical(params, err)
	}
	warped, err := transform.Resample(e.moving, t, transform.Options{
		Mode:   e.opts.Interpolation,
		Fill:   math.NaN(),
		Output: &e.geom,
	})
	if err != nil {
		return 0, e.numerical(params, err)
	}
	var zero pairStats
	s, err := volume.ReduceZip(e.ctx, e.ex, []*volume.Volume{e.fixed, warped}, e.chunkStats, pairStats.merge, zero)
	if err != nil {
		return 0, err
	}
	if s.nonFinite {
		return 0, errs.Numerical("registration.Register", e.diagnostics(), "volume holds non-finite voxels")
	}
	if s.n < e.opts.MinOverlap*float64(e.geom.Shape.Size()) || s.n < 2 {
		return 0, errDiverged
	}
	var c float64
	switch e.opts.Cost {
	case MutualInformation:
		c = -s.hist.MutualInformation()
	case MeanSquares:
		c = s.sse / s.n
	default:
		c = 1 - s.ncc()
	}
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return 0, errs.Numerical("registration.Register", e.diagnostics(), "cost is not finite")
	}
	e.lastValid = append(e.lastValid[:0], params...)
	return c, nil
}

// chunkStats accumulates one chunk. Warped voxels outside the moving
// volume are NaN and ignored. Mutual information optionally keeps a random
// subset of voxels drawn from a source seeded per chunk, so the sample
// does not depend on the order chunks are computed in.
func (e *evaluator) chunkStats(c volume.ChunkIndex, in []*volume.Block) (pairStats, error) {
	f, m := in[0].Data, in[1].Data
	var s pairStats
	mi := e.opts.Cost == MutualInformation
	var rng *rand.Rand
	if mi {
		s.hist = metrics.NewJointHistogram(e.opts.Bins, e.loF, e.hiF, e.loM, e.hiM)
		if e.opts.SampleFraction < 1 {
			rng = rand.New(rand.NewSource(e.opts.Seed + int64(e.fixed.Grid().Flat(c))*7919))
		}
	}
	for i := range f {
		fv, mv := f[i], m[i]
		if math.IsNaN(mv) {
			continue
		}
		if math.IsInf(mv, 0) || math.IsNaN(fv) || math.IsInf(fv, 0) {
			s.nonFinite = true
			continue
		}
		if rng != nil && rng.Float64() >= e.opts.SampleFraction {
			continue
		}
		s.n++
		s.sf += fv
		s.sm += mv
		s.sff += fv * fv
		s.smm += mv * mv
		s.sfm += fv * mv
		d := fv - mv
		s.sse += d * d
		if mi {
			s.hist.AddLinear(fv, mv)
		}
	}
	return s, nil
}

func (e *evaluator) diagnostics() map[string]any {
	return map[string]any{
		"params": append([]float64(nil), e.lastValid...),
		"level":  e.level,
	}
}

func (e *evaluator) numerical(params []float64, err error) error {
	if errs.KindOf(err) != errs.KindNumerical {
		return err
	}
	if d := errs.DiagnosticsOf(err); d != nil {
		d["rejected"] = params
		for k, v := range e.diagnostics() {
			d[k] = v
		}
	}
	return err
}
