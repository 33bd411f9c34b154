// Package registration aligns a moving volume to a fixed volume by
// optimizing the parameters of an affine transform against an intensity
// similarity cost, over a multi-resolution pyramid.
package registration

import (
	"context"
	"fmt"
	"math"

	"spimfuse/internal/ctxlog"
	"spimfuse/pkg/errs"
	"spimfuse/pkg/sched"
	"spimfuse/pkg/store"
	"spimfuse/pkg/transform"
	"spimfuse/pkg/volume"
)

// minLevelExtent is the smallest axis length a pyramid level shrinks to.
const minLevelExtent = 8

// Register finds the transform that maps fixed-frame points onto the
// moving frame. initial is the starting estimate; the optimizer refines
// it by composing a parameterized transform about the centre in front of
// it.
//
// Running out of iterations or diverging is not an error: the result
// reports the state and the best parameters seen. Non-finite costs and an
// ill-conditioned initial transform return a NumericalError.
func Register(ctx context.Context, ex sched.Scheduler, fixed, moving *volume.Volume, initial transform.Affine, opts Options) (Result, error) {
	const op = "registration.Register"
	opts = opts.withDefaults()
	if fixed == nil || moving == nil {
		return Result{}, errs.Configuration(op, "fixed and moving volumes are required")
	}
	if ex == nil {
		return Result{}, errs.Configuration(op, "no scheduler")
	}
	if opts.Scales != nil && len(opts.Scales) != opts.Model.NumParams() {
		return Result{}, errs.Configuration(op, "%d scales for the %d parameters of the %s model",
			len(opts.Scales), opts.Model.NumParams(), opts.Model)
	}
	for _, f := range opts.Levels {
		if f < 1 {
			return Result{}, errs.Configuration(op, "invalid pyramid level %d", f)
		}
	}
	if c := initial.Condition(); c > transform.MaxCondition {
		return Result{}, errs.Numerical(op, map[string]any{"matrix": initial.Rows(), "condition": c},
			"initial transform is ill-conditioned")
	}
	center := fixedCenter(fixed)
	if opts.Center != nil {
		center = *opts.Center
	}

	log := ctxlog.FromContext(ctx)
	params := opts.Model.IdentityParams()
	res := Result{Params: params, State: Initializing}
	for level, factor := range opts.Levels {
		f, err := shrink(ctx, ex, fixed, factor)
		if err != nil {
			return res, fmt.Errorf("failed to build pyramid level %d: %w", factor, err)
		}
		m, err := shrink(ctx, ex, moving, factor)
		if err != nil {
			return res, fmt.Errorf("failed to build pyramid level %d: %w", factor, err)
		}
		e, err := newEvaluator(ctx, ex, f, m, initial, center, opts, level)
		if err != nil {
			return res, err
		}
		scales := opts.Scales
		if scales == nil {
			scales = defaultScales(opts.Model, f.Spacing(), radiusOf(fixed))
		}

		var r run
		if opts.Optimizer == NelderMead {
			r, err = simplex(e, params, scales)
		} else {
			r, err = descend(e, params, scales)
		}
		res.Evaluations += e.evaluations
		res.Iterations += r.iterations
		res.History = append(res.History, r.history...)
		if err != nil {
			return res, err
		}
		res.Levels = append(res.Levels, LevelResult{
			Factor:      factor,
			State:       r.state,
			Params:      r.params,
			Cost:        r.cost,
			Iterations:  r.iterations,
			Evaluations: e.evaluations,
		})
		log.Debug("registration level done",
			"factor", factor, "state", r.state, "cost", r.cost,
			"iterations", r.iterations, "evaluations", e.evaluations)

		res.State = r.state
		res.Cost = r.cost
		if r.state == Diverged {
			break
		}
		params = r.params
	}
	res.Params = params
	t, err := transform.FromParams(opts.Model, params, center)
	if err != nil {
		return res, err
	}
	res.Transform = initial.Compose(t)
	res.Converged = res.State == Converged
	log.Info("registration finished",
		"state", res.State, "cost", res.Cost, "iterations", res.Iterations, "params", res.Params)
	return res, nil
}

// fixedCenter returns the physical centre of v.
func fixedCenter(v *volume.Volume) [3]float64 {
	var c [3]float64
	s, sp, o := v.Shape(), v.Spacing(), v.Origin()
	for d := 0; d < 3; d++ {
		c[d] = o[d] + 0.5*float64(s[d]-1)*sp[d]
	}
	return c
}

// radiusOf returns half the smallest physical extent of v.
func radiusOf(v *volume.Volume) float64 {
	r := math.Inf(1)
	for d := 0; d < 3; d++ {
		r = math.Min(r, 0.5*float64(v.Shape()[d])*v.Spacing()[d])
	}
	return r
}

// shrink downsamples v by factor, leaving axes no shorter than
// minLevelExtent, and materializes the level so that every cost
// evaluation reads it instead of recomputing the block means.
func shrink(ctx context.Context, ex sched.Scheduler, v *volume.Volume, factor int) (*volume.Volume, error) {
	var f [3]int
	for d := 0; d < 3; d++ {
		f[d] = max(1, min(factor, v.Shape()[d]/minLevelExtent))
	}
	if f == [3]int{1, 1, 1} {
		return v, nil
	}
	small, err := v.Downsample(f)
	if err != nil {
		return nil, err
	}
	mem, err := store.NewMemory(store.Meta{
		Shape:   small.Shape(),
		Chunk:   small.ChunkShape(),
		DType:   volume.Float64,
		Spacing: small.Spacing(),
		Origin:  small.Origin(),
	})
	if err != nil {
		return nil, err
	}
	if err := small.Persist(ctx, ex, mem); err != nil {
		return nil, err
	}
	return volume.FromReader(fmt.Sprintf("%s/%d", v.Name(), factor), mem)
}
