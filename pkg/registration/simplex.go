package registration

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// simplexRecorder stops the simplex search on the first cost error and
// keeps the history of major iterations.
type simplexRecorder struct {
	s       *scaled
	level   int
	history []Step
}

func (r *simplexRecorder) Init() error { return nil }

func (r *simplexRecorder) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if r.s.err != nil {
		return r.s.err
	}
	if err := r.s.e.ctx.Err(); err != nil {
		return err
	}
	if op == optimize.MajorIteration {
		r.history = append(r.history, Step{
			Level:     r.level,
			Iteration: stats.MajorIterations,
			Params:    r.s.params(loc.X),
			Cost:      loc.F,
		})
	}
	return nil
}

// simplex runs Nelder-Mead in scaled parameter units.
func simplex(e *evaluator, x0, scales []float64) (run, error) {
	o := e.opts
	s := &scaled{e: e, scales: scales}
	rec := &simplexRecorder{s: s, level: e.level}
	settings := &optimize.Settings{
		MajorIterations: o.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   o.Tolerance * 1e-3,
			Iterations: 2*len(x0) + 5,
		},
		Recorder:   rec,
		Concurrent: 1,
	}
	method := &optimize.NelderMead{SimplexSize: o.StepSize}
	res, err := optimize.Minimize(optimize.Problem{Func: s.f}, s.unscale(x0), settings, method)

	r := run{history: rec.history, params: append([]float64(nil), x0...), cost: math.Inf(1)}
	if res != nil {
		r.iterations = res.MajorIterations
		if !math.IsInf(res.F, 0) && !math.IsNaN(res.F) {
			r.params, r.cost = s.params(res.X), res.F
		}
	}
	if s.err != nil {
		if errors.Is(s.err, errDiverged) {
			r.state = Diverged
			r.params, r.cost = bestOf(r.history, x0)
			return r, nil
		}
		return r, s.err
	}
	if err != nil {
		return r, err
	}
	switch res.Status {
	case optimize.IterationLimit, optimize.FunctionEvaluationLimit:
		r.state = MaxIterationsReached
	case optimize.Failure:
		r.state = Diverged
	default:
		r.state = Converged
	}
	return r, nil
}

// bestOf returns the lowest cost point of a history.
func bestOf(history []Step, x0 []float64) ([]float64, float64) {
	p, c := append([]float64(nil), x0...), math.Inf(1)
	for _, h := range history {
		if h.Cost < c {
			p, c = h.Params, h.Cost
		}
	}
	return p, c
}
