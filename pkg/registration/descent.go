package registration

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
)

// fdStep is the central difference step in scaled parameter units.
const fdStep = 0.05

// run is the outcome of one optimizer run at one pyramid level.
type run struct {
	params     []float64
	cost       float64
	state      State
	iterations int
	history    []Step
}

// scaled wraps the evaluator as a function of parameters divided by their
// scales. The first error stops the wrapped function from evaluating.
type scaled struct {
	e      *evaluator
	scales []float64
	err    error
}

func (s *scaled) params(u []float64) []float64 {
	p := make([]float64, len(u))
	floats.MulTo(p, u, s.scales)
	return p
}

func (s *scaled) unscale(p []float64) []float64 {
	u := make([]float64, len(p))
	floats.DivTo(u, p, s.scales)
	return u
}

func (s *scaled) f(u []float64) float64 {
	if s.err != nil {
		return math.Inf(1)
	}
	c, err := s.e.cost(s.params(u))
	if err != nil {
		s.err = err
		return math.Inf(1)
	}
	return c
}

// descend is regular-step gradient descent. It moves a fixed distance along
// the negative gradient and relaxes the distance each time the gradient
// reverses direction, until the distance drops below the tolerance.
func descend(e *evaluator, x0, scales []float64) (run, error) {
	o := e.opts
	s := &scaled{e: e, scales: scales}
	u := s.unscale(x0)
	n := len(u)
	r := run{state: Initializing}
	var cur, step float64
	var prevGrad []float64
	grad := make([]float64, n)
	next := make([]float64, n)
	settings := &fd.Settings{Formula: fd.Central, Step: fdStep}

	for !r.state.terminal() {
		switch r.state {
		case Initializing:
			cur = s.f(u)
			if s.err != nil {
				if errors.Is(s.err, errDiverged) {
					r.params, r.cost, r.state = x0, math.Inf(1), Diverged
					return r, nil
				}
				return r, s.err
			}
			r.params, r.cost = append([]float64(nil), x0...), cur
			step = o.StepSize
			r.state = Iterating

		case Iterating:
			if err := e.ctx.Err(); err != nil {
				return r, err
			}
			if r.iterations >= o.MaxIterations {
				r.state = MaxIterationsReached
				break
			}
			fd.Gradient(grad, s.f, u, settings)
			if s.err != nil {
				if errors.Is(s.err, errDiverged) {
					r.state = Diverged
					break
				}
				return r, s.err
			}
			norm := floats.Norm(grad, 2)
			if norm == 0 {
				r.state = Converged
				break
			}
			if prevGrad != nil && floats.Dot(grad, prevGrad) < 0 {
				step *= o.Relaxation
			}
			if step < o.Tolerance {
				r.state = Converged
				break
			}
			floats.AddScaledTo(next, u, -step/norm, grad)
			c := s.f(next)
			if s.err != nil {
				if errors.Is(s.err, errDiverged) {
					r.state = Diverged
					break
				}
				return r, s.err
			}
			r.iterations++
			copy(u, next)
			cur = c
			prevGrad = append(prevGrad[:0], grad...)
			p := s.params(u)
			r.history = append(r.history, Step{Level: e.level, Iteration: r.iterations, Params: p, Cost: cur, StepLength: step})
			if cur < r.cost {
				r.params, r.cost = p, cur
			}
		}
	}
	return r, nil
}
