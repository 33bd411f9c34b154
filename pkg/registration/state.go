package registration

import "spimfuse/pkg/transform"

// State is the state of the optimizer loop.
type State int

const (
	Initializing State = iota
	Iterating
	Converged
	MaxIterationsReached
	Diverged
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Iterating:
		return "iterating"
	case Converged:
		return "converged"
	case MaxIterationsReached:
		return "max-iterations"
	case Diverged:
		return "diverged"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// terminal reports whether the loop stops in s.
func (s State) terminal() bool {
	return s == Converged || s == MaxIterationsReached || s == Diverged
}

// Step is one optimizer iteration.
type Step struct {
	Level     int       `json:"level"`
	Iteration int       `json:"iteration"`
	Params    []float64 `json:"params"`
	Cost      float64   `json:"cost"`
	// StepLength is the scaled length of the update that led here.
	StepLength float64 `json:"step_length"`
}

// LevelResult summarizes one pyramid level.
type LevelResult struct {
	Factor      int       `json:"factor"`
	State       State     `json:"state"`
	Params      []float64 `json:"params"`
	Cost        float64   `json:"cost"`
	Iterations  int       `json:"iterations"`
	Evaluations int       `json:"evaluations"`
}

// Result is the outcome of a registration. Transform maps points of the
// fixed frame to the moving frame, so that resampling the moving volume
// through it aligns it to the fixed volume.
type Result struct {
	Transform   transform.Affine
	Params      []float64
	Cost        float64
	Converged   bool
	State       State
	Iterations  int
	Evaluations int
	History     []Step
	Levels      []LevelResult
}
