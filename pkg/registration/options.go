package registration

import (
	"fmt"
	"math"
	"strings"

	"spimfuse/pkg/interpolation"
	"spimfuse/pkg/transform"
)

// CostKind selects the similarity measure. Every cost is minimized.
type CostKind int

const (
	// Correlation is 1 - normalized cross correlation.
	Correlation CostKind = iota
	// MutualInformation is the negated mutual information of the joint
	// intensity histogram.
	MutualInformation
	// MeanSquares is the mean squared intensity difference.
	MeanSquares
)

func (c CostKind) String() string {
	switch c {
	case MutualInformation:
		return "mutual-information"
	case MeanSquares:
		return "mean-squares"
	}
	return "correlation"
}

// ParseCost parses a cost name.
func ParseCost(s string) (CostKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "correlation", "ncc":
		return Correlation, nil
	case "mutual-information", "mi":
		return MutualInformation, nil
	case "mean-squares", "mse":
		return MeanSquares, nil
	}
	return 0, fmt.Errorf("unknown cost %q", s)
}

// OptimizerKind selects the optimizer.
type OptimizerKind int

const (
	// GradientDescent is regular-step gradient descent with central
	// difference gradients. The step is halved whenever the gradient
	// direction reverses.
	GradientDescent OptimizerKind = iota
	// NelderMead is the downhill simplex method.
	NelderMead
)

func (o OptimizerKind) String() string {
	if o == NelderMead {
		return "nelder-mead"
	}
	return "gradient-descent"
}

// ParseOptimizer parses an optimizer name.
func ParseOptimizer(s string) (OptimizerKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gradient-descent", "gd":
		return GradientDescent, nil
	case "nelder-mead", "simplex":
		return NelderMead, nil
	}
	return 0, fmt.Errorf("unknown optimizer %q", s)
}

// Options configures Register.
type Options struct {
	Cost      CostKind
	Optimizer OptimizerKind
	Model     transform.Model

	// MaxIterations bounds the optimizer iterations per pyramid level.
	MaxIterations int
	// Tolerance is the scaled parameter update below which the optimizer
	// has converged.
	Tolerance float64
	// StepSize is the initial scaled step of gradient descent and the
	// initial simplex size of Nelder-Mead.
	StepSize float64
	// Relaxation multiplies the gradient descent step on a direction
	// reversal.
	Relaxation float64

	// Levels are the pyramid shrink factors, coarsest first.
	Levels []int
	// Scales are the parameter units of the optimizer. Defaults depend on
	// the model and the voxel spacing.
	Scales []float64

	Interpolation interpolation.Mode
	// Bins is the histogram size of MutualInformation.
	Bins int
	// SampleFraction is the fraction of voxels used by MutualInformation.
	// Samples are drawn from a source seeded with Seed.
	SampleFraction float64
	Seed           int64

	// Center is the physical centre of rotation. It defaults to the centre
	// of the fixed volume.
	Center *[3]float64
	// MinOverlap is the smallest fraction of fixed voxels that must map
	// inside the moving volume; below it registration has diverged.
	MinOverlap float64
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		MaxIterations:  100,
		Tolerance:      0.01,
		StepSize:       2,
		Relaxation:     0.5,
		Levels:         []int{1},
		Interpolation:  interpolation.Linear,
		Bins:           32,
		SampleFraction: 1,
		MinOverlap:     0.1,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	if o.StepSize <= 0 {
		o.StepSize = d.StepSize
	}
	if o.Relaxation <= 0 || o.Relaxation >= 1 {
		o.Relaxation = d.Relaxation
	}
	if len(o.Levels) == 0 {
		o.Levels = d.Levels
	}
	if o.Bins < 2 {
		o.Bins = d.Bins
	}
	if o.SampleFraction <= 0 || o.SampleFraction > 1 {
		o.SampleFraction = d.SampleFraction
	}
	if o.MinOverlap <= 0 {
		o.MinOverlap = d.MinOverlap
	}
	return o
}

// defaultScales makes one unit of every parameter move the voxels at
// radius from the centre by about one voxel of the given spacing. Angles
// are in degrees.
func defaultScales(m transform.Model, spacing [3]float64, radius float64) []float64 {
	vox := max(spacing[0], spacing[1], spacing[2])
	radius = max(radius, vox)
	if m == transform.Full {
		s := make([]float64, 12)
		for i := 0; i < 9; i++ {
			s[i] = vox / radius
		}
		s[9], s[10], s[11] = vox, vox, vox
		return s
	}
	deg := vox / radius * 180 / math.Pi
	return []float64{vox, vox, vox, deg, deg, deg}
}
