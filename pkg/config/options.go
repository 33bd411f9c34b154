package config

import (
	"log/slog"
	"strings"

	"spimfuse/pkg/errs"
	"spimfuse/pkg/fusion"
	"spimfuse/pkg/interpolation"
	"spimfuse/pkg/pipeline"
	"spimfuse/pkg/registration"
	"spimfuse/pkg/store"
	"spimfuse/pkg/transform"
	"spimfuse/pkg/volume"
)

const validateOp = "config.Validate"

// Validate checks every value and reports the first bad one as a
// ConfigurationError.
func (c *Config) Validate() error {
	if c.Execution.Workers < 0 {
		return errs.Configuration(validateOp, "execution.workers must not be negative, got %d", c.Execution.Workers)
	}
	if c.Execution.Timepoints < 0 {
		return errs.Configuration(validateOp, "execution.timepoints must not be negative, got %d", c.Execution.Timepoints)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Execution.LogFormat) {
	case "", "text", "json":
	default:
		return errs.Configuration(validateOp, "unknown log format %q", c.Execution.LogFormat)
	}
	if _, err := c.ChunkShape(); err != nil {
		return err
	}
	if _, err := c.RegistrationOptions(); err != nil {
		return err
	}
	if _, err := c.FusionOptions(); err != nil {
		return err
	}
	if _, err := c.PipelineOptions(); err != nil {
		return err
	}
	if _, err := c.DType(); err != nil {
		return err
	}
	if _, err := c.Compression(); err != nil {
		return err
	}
	return nil
}

// LogLevel returns the slog level of the execution section.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	s := c.Execution.LogLevel
	if s == "" {
		s = "info"
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, errs.Configuration(validateOp, "unknown log level %q", c.Execution.LogLevel)
	}
	return l, nil
}

// ChunkShape returns the configured chunk shape.
func (c *Config) ChunkShape() (volume.Shape, error) {
	ch := c.Chunking.Chunk
	if len(ch) != 3 {
		return volume.Shape{}, errs.Configuration(validateOp, "chunking.chunk needs 3 extents, got %v", ch)
	}
	s := volume.Shape{ch[0], ch[1], ch[2]}
	if !s.Valid() {
		return volume.Shape{}, errs.Configuration(validateOp, "invalid chunk shape %v", ch)
	}
	return s, nil
}

// RegistrationOptions converts the registration section.
func (c *Config) RegistrationOptions() (registration.Options, error) {
	r := c.Registration
	var o registration.Options
	var err error
	if o.Cost, err = registration.ParseCost(r.Cost); err != nil {
		return o, errs.Configuration(validateOp, "registration.cost: %v", err)
	}
	if o.Optimizer, err = registration.ParseOptimizer(r.Optimizer); err != nil {
		return o, errs.Configuration(validateOp, "registration.optimizer: %v", err)
	}
	if o.Model, err = transform.ParseModel(r.Model); err != nil {
		return o, errs.Configuration(validateOp, "registration.model: %v", err)
	}
	if o.Interpolation, err = interpolation.ParseMode(r.Interpolation); err != nil {
		return o, errs.Configuration(validateOp, "registration.interpolation: %v", err)
	}
	if r.MaxIterations < 0 || r.Tolerance < 0 || r.StepSize < 0 || r.Bins < 0 {
		return o, errs.Configuration(validateOp, "registration values must not be negative")
	}
	if r.SampleFraction < 0 || r.SampleFraction > 1 {
		return o, errs.Configuration(validateOp, "registration.sampleFraction %g outside [0, 1]", r.SampleFraction)
	}
	if r.MinOverlap < 0 || r.MinOverlap > 1 {
		return o, errs.Configuration(validateOp, "registration.minOverlap %g outside [0, 1]", r.MinOverlap)
	}
	for _, f := range r.Levels {
		if f < 1 {
			return o, errs.Configuration(validateOp, "registration.levels must be positive, got %v", r.Levels)
		}
	}
	o.MaxIterations = r.MaxIterations
	o.Tolerance = r.Tolerance
	o.StepSize = r.StepSize
	o.Levels = append([]int(nil), r.Levels...)
	o.Bins = r.Bins
	o.SampleFraction = r.SampleFraction
	o.Seed = r.Seed
	o.MinOverlap = r.MinOverlap
	return o, nil
}

// FusionOptions converts the deconvolution section. A scratch directory
// selects disk spilling of the iterations.
func (c *Config) FusionOptions() (fusion.Options, error) {
	d := c.Deconvolution
	var o fusion.Options
	if d.Iterations < 0 {
		return o, errs.Configuration(validateOp, "deconvolution.iterations must not be negative, got %d", d.Iterations)
	}
	if d.Lambda < 0 || d.Epsilon < 0 {
		return o, errs.Configuration(validateOp, "deconvolution values must not be negative")
	}
	comb, err := fusion.ParseCombine(d.Combine)
	if err != nil {
		return o, errs.Configuration(validateOp, "deconvolution.combine: %v", err)
	}
	switch strings.ToLower(d.Regularizer) {
	case "", "none":
		o.Regularizer = fusion.None{}
	case "tv", "total-variation":
		o.Regularizer = fusion.TotalVariation{Lambda: d.Lambda}
	default:
		return o, errs.Configuration(validateOp, "unknown regularizer %q", d.Regularizer)
	}
	o.Iterations = d.Iterations
	o.Epsilon = d.Epsilon
	o.Combine = comb
	if d.ScratchDir != "" {
		comp, err := c.Compression()
		if err != nil {
			return o, err
		}
		o.Scratch = fusion.DirScratch(d.ScratchDir, comp)
	}
	return o, nil
}

// PipelineOptions converts the whole configuration into orchestrator
// options.
func (c *Config) PipelineOptions() (pipeline.Options, error) {
	var o pipeline.Options
	var err error
	if o.Registration, err = c.RegistrationOptions(); err != nil {
		return o, err
	}
	if o.Fusion, err = c.FusionOptions(); err != nil {
		return o, err
	}
	if o.Method, err = pipeline.ParseMethod(strings.ToLower(c.Deconvolution.Method)); err != nil {
		return o, errs.Configuration(validateOp, "deconvolution.method: %v", err)
	}
	if o.Interpolation, err = interpolation.ParseMode(c.Output.Interpolation); err != nil {
		return o, errs.Configuration(validateOp, "output.interpolation: %v", err)
	}
	o.Workers = max(1, c.Execution.Timepoints)
	o.SkipRegistration = c.Registration.Skip
	return o, nil
}

// DType returns the output dtype.
func (c *Config) DType() (volume.DType, error) {
	t, err := volume.ParseDType(c.Output.DType)
	if err != nil {
		return "", errs.Configuration(validateOp, "output.dtype: %v", err)
	}
	return t, nil
}

// Compression returns the directory store codec.
func (c *Config) Compression() (store.Compression, error) {
	switch strings.ToLower(c.Output.Compression) {
	case "", "none":
		return store.CompressionNone, nil
	case "zstd":
		return store.CompressionZstd, nil
	}
	return "", errs.Configuration(validateOp, "unknown compression %q", c.Output.Compression)
}
