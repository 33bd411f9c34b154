package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// hclFile mirrors Config for decoding. Every attribute is optional, so
// absent ones keep their default.
type hclFile struct {
	Execution     *hclExecution     `hcl:"execution,block"`
	Chunking      *hclChunking      `hcl:"chunking,block"`
	Registration  *hclRegistration  `hcl:"registration,block"`
	Deconvolution *hclDeconvolution `hcl:"deconvolution,block"`
	Output        *hclOutput        `hcl:"output,block"`
}

type hclExecution struct {
	Workers    *int    `hcl:"workers,optional"`
	Timepoints *int    `hcl:"timepoints,optional"`
	LogLevel   *string `hcl:"log_level,optional"`
	LogFormat  *string `hcl:"log_format,optional"`
}

type hclChunking struct {
	Chunk []int `hcl:"chunk,optional"`
}

type hclRegistration struct {
	Skip           *bool    `hcl:"skip,optional"`
	Cost           *string  `hcl:"cost,optional"`
	Optimizer      *string  `hcl:"optimizer,optional"`
	Model          *string  `hcl:"model,optional"`
	MaxIterations  *int     `hcl:"max_iterations,optional"`
	Tolerance      *float64 `hcl:"tolerance,optional"`
	StepSize       *float64 `hcl:"step_size,optional"`
	Levels         []int    `hcl:"levels,optional"`
	Interpolation  *string  `hcl:"interpolation,optional"`
	Bins           *int     `hcl:"bins,optional"`
	SampleFraction *float64 `hcl:"sample_fraction,optional"`
	Seed           *int64   `hcl:"seed,optional"`
	MinOverlap     *float64 `hcl:"min_overlap,optional"`
}

type hclDeconvolution struct {
	Method      *string  `hcl:"method,optional"`
	Iterations  *int     `hcl:"iterations,optional"`
	Regularizer *string  `hcl:"regularizer,optional"`
	Lambda      *float64 `hcl:"lambda,optional"`
	Combine     *string  `hcl:"combine,optional"`
	Epsilon     *float64 `hcl:"epsilon,optional"`
	ScratchDir  *string  `hcl:"scratch_dir,optional"`
}

type hclOutput struct {
	DType         *string `hcl:"dtype,optional"`
	Compression   *string `hcl:"compression,optional"`
	Interpolation *string `hcl:"interpolation,optional"`
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func decodeHCL(path string, data []byte, cfg *Config) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	var raw hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	if e := raw.Execution; e != nil {
		set(&cfg.Execution.Workers, e.Workers)
		set(&cfg.Execution.Timepoints, e.Timepoints)
		set(&cfg.Execution.LogLevel, e.LogLevel)
		set(&cfg.Execution.LogFormat, e.LogFormat)
	}
	if c := raw.Chunking; c != nil && c.Chunk != nil {
		cfg.Chunking.Chunk = c.Chunk
	}
	if r := raw.Registration; r != nil {
		reg := &cfg.Registration
		set(&reg.Skip, r.Skip)
		set(&reg.Cost, r.Cost)
		set(&reg.Optimizer, r.Optimizer)
		set(&reg.Model, r.Model)
		set(&reg.MaxIterations, r.MaxIterations)
		set(&reg.Tolerance, r.Tolerance)
		set(&reg.StepSize, r.StepSize)
		if r.Levels != nil {
			reg.Levels = r.Levels
		}
		set(&reg.Interpolation, r.Interpolation)
		set(&reg.Bins, r.Bins)
		set(&reg.SampleFraction, r.SampleFraction)
		set(&reg.Seed, r.Seed)
		set(&reg.MinOverlap, r.MinOverlap)
	}
	if d := raw.Deconvolution; d != nil {
		dec := &cfg.Deconvolution
		set(&dec.Method, d.Method)
		set(&dec.Iterations, d.Iterations)
		set(&dec.Regularizer, d.Regularizer)
		set(&dec.Lambda, d.Lambda)
		set(&dec.Combine, d.Combine)
		set(&dec.Epsilon, d.Epsilon)
		set(&dec.ScratchDir, d.ScratchDir)
	}
	if o := raw.Output; o != nil {
		set(&cfg.Output.DType, o.DType)
		set(&cfg.Output.Compression, o.Compression)
		set(&cfg.Output.Interpolation, o.Interpolation)
	}
	return nil
}
