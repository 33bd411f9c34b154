// Package config provides configuration loading and management for spimfuse.
// It loads YAML, TOML or HCL files, fills in default values and converts
// the result into the options of the library packages.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"spimfuse/pkg/errs"
	"spimfuse/pkg/fusion"
	"spimfuse/pkg/interpolation"
	"spimfuse/pkg/pipeline"
	"spimfuse/pkg/registration"
	"spimfuse/pkg/transform"
	"spimfuse/pkg/volume"
)

// Config represents the application configuration.
type Config struct {
	Execution     Execution     `yaml:"execution" toml:"execution"`
	Chunking      Chunking      `yaml:"chunking" toml:"chunking"`
	Registration  Registration  `yaml:"registration" toml:"registration"`
	Deconvolution Deconvolution `yaml:"deconvolution" toml:"deconvolution"`
	Output        Output        `yaml:"output" toml:"output"`
}

// Execution controls parallelism and logging.
type Execution struct {
	// Workers is the number of chunk tasks run at once.
	Workers int `yaml:"workers" toml:"workers"`

	// Timepoints is the number of timepoints processed at once.
	Timepoints int `yaml:"timepoints" toml:"timepoints"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel" toml:"log_level"`

	// LogFormat is text or json.
	LogFormat string `yaml:"logFormat" toml:"log_format"`
}

// Chunking controls how input volumes are tiled.
type Chunking struct {
	// Chunk is the chunk shape (z, y, x) used when a view is rechunked.
	Chunk []int `yaml:"chunk" toml:"chunk"`
}

// Registration parameters
type Registration struct {
	// Skip fuses with the nominal transforms only.
	Skip bool `yaml:"skip" toml:"skip"`

	Cost      string `yaml:"cost" toml:"cost"`
	Optimizer string `yaml:"optimizer" toml:"optimizer"`
	Model     string `yaml:"model" toml:"model"`

	MaxIterations int     `yaml:"maxIterations" toml:"max_iterations"`
	Tolerance     float64 `yaml:"tolerance" toml:"tolerance"`
	StepSize      float64 `yaml:"stepSize" toml:"step_size"`

	// Levels are the pyramid shrink factors, coarsest first.
	Levels []int `yaml:"levels" toml:"levels"`

	Interpolation  string  `yaml:"interpolation" toml:"interpolation"`
	Bins           int     `yaml:"bins" toml:"bins"`
	SampleFraction float64 `yaml:"sampleFraction" toml:"sample_fraction"`
	Seed           int64   `yaml:"seed" toml:"seed"`
	MinOverlap     float64 `yaml:"minOverlap" toml:"min_overlap"`
}

// Deconvolution parameters
type Deconvolution struct {
	// Method is deconvolve, blend-max or blend-mean.
	Method     string `yaml:"method" toml:"method"`
	Iterations int    `yaml:"iterations" toml:"iterations"`

	// Regularizer is none or tv.
	Regularizer string  `yaml:"regularizer" toml:"regularizer"`
	Lambda      float64 `yaml:"lambda" toml:"lambda"`

	// Combine is arithmetic or geometric.
	Combine string  `yaml:"combine" toml:"combine"`
	Epsilon float64 `yaml:"epsilon" toml:"epsilon"`

	// ScratchDir spills the per-iteration estimates to disk when set.
	ScratchDir string `yaml:"scratchDir" toml:"scratch_dir"`
}

// Output parameters
type Output struct {
	// DType of the fused volume: float32, float64 or uint16.
	DType string `yaml:"dtype" toml:"dtype"`

	// Compression of directory stores: none or zstd.
	Compression string `yaml:"compression" toml:"compression"`

	// Interpolation used to resample views into the reference frame.
	Interpolation string `yaml:"interpolation" toml:"interpolation"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Execution.Workers = runtime.NumCPU()
	cfg.Execution.Timepoints = 1
	cfg.Execution.LogLevel = "info"
	cfg.Execution.LogFormat = "text"

	cfg.Chunking.Chunk = []int{64, 128, 128}

	ro := registration.DefaultOptions()
	cfg.Registration.Cost = ro.Cost.String()
	cfg.Registration.Optimizer = ro.Optimizer.String()
	cfg.Registration.Model = transform.Rigid.String()
	cfg.Registration.MaxIterations = ro.MaxIterations
	cfg.Registration.Tolerance = ro.Tolerance
	cfg.Registration.StepSize = ro.StepSize
	cfg.Registration.Levels = []int{4, 2, 1}
	cfg.Registration.Interpolation = interpolation.Linear.String()
	cfg.Registration.Bins = ro.Bins
	cfg.Registration.SampleFraction = ro.SampleFraction
	cfg.Registration.MinOverlap = ro.MinOverlap

	cfg.Deconvolution.Method = pipeline.Deconvolve.String()
	cfg.Deconvolution.Iterations = 10
	cfg.Deconvolution.Regularizer = "none"
	cfg.Deconvolution.Combine = fusion.Arithmetic.String()
	cfg.Deconvolution.Epsilon = fusion.DefaultEpsilon

	cfg.Output.DType = string(volume.Float32)
	cfg.Output.Compression = "none"
	cfg.Output.Interpolation = interpolation.Linear.String()

	return cfg
}

// LoadConfig loads configuration from a YAML, TOML or HCL file, chosen by
// extension. If the file doesn't exist, it returns the default
// configuration. The result is validated.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	case ".toml":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, errs.Configuration("config.LoadConfig", "unknown keys %v", undecoded)
		}
	case ".hcl":
		if err := decodeHCL(configPath, data, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, errs.Configuration("config.LoadConfig", "unsupported config format %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration as YAML, or TOML for a .toml path.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	case ".hcl":
		return errs.Configuration("config.SaveConfig", "saving HCL is not supported")
	default:
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
