// Package models describes the acquisition an invocation processes: the
// timepoints, the stores holding their views, and the geometry and optics of
// every view.
package models

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"spimfuse/pkg/errs"
	"spimfuse/pkg/pipeline"
	"spimfuse/pkg/psf"
	"spimfuse/pkg/sched"
	"spimfuse/pkg/store"
	"spimfuse/pkg/transform"
	"spimfuse/pkg/volume"
)

// Manifest lists the timepoints of an acquisition.
type Manifest struct {
	Timepoints []Timepoint `yaml:"timepoints"`

	// dir resolves relative store paths.
	dir string
}

// Timepoint is one entry of the manifest.
type Timepoint struct {
	Index int    `yaml:"index"`
	Views []View `yaml:"views"`
}

// View describes one view of a timepoint.
type View struct {
	Name string `yaml:"name"`

	// Store is the directory store holding the view.
	Store string `yaml:"store"`

	// Spacing overrides the voxel spacing recorded in the store.
	Spacing []float64 `yaml:"spacing,omitempty"`

	// Nominal is the 4x4 (or 3x4) matrix taking view coordinates to the
	// world frame. It defaults to the identity.
	Nominal [][]float64 `yaml:"nominal,omitempty"`

	PSF PSF `yaml:"psf"`
}

// PSF selects the point spread function of a view.
type PSF struct {
	// Kind is gaussian, bessel, measured or delta.
	Kind   string     `yaml:"kind"`
	Optics psf.Optics `yaml:"optics"`

	// Store is the directory store of a measured bead image.
	Store      string  `yaml:"store,omitempty"`
	Background float64 `yaml:"background,omitempty"`
}

// LoadManifest reads a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// ParseManifest decodes a manifest and checks that it is complete.
// Relative paths resolve against the working directory.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the structure of the manifest without opening stores.
func (m *Manifest) Validate() error {
	const op = "models.Manifest"
	if len(m.Timepoints) == 0 {
		return errs.Configuration(op, "no timepoints")
	}
	seen := make(map[int]bool)
	for _, tp := range m.Timepoints {
		if seen[tp.Index] {
			return errs.Configuration(op, "duplicate timepoint %d", tp.Index)
		}
		seen[tp.Index] = true
		if len(tp.Views) < 2 {
			return errs.Configuration(op, "timepoint %d has %d views, need at least 2", tp.Index, len(tp.Views))
		}
		for _, v := range tp.Views {
			if v.Name == "" || v.Store == "" {
				return errs.Configuration(op, "timepoint %d: every view needs a name and a store", tp.Index)
			}
			if v.Spacing != nil && len(v.Spacing) != 3 {
				return errs.Configuration(op, "view %s: spacing needs 3 values", v.Name)
			}
			if _, err := v.nominal(); err != nil {
				return err
			}
			switch strings.ToLower(v.PSF.Kind) {
			case "", "delta", "gaussian", "bessel":
			case "measured":
				if v.PSF.Store == "" {
					return errs.Configuration(op, "view %s: measured PSF needs a store", v.Name)
				}
			default:
				return errs.Configuration(op, "view %s: unknown PSF kind %q", v.Name, v.PSF.Kind)
			}
		}
	}
	return nil
}

func (v View) nominal() (transform.Affine, error) {
	if len(v.Nominal) == 0 {
		return transform.Identity(), nil
	}
	if len(v.Nominal) != 3 && len(v.Nominal) != 4 {
		return transform.Affine{}, errs.Configuration("models.View", "view %s: nominal needs 3 or 4 rows", v.Name)
	}
	rows := transform.Identity().Rows()
	for i, r := range v.Nominal {
		if len(r) != 4 {
			return transform.Affine{}, errs.Configuration("models.View", "view %s: nominal rows need 4 values", v.Name)
		}
		copy(rows[i][:], r)
	}
	return transform.FromRows(rows)
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) || m.dir == "" {
		return p
	}
	return filepath.Join(m.dir, p)
}

// Open opens the stores of every view and returns the pipeline
// timepoints. Views are rechunked to chunk unless chunk is the zero shape.
// ex computes measured PSFs, which are read whole.
func (m *Manifest) Open(ctx context.Context, ex sched.Scheduler, chunk volume.Shape) ([]pipeline.Timepoint, error) {
	out := make([]pipeline.Timepoint, 0, len(m.Timepoints))
	for _, tp := range m.Timepoints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ptp := pipeline.Timepoint{Index: tp.Index}
		for _, v := range tp.Views {
			pv, err := m.openView(ctx, ex, v, chunk)
			if err != nil {
				return nil, fmt.Errorf("timepoint %d view %s: %w", tp.Index, v.Name, err)
			}
			ptp.Views = append(ptp.Views, pv)
		}
		out = append(out, ptp)
	}
	return out, nil
}

func (m *Manifest) openView(ctx context.Context, ex sched.Scheduler, v View, chunk volume.Shape) (pipeline.View, error) {
	d, err := store.OpenDir(m.resolve(v.Store))
	if err != nil {
		return pipeline.View{}, err
	}
	vol, err := volume.FromReader(v.Name, d)
	if err != nil {
		return pipeline.View{}, err
	}
	if v.Spacing != nil {
		vol = vol.WithGeometry([3]float64{v.Spacing[0], v.Spacing[1], v.Spacing[2]}, vol.Origin())
	}
	if chunk.Valid() {
		if vol, err = vol.Rechunk(chunk); err != nil {
			return pipeline.View{}, err
		}
	}
	nominal, err := v.nominal()
	if err != nil {
		return pipeline.View{}, err
	}
	model, err := m.psfOf(ctx, ex, v, vol.Spacing())
	if err != nil {
		return pipeline.View{}, fmt.Errorf("failed to build PSF: %w", err)
	}
	return pipeline.View{Name: v.Name, Volume: vol, Nominal: nominal, PSF: model}, nil
}

func (m *Manifest) psfOf(ctx context.Context, ex sched.Scheduler, v View, spacing [3]float64) (*psf.Model, error) {
	switch strings.ToLower(v.PSF.Kind) {
	case "gaussian":
		return psf.Gaussian(v.PSF.Optics, spacing)
	case "bessel":
		return psf.Bessel(v.PSF.Optics, spacing)
	case "measured":
		d, err := store.OpenDir(m.resolve(v.PSF.Store))
		if err != nil {
			return nil, err
		}
		bead, err := volume.FromReader(v.Name+"/psf", d)
		if err != nil {
			return nil, err
		}
		a, err := bead.ComputeAll(ctx, ex)
		if err != nil {
			return nil, err
		}
		return psf.Measured(a, v.PSF.Background)
	}
	return psf.Delta(), nil
}
