// Package pipeline runs registration and fusion over the timepoints of a
// multi-view acquisition.
//
// For every timepoint the orchestrator performs these steps:
//  1. Validate the views (spacing, PSFs, nominal transforms)
//  2. Register every other view onto the first one, starting from the
//     nominal transforms of the acquisition geometry
//  3. Resample the registered views into the grid of the first view and
//     carry their PSFs into that frame
//  4. Fuse by joint deconvolution or blending
//  5. Persist the fused volume and its provenance through the Sink
//
// Timepoints are independent. A failure in one of them is recorded in the
// outcome table and never stops its siblings.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"spimfuse/internal/ctxlog"
	"spimfuse/pkg/errs"
	"spimfuse/pkg/fusion"
	"spimfuse/pkg/interpolation"
	"spimfuse/pkg/metrics"
	"spimfuse/pkg/psf"
	"spimfuse/pkg/registration"
	"spimfuse/pkg/sched"
	"spimfuse/pkg/store"
	"spimfuse/pkg/transform"
	"spimfuse/pkg/volume"
)

// View is one acquisition of a timepoint.
type View struct {
	Name   string
	Volume *volume.Volume
	// Nominal maps physical points of the view into the common world frame
	// of the acquisition, as given by the microscope geometry.
	Nominal transform.Affine
	// PSF is the point spread function in the frame of the view. A nil PSF
	// is treated as a delta.
	PSF *psf.Model
}

// Timepoint is the set of views acquired at one time. The first view is
// the reference frame of the fused volume.
type Timepoint struct {
	Index int
	Views []View
}

// Method selects how registered views are fused.
type Method int

const (
	// Deconvolve runs joint Richardson-Lucy deconvolution.
	Deconvolve Method = iota
	// BlendMax keeps the brightest view at every voxel.
	BlendMax
	// BlendMean averages the views that cover a voxel.
	BlendMean
)

func (m Method) String() string {
	switch m {
	case BlendMax:
		return "blend-max"
	case BlendMean:
		return "blend-mean"
	}
	return "deconvolve"
}

// ParseMethod parses a fusion method name.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "deconvolve", "deconvolution", "rl":
		return Deconvolve, nil
	case "blend-max", "max":
		return BlendMax, nil
	case "blend-mean", "mean":
		return BlendMean, nil
	}
	return 0, fmt.Errorf("unknown fusion method %q", s)
}

// Options configures the orchestrator.
type Options struct {
	// Workers bounds the number of timepoints processed at once. Chunk
	// parallelism inside a timepoint is governed by the scheduler.
	Workers int

	Registration registration.Options
	// SkipRegistration fuses with the nominal transforms only.
	SkipRegistration bool

	// Interpolation is the kernel used to resample views into the
	// reference frame.
	Interpolation interpolation.Mode

	Method Method
	Fusion fusion.Options
}

// FusionResult is the fused volume of one timepoint. Volume reads the
// persisted data when the sink can be read back.
type FusionResult struct {
	Volume     *volume.Volume
	Provenance Provenance
}

// Orchestrator runs timepoints against a scheduler and a sink.
type Orchestrator struct {
	ex   sched.Scheduler
	sink Sink
	opts Options
}

// New creates an orchestrator. A nil sink keeps results in memory.
func New(ex sched.Scheduler, sink Sink, opts Options) *Orchestrator {
	if sink == nil {
		sink = NewMemorySink()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Orchestrator{ex: ex, sink: sink, opts: opts}
}

// Sink returns the sink results are written to.
func (o *Orchestrator) Sink() Sink { return o.sink }

// RunTimepoint registers, fuses and persists one timepoint.
func (o *Orchestrator) RunTimepoint(ctx context.Context, tp Timepoint) (*FusionResult, error) {
	const op = "pipeline.RunTimepoint"
	log := ctxlog.FromContext(ctx).With("timepoint", tp.Index)
	ctx = ctxlog.WithLogger(ctx, log)
	started := time.Now()

	// Step 1: validate the views
	if err := validateViews(op, tp); err != nil {
		return nil, err
	}
	ref := tp.Views[0]
	prov := Provenance{
		RunID:     uuid.New(),
		Timepoint: tp.Index,
		Method:    o.opts.Method.String(),
		Started:   started,
	}
	prov.Views = append(prov.Views, viewRecord(ref, transform.Identity(), nil, nil))

	// Steps 2 and 3: register and resample into the reference frame
	geom := transform.GeometryOf(ref.Volume)
	inputs := []fusion.Input{{Name: ref.Name, Volume: ref.Volume, PSF: psfOrDelta(ref.PSF)}}
	for _, v := range tp.Views[1:] {
		in, rec, err := o.align(ctx, ref, v, geom)
		if err != nil {
			return nil, fmt.Errorf("view %s: %w", v.Name, err)
		}
		inputs = append(inputs, in)
		prov.Views = append(prov.Views, rec)
	}

	// Step 4: fuse
	var fused *volume.Volume
	var err error
	switch o.opts.Method {
	case BlendMax, BlendMean:
		mode := fusion.BlendMax
		if o.opts.Method == BlendMean {
			mode = fusion.BlendMean
		}
		vols := make([]*volume.Volume, len(inputs))
		for i, in := range inputs {
			vols[i] = in.Volume
		}
		fused, err = fusion.Blend(vols, mode)
	default:
		fused, err = fusion.Fuse(ctx, o.ex, inputs, o.opts.Fusion)
		prov.Iterations = o.opts.Fusion.Iterations
		prov.Regularizer = regularizerName(o.opts.Fusion.Regularizer)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fuse: %w", err)
	}

	// Step 5: persist
	meta := store.Meta{
		Shape:   fused.Shape(),
		Chunk:   fused.ChunkShape(),
		Spacing: fused.Spacing(),
		Origin:  fused.Origin(),
	}
	w, err := o.sink.Writer(ctx, tp.Index, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to open output store: %w", err)
	}
	if err := fused.Persist(ctx, o.ex, w); err != nil {
		return nil, fmt.Errorf("failed to persist fused volume: %w", err)
	}
	if r, ok := w.(store.Reader); ok {
		if fused, err = volume.FromReader(fmt.Sprintf("fused/%d", tp.Index), r); err != nil {
			return nil, err
		}
	}
	prov.Status = StatusSucceeded
	prov.Finished = time.Now()
	if err := o.sink.Record(ctx, prov); err != nil {
		return nil, fmt.Errorf("failed to record provenance: %w", err)
	}
	log.Info("timepoint fused", "views", len(tp.Views), "method", prov.Method,
		"elapsed", prov.Finished.Sub(started))
	return &FusionResult{Volume: fused, Provenance: prov}, nil
}

// align registers v onto ref and resamples it into geom.
func (o *Orchestrator) align(ctx context.Context, ref, v View, geom transform.Geometry) (fusion.Input, ViewRecord, error) {
	const op = "pipeline.RunTimepoint"
	inv, err := v.Nominal.Invert()
	if err != nil {
		return fusion.Input{}, ViewRecord{}, fmt.Errorf("nominal transform: %w", err)
	}
	// fixed physical -> world -> moving physical
	initial := transform.Chain{ref.Nominal, inv}.Collapse()
	if c := initial.Condition(); c > transform.MaxCondition {
		return fusion.Input{}, ViewRecord{}, errs.Numerical(op, map[string]any{"condition": c}, "initial transform is ill-conditioned")
	}

	t := initial
	var summary *RegistrationSummary
	if !o.opts.SkipRegistration {
		res, err := registration.Register(ctx, o.ex, ref.Volume, v.Volume, initial, o.opts.Registration)
		if err != nil {
			return fusion.Input{}, ViewRecord{}, fmt.Errorf("failed to register: %w", err)
		}
		summary = summarize(res)
		if res.State == registration.Diverged {
			ctxlog.FromContext(ctx).Warn("registration diverged, using nominal transform", "view", v.Name)
		} else {
			t = res.Transform
		}
	}

	resampled, err := transform.Resample(v.Volume, t, transform.Options{Mode: o.opts.Interpolation, Output: &geom})
	if err != nil {
		return fusion.Input{}, ViewRecord{}, fmt.Errorf("failed to resample: %w", err)
	}
	p, err := psfOrDelta(v.PSF).Transformed(t)
	if err != nil {
		return fusion.Input{}, ViewRecord{}, fmt.Errorf("failed to transform PSF: %w", err)
	}

	agreement, err := agreementOf(ctx, o.ex, ref.Volume, resampled)
	if err != nil {
		return fusion.Input{}, ViewRecord{}, err
	}
	return fusion.Input{Name: v.Name, Volume: resampled, PSF: p}, viewRecord(v, t, summary, &agreement), nil
}

func validateViews(op string, tp Timepoint) error {
	if len(tp.Views) < 2 {
		return errs.Configuration(op, "timepoint %d has %d views, need at least 2", tp.Index, len(tp.Views))
	}
	ref := tp.Views[0]
	for _, v := range tp.Views {
		if v.Volume == nil {
			return errs.Configuration(op, "view %s has no volume", v.Name)
		}
		if v.Volume.Spacing() != ref.Volume.Spacing() {
			return errs.Configuration(op, "view %s spacing %v differs from %s spacing %v",
				v.Name, v.Volume.Spacing(), ref.Name, ref.Volume.Spacing())
		}
	}
	return nil
}

func psfOrDelta(m *psf.Model) *psf.Model {
	if m == nil {
		return psf.Delta()
	}
	return m
}

func regularizerName(r fusion.Regularizer) string {
	if r == nil {
		return fusion.None{}.Name()
	}
	return r.Name()
}

// previewExtent bounds the size of the volumes compared for the
// registration agreement.
const previewExtent = 64

// agreementOf compares two aligned volumes on a shrunken copy small enough
// to hold in memory.
func agreementOf(ctx context.Context, ex sched.Scheduler, a, b *volume.Volume) (metrics.Agreement, error) {
	var f [3]int
	for d := 0; d < 3; d++ {
		f[d] = max(1, (a.Shape()[d]+previewExtent-1)/previewExtent)
	}
	sa, err := a.Downsample(f)
	if err != nil {
		return metrics.Agreement{}, err
	}
	sb, err := b.Downsample(f)
	if err != nil {
		return metrics.Agreement{}, err
	}
	aa, err := sa.ComputeAll(ctx, ex)
	if err != nil {
		return metrics.Agreement{}, fmt.Errorf("failed to compute agreement: %w", err)
	}
	ab, err := sb.ComputeAll(ctx, ex)
	if err != nil {
		return metrics.Agreement{}, fmt.Errorf("failed to compute agreement: %w", err)
	}
	return metrics.Compare(aa.Data, ab.Data), nil
}
