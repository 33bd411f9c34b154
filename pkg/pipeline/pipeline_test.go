package pipeline

import (
	"bytes"
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spimfuse/pkg/errs"
	"spimfuse/pkg/fusion"
	"spimfuse/pkg/psf"
	"spimfuse/pkg/registration"
	"spimfuse/pkg/sched"
	"spimfuse/pkg/store"
	"spimfuse/pkg/transform"
	"spimfuse/pkg/volume"
)

var (
	shape = volume.Shape{16, 16, 16}
	chunk = volume.Shape{8, 8, 8}
)

// blobs renders two Gaussian blobs, shifted by offset voxels.
func blobs(offset [3]float64) *volume.Volume {
	a := volume.NewArray(shape)
	centres := [][3]float64{{6, 7, 8}, {10, 9, 6}}
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				v := 0.0
				for i, c := range centres {
					dz := float64(z) - c[0] - offset[0]
					dy := float64(y) - c[1] - offset[1]
					dx := float64(x) - c[2] - offset[2]
					v += float64(100*(i+1)) * math.Exp(-(dz*dz+dy*dy+dx*dx)/8)
				}
				a.Set(z, y, x, v)
			}
		}
	}
	return volume.MustFromArray(a, chunk)
}

func gaussianPSF(t *testing.T) *psf.Model {
	t.Helper()
	m, err := psf.Gaussian(psf.Optics{SigmaXY: 0.8, SigmaZ: 1}, volume.UnitSpacing)
	require.NoError(t, err)
	return m
}

func timepoint(t *testing.T, index int, nominal transform.Affine) Timepoint {
	return Timepoint{Index: index, Views: []View{
		{Name: "a", Volume: blobs([3]float64{}), Nominal: transform.Identity(), PSF: gaussianPSF(t)},
		{Name: "b", Volume: blobs([3]float64{1, 0, -1}), Nominal: nominal, PSF: gaussianPSF(t)},
	}}
}

func testOptions() Options {
	return Options{
		Workers:      3,
		Registration: registration.Options{MaxIterations: 5},
		Fusion:       fusion.Options{Iterations: 2},
	}
}

func TestBatchPartialFailure(t *testing.T) {
	sink := NewMemorySink()
	o := New(sched.NewLocal(4), sink, testOptions())
	tps := []Timepoint{
		timepoint(t, 0, transform.Identity()),
		timepoint(t, 1, transform.Scaling([3]float64{0, 1, 1})),
		timepoint(t, 2, transform.Identity()),
	}

	outcomes, err := o.RunBatch(context.Background(), tps)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrPartialPipelineFailure)
	assert.Equal(t, errs.KindPartialPipelineFailure, errs.KindOf(err))
	// The cause of each failed timepoint stays reachable.
	assert.ErrorIs(t, err, errs.ErrNumerical)
	assert.ErrorContains(t, err, "timepoint 1: ")
	assert.NotContains(t, err.Error(), "timepoint 0: ")
	require.Len(t, outcomes, 3)

	for _, i := range []int{0, 2} {
		out := outcomes[i]
		require.True(t, out.OK(), "timepoint %d: %v", i, out.Err)
		require.NotNil(t, out.Result)
		assert.Equal(t, shape, out.Result.Volume.Shape())
		assert.Len(t, out.Result.Provenance.Views, 2)
		_, ok := sink.Store(i)
		assert.True(t, ok)
	}
	failed := outcomes[1]
	assert.False(t, failed.OK())
	assert.Equal(t, errs.KindNumerical, failed.Kind)
	assert.Nil(t, failed.Result)

	records := sink.Records()
	require.Len(t, records, 3)
	assert.Equal(t, StatusSucceeded, records[0].Status)
	assert.Equal(t, StatusFailed, records[1].Status)
	assert.NotEmpty(t, records[1].Error)
	assert.Equal(t, StatusSucceeded, records[2].Status)
	assert.NotEqual(t, records[0].RunID, records[2].RunID)

	var buf bytes.Buffer
	require.NoError(t, Report(&buf, outcomes))
	report := buf.String()
	assert.Contains(t, report, "NumericalError")
	assert.Contains(t, report, "failed")
	assert.Equal(t, 4, bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestBatchAllSucceed(t *testing.T) {
	opts := testOptions()
	opts.SkipRegistration = true
	opts.Method = BlendMax
	o := New(sched.NewLocal(2), nil, opts)
	outcomes, err := o.RunBatch(context.Background(), []Timepoint{
		timepoint(t, 0, transform.Identity()),
		timepoint(t, 1, transform.Identity()),
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, out := range outcomes {
		assert.True(t, out.OK())
	}
}

func TestRunTimepointFusedIsNonNegative(t *testing.T) {
	o := New(sched.NewLocal(2), nil, testOptions())
	res, err := o.RunTimepoint(context.Background(), timepoint(t, 0, transform.Identity()))
	require.NoError(t, err)

	a, err := res.Volume.ComputeAll(context.Background(), sched.NewLocal(2))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, a.Min(), 0.0)
	assert.Greater(t, a.Max(), 0.0)

	rec := res.Provenance.Views[1]
	require.NotNil(t, rec.Registration)
	require.NotNil(t, rec.Agreement)
	assert.Equal(t, 2, res.Provenance.Iterations)
	assert.Equal(t, "none", res.Provenance.Regularizer)
	assert.False(t, res.Provenance.Finished.Before(res.Provenance.Started))
}

func TestBlendMethods(t *testing.T) {
	for _, m := range []Method{BlendMax, BlendMean} {
		opts := testOptions()
		opts.Method = m
		opts.SkipRegistration = true
		o := New(sched.NewLocal(2), nil, opts)
		res, err := o.RunTimepoint(context.Background(), timepoint(t, 3, transform.Identity()))
		require.NoError(t, err, m.String())
		assert.Equal(t, m.String(), res.Provenance.Method)
		assert.Nil(t, res.Provenance.Views[1].Registration)
	}
}

func TestValidation(t *testing.T) {
	o := New(sched.NewLocal(1), nil, testOptions())
	ctx := context.Background()

	one := timepoint(t, 0, transform.Identity())
	one.Views = one.Views[:1]
	_, err := o.RunTimepoint(ctx, one)
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	tp := timepoint(t, 0, transform.Identity())
	tp.Views[1].Volume = tp.Views[1].Volume.WithGeometry([3]float64{2, 1, 1}, [3]float64{})
	_, err = o.RunTimepoint(ctx, tp)
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	_, err = o.RunBatch(ctx, []Timepoint{timepoint(t, 1, transform.Identity()), timepoint(t, 1, transform.Identity())})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestProvenanceRecordsTransformParts(t *testing.T) {
	opts := testOptions()
	opts.SkipRegistration = true
	opts.Method = BlendMean
	sink := &DirSink{Root: t.TempDir(), DType: volume.Float32}
	o := New(sched.NewLocal(2), sink, opts)

	_, err := o.RunTimepoint(context.Background(), timepoint(t, 4, transform.Translation([3]float64{1, 0, -1})))
	require.NoError(t, err)
	p, err := sink.ReadProvenance(4)
	require.NoError(t, err)
	require.Len(t, p.Views, 2)

	ref := p.Views[0].Parts
	require.NotNil(t, ref)
	assert.Equal(t, [3]float64{1, 1, 1}, ref.Zoom)
	assert.Equal(t, [3]float64{}, ref.Translation)

	parts := p.Views[1].Parts
	require.NotNil(t, parts)
	assert.InDeltaSlice(t, []float64{-1, 0, 1}, parts.Translation[:], 1e-12)
	assert.InDeltaSlice(t, []float64{1, 1, 1}, parts.Zoom[:], 1e-12)
	assert.InDeltaSlice(t, []float64{0, 0, 0}, parts.Shear[:], 1e-12)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 1, parts.Rotation[i][i], 1e-12)
	}
}

type panicSink struct{ *MemorySink }

func (panicSink) Writer(context.Context, int, store.Meta) (store.Writer, error) {
	panic("disk on fire")
}

func TestPanicBecomesFailure(t *testing.T) {
	opts := testOptions()
	opts.SkipRegistration = true
	opts.Method = BlendMax
	sink := panicSink{NewMemorySink()}
	o := New(sched.NewLocal(1), sink, opts)

	outcomes, err := o.RunBatch(context.Background(), []Timepoint{timepoint(t, 5, transform.Identity())})
	assert.ErrorIs(t, err, errs.ErrPartialPipelineFailure)
	require.Contains(t, outcomes, 5)
	assert.ErrorContains(t, outcomes[5].Err, "disk on fire")
	assert.ErrorContains(t, err, "disk on fire")
	assert.NotContains(t, outcomes[5].Err.Error(), "goroutine")
	assert.Equal(t, errs.KindUnknown, outcomes[5].Kind)
	assert.Len(t, sink.Records(), 1)
}

func TestDirSink(t *testing.T) {
	sink := &DirSink{Root: t.TempDir(), DType: volume.Uint16, Compression: store.CompressionZstd}
	opts := testOptions()
	opts.Method = BlendMean
	o := New(sched.NewLocal(2), sink, opts)

	res, err := o.RunTimepoint(context.Background(), timepoint(t, 7, transform.Identity()))
	require.NoError(t, err)

	d, err := store.OpenDir(filepath.Join(sink.Root, "t0007"))
	require.NoError(t, err)
	assert.Equal(t, volume.Uint16, d.Meta().DType)

	back, err := volume.FromReader("back", d)
	require.NoError(t, err)
	a, err := back.ComputeAll(context.Background(), sched.NewLocal(2))
	require.NoError(t, err)
	for _, v := range a.Data {
		require.Equal(t, math.Round(v), v)
	}

	p, err := sink.ReadProvenance(7)
	require.NoError(t, err)
	assert.Equal(t, res.Provenance.RunID, p.RunID)
	assert.Equal(t, StatusSucceeded, p.Status)
	assert.Equal(t, res.Provenance.Views[1].Transform, p.Views[1].Transform)
}

func TestSQLiteSink(t *testing.T) {
	db, err := store.OpenDB(context.Background(), filepath.Join(t.TempDir(), "out.db"))
	require.NoError(t, err)
	defer db.Close()

	opts := testOptions()
	opts.SkipRegistration = true
	opts.Fusion.Iterations = 1
	o := New(sched.NewLocal(2), &SQLiteSink{DB: db, DType: volume.Float32}, opts)
	outcomes, err := o.RunBatch(context.Background(), []Timepoint{
		timepoint(t, 0, transform.Identity()),
		timepoint(t, 1, transform.Scaling([3]float64{0, 0, 0})),
	})
	assert.ErrorIs(t, err, errs.ErrPartialPipelineFailure)
	assert.True(t, outcomes[0].OK())

	runs, err := db.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "succeeded", runs[0].Status)
	assert.Equal(t, "failed", runs[1].Status)

	tbl, err := db.Open(context.Background(), DatasetName(0))
	require.NoError(t, err)
	assert.Equal(t, shape, tbl.Meta().Shape)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("max")
	require.NoError(t, err)
	assert.Equal(t, BlendMax, m)
	_, err = ParseMethod("median")
	assert.Error(t, err)
}
