package store

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spimfuse/internal/ctxlog"
	"spimfuse/pkg/errs"
	"spimfuse/pkg/sched"
	"spimfuse/pkg/volume"
)

func testVolume(t *testing.T) *volume.Volume {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	a := volume.NewArray(volume.Shape{7, 6, 5})
	for i := range a.Data {
		a.Data[i] = rng.Float64() * 1000
	}
	a.Spacing = [3]float64{2, 0.5, 0.5}
	v, err := volume.FromArray(a, volume.Shape{3, 4, 5})
	require.NoError(t, err)
	return v
}

func metaOf(v *volume.Volume, dtype DType) Meta {
	return Meta{Shape: v.Shape(), Chunk: v.ChunkShape(), DType: dtype, Spacing: v.Spacing(), Origin: v.Origin()}
}

// checkIdempotentPersist persists v into s twice and checks the contents
// read back are the same after each pass and equal to the quantized source.
func checkIdempotentPersist(t *testing.T, v *volume.Volume, s Store) {
	t.Helper()
	ctx := context.Background()
	ex := sched.NewLocal(4)
	src, err := v.ComputeAll(ctx, ex)
	require.NoError(t, err)

	var passes []*volume.Array
	for i := 0; i < 2; i++ {
		require.NoError(t, v.Persist(ctx, ex, s))
		back, err := volume.FromReader("back", s)
		require.NoError(t, err)
		got, err := back.ComputeAll(ctx, ex)
		require.NoError(t, err)
		passes = append(passes, got)
	}
	assert.True(t, passes[0].Equal(passes[1], 0), "second persist changed the stored data")
	for i, x := range src.Data {
		require.Equal(t, Quantize(s.Meta().DType, x), passes[0].Data[i])
	}
	assert.Equal(t, v.Spacing(), passes[0].Spacing)
}

func TestMemoryPersistIsIdempotent(t *testing.T) {
	v := testVolume(t)
	for _, dt := range []DType{volume.Float64, volume.Float32, volume.Uint16} {
		m, err := NewMemory(metaOf(v, dt))
		require.NoError(t, err)
		checkIdempotentPersist(t, v, m)
		assert.Equal(t, v.Grid().NumChunks(), m.Len())
	}
}

func TestDirPersistIsIdempotent(t *testing.T) {
	v := testVolume(t)
	for _, c := range []Compression{CompressionNone, CompressionZstd} {
		root := filepath.Join(t.TempDir(), "vol")
		d, err := CreateDir(root, metaOf(v, volume.Float32), c)
		require.NoError(t, err)
		checkIdempotentPersist(t, v, d)

		reopened, err := OpenDir(root)
		require.NoError(t, err)
		assert.Equal(t, d.Meta(), reopened.Meta())
		data, err := reopened.ReadChunk(context.Background(), volume.ChunkIndex{2, 1, 0})
		require.NoError(t, err)
		assert.Len(t, data, 1*2*5)
	}
}

func TestSQLitePersistIsIdempotent(t *testing.T) {
	v := testVolume(t)
	path := filepath.Join(t.TempDir(), "fused.db")
	db, err := OpenDB(context.Background(), path)
	require.NoError(t, err)

	tbl, err := db.Create(context.Background(), "tp0", metaOf(v, volume.Uint16))
	require.NoError(t, err)
	checkIdempotentPersist(t, v, tbl)
	require.NoError(t, db.Close())

	db, err = OpenDB(context.Background(), path)
	require.NoError(t, err)
	defer db.Close()
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	names, err := db.Datasets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"tp0"}, names)
	reopened, err := db.Open(context.Background(), "tp0")
	require.NoError(t, err)
	assert.Equal(t, tbl.Meta(), reopened.Meta())
}

func TestOpenDBLogsMigrationsToContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := ctxlog.WithLogger(context.Background(), logger)

	db, err := OpenDB(ctx, filepath.Join(t.TempDir(), "logged.db"))
	require.NoError(t, err)
	defer db.Close()
	assert.Contains(t, buf.String(), "[migrate]")
	assert.Contains(t, buf.String(), "level=DEBUG")

	var quiet bytes.Buffer
	ctx = ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&quiet, nil)))
	db2, err := OpenDB(ctx, filepath.Join(t.TempDir(), "quiet.db"))
	require.NoError(t, err)
	defer db2.Close()
	assert.Empty(t, quiet.String())
}

func TestSQLiteRunCatalogue(t *testing.T) {
	db, err := OpenDB(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.RecordRun(ctx, Run{ID: "b", Timepoint: 1, Dataset: "tp1", Status: "failed", CreatedAt: now}))
	require.NoError(t, db.RecordRun(ctx, Run{ID: "a", Timepoint: 0, Dataset: "tp0", Status: "ok",
		Provenance: json.RawMessage(`{"iterations":10}`), CreatedAt: now}))

	runs, err := db.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "a", runs[0].ID)
	assert.JSONEq(t, `{"iterations":10}`, string(runs[0].Provenance))
	assert.JSONEq(t, `{}`, string(runs[1].Provenance))
	assert.True(t, now.Equal(runs[1].CreatedAt))
}

func TestMissingChunk(t *testing.T) {
	v := testVolume(t)
	m, err := NewMemory(metaOf(v, volume.Float64))
	require.NoError(t, err)
	_, err = m.ReadChunk(context.Background(), volume.ChunkIndex{0, 0, 0})
	assert.ErrorIs(t, err, ErrMissingChunk)

	d, err := CreateDir(t.TempDir(), metaOf(v, volume.Float64), CompressionNone)
	require.NoError(t, err)
	_, err = d.ReadChunk(context.Background(), volume.ChunkIndex{0, 0, 0})
	assert.ErrorIs(t, err, ErrMissingChunk)
}

func TestCreateDirDropsStaleChunks(t *testing.T) {
	v := testVolume(t)
	root := t.TempDir()
	ctx := context.Background()
	ex := sched.NewLocal(2)
	require.NoError(t, os.WriteFile(filepath.Join(root, "provenance.json"), []byte("{}"), 0o644))

	d, err := CreateDir(root, metaOf(v, volume.Float32), CompressionNone)
	require.NoError(t, err)
	require.NoError(t, v.Persist(ctx, ex, d))

	// Same layout: the chunks survive.
	d, err = CreateDir(root, metaOf(v, volume.Float32), CompressionNone)
	require.NoError(t, err)
	_, err = d.ReadChunk(ctx, volume.ChunkIndex{0, 0, 0})
	require.NoError(t, err)

	// New chunking: every old chunk file is gone.
	meta := metaOf(v, volume.Float32)
	meta.Chunk = volume.Shape{4, 3, 5}
	d, err = CreateDir(root, meta, CompressionNone)
	require.NoError(t, err)
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{metaFile, "provenance.json"}, names)
	_, err = d.ReadChunk(ctx, volume.ChunkIndex{0, 0, 0})
	assert.ErrorIs(t, err, ErrMissingChunk)

	rechunked, err := v.Rechunk(meta.Chunk)
	require.NoError(t, err)
	require.NoError(t, rechunked.Persist(ctx, ex, d))
	back, err := volume.FromReader("back", d)
	require.NoError(t, err)
	got, err := back.ComputeAll(ctx, ex)
	require.NoError(t, err)
	src, err := v.ComputeAll(ctx, ex)
	require.NoError(t, err)
	for i, x := range src.Data {
		require.Equal(t, Quantize(volume.Float32, x), got.Data[i])
	}

	// Switching compression also clears the chunks.
	require.NoError(t, rechunked.Persist(ctx, ex, d))
	d, err = CreateDir(root, meta, CompressionZstd)
	require.NoError(t, err)
	_, err = d.ReadChunk(ctx, volume.ChunkIndex{0, 0, 0})
	assert.ErrorIs(t, err, ErrMissingChunk)
	_, err = os.Stat(filepath.Join(root, "0.0.0"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteChunkRejectsWrongSize(t *testing.T) {
	v := testVolume(t)
	m, err := NewMemory(metaOf(v, volume.Float64))
	require.NoError(t, err)
	err = m.WriteChunk(context.Background(), volume.ChunkIndex{0, 0, 0}, make([]float64, 3))
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	err = m.WriteChunk(context.Background(), volume.ChunkIndex{5, 0, 0}, make([]float64, 60))
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestPersistRejectsMismatchedStore(t *testing.T) {
	v := testVolume(t)
	meta := metaOf(v, volume.Float64)
	meta.Chunk = volume.Shape{7, 6, 5}
	m, err := NewMemory(meta)
	require.NoError(t, err)
	err = v.Persist(context.Background(), sched.NewLocal(1), m)
	assert.ErrorIs(t, err, errs.ErrAlignment)
}

func TestQuantizeUint16(t *testing.T) {
	assert.Equal(t, 0.0, Quantize(volume.Uint16, -3))
	assert.Equal(t, 0.0, Quantize(volume.Uint16, math.NaN()))
	assert.Equal(t, 3.0, Quantize(volume.Uint16, 2.5))
	assert.Equal(t, 65535.0, Quantize(volume.Uint16, 1e9))
	assert.Equal(t, 1.5, Quantize(volume.Float64, 1.5))
}
