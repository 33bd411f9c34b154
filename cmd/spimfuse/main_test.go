package main

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spimfuse/pkg/config"
	"spimfuse/pkg/sched"
	"spimfuse/pkg/store"
	"spimfuse/pkg/volume"
)

func writeView(t *testing.T, dir string, shift float64) {
	t.Helper()
	shape := volume.Shape{16, 16, 16}
	a := volume.NewArray(shape)
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				dz, dy, dx := float64(z)-7-shift, float64(y)-8, float64(x)-8
				a.Set(z, y, x, 1000*math.Exp(-(dz*dz+dy*dy+dx*dx)/10))
			}
		}
	}
	chunk := volume.Shape{8, 8, 8}
	v := volume.MustFromArray(a, chunk)
	d, err := store.CreateDir(dir, store.Meta{Shape: shape, Chunk: chunk, DType: volume.Float32, Spacing: a.Spacing}, store.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, v.Persist(context.Background(), sched.NewLocal(1), d))
}

const testConfig = `
execution:
  workers: 2
  logLevel: warn
chunking:
  chunk: [8, 8, 8]
registration:
  levels: [1]
  maxIterations: 3
deconvolution:
  iterations: 2
output:
  compression: zstd
`

const testManifest = `
timepoints:
  - index: 0
    views:
      - {name: left, store: views/left, psf: {kind: delta}}
      - {name: right, store: views/right, psf: {kind: delta}}
`

func TestRunFusesManifest(t *testing.T) {
	root := t.TempDir()
	writeView(t, filepath.Join(root, "views", "left"), 0)
	writeView(t, filepath.Join(root, "views", "right"), 1)
	cfgPath := filepath.Join(root, "spimfuse.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfig), 0o644))
	manifestPath := filepath.Join(root, "manifest.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(testManifest), 0o644))

	out := filepath.Join(root, "fused")
	report := filepath.Join(root, "report.html")
	preview := filepath.Join(root, "preview")
	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-config", cfgPath,
		"-manifest", manifestPath,
		"-output", out,
		"-report", report,
		"-preview", preview,
	}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	assert.Contains(t, stdout.String(), "TIMEPOINT")
	for _, p := range []string{
		filepath.Join(out, "t0000", "provenance.json"),
		report,
		filepath.Join(preview, "t0000_mip_z.tif"),
		filepath.Join(preview, "t0000_mip_y.tif"),
	} {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}

	fused, err := store.OpenDir(filepath.Join(out, "t0000"))
	require.NoError(t, err)
	assert.Equal(t, volume.Shape{16, 16, 16}, fused.Meta().Shape)
}

func TestRunMissingManifest(t *testing.T) {
	root := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-config", filepath.Join(root, "absent.yaml"),
		"-manifest", filepath.Join(root, "absent-manifest.yaml"),
		"-output", filepath.Join(root, "out"),
	}, &stdout, &stderr)
	assert.Equal(t, 1, code)
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run(nil, &stdout, &stderr))
	assert.Equal(t, 2, run([]string{"-no-such-flag"}, &stdout, &stderr))
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "spimfuse.toml")
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"-config", path, "-init-config"}, &stdout, &stderr))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}
