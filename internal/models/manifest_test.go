package models

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spimfuse/pkg/errs"
	"spimfuse/pkg/sched"
	"spimfuse/pkg/store"
	"spimfuse/pkg/transform"
	"spimfuse/pkg/volume"
)

func writeStore(t *testing.T, dir string, shape volume.Shape, fill func(z, y, x int) float64) {
	t.Helper()
	a := volume.NewArray(shape)
	a.Spacing = [3]float64{2, 0.5, 0.5}
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				a.Set(z, y, x, fill(z, y, x))
			}
		}
	}
	v := volume.MustFromArray(a, shape)
	d, err := store.CreateDir(dir, store.Meta{Shape: shape, Chunk: shape, DType: volume.Float32, Spacing: a.Spacing}, store.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, v.Persist(context.Background(), sched.NewLocal(1), d))
}

const manifestYAML = `
timepoints:
  - index: 3
    views:
      - name: left
        store: views/left
        psf:
          kind: gaussian
          optics: {na: 0.8, wavelength: 0.51}
      - name: right
        store: views/right
        nominal:
          - [0, 0, 1, 0]
          - [0, 1, 0, 0]
          - [-1, 0, 0, 12]
        psf:
          kind: measured
          store: beads/right
`

func TestLoadAndOpenManifest(t *testing.T) {
	root := t.TempDir()
	shape := volume.Shape{4, 8, 8}
	writeStore(t, filepath.Join(root, "views", "left"), shape, func(z, y, x int) float64 { return float64(z + y + x) })
	writeStore(t, filepath.Join(root, "views", "right"), shape, func(z, y, x int) float64 { return float64(z * y * x) })
	writeStore(t, filepath.Join(root, "beads", "right"), volume.Shape{3, 3, 3}, func(z, y, x int) float64 {
		if z == 1 && y == 1 && x == 1 {
			return 10
		}
		return 1
	})
	path := filepath.Join(root, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifestYAML), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	tps, err := m.Open(context.Background(), sched.NewLocal(2), volume.Shape{2, 4, 4})
	require.NoError(t, err)
	require.Len(t, tps, 1)

	tp := tps[0]
	assert.Equal(t, 3, tp.Index)
	require.Len(t, tp.Views, 2)
	left, right := tp.Views[0], tp.Views[1]
	assert.Equal(t, volume.Shape{2, 4, 4}, left.Volume.ChunkShape())
	assert.Equal(t, [3]float64{2, 0.5, 0.5}, left.Volume.Spacing())
	assert.True(t, left.Nominal.IsIdentity(0))
	assert.Equal(t, "gaussian", left.PSF.Name())

	want, err := transform.FromRows([4][4]float64{{0, 0, 1, 0}, {0, 1, 0, 0}, {-1, 0, 0, 12}, {0, 0, 0, 1}})
	require.NoError(t, err)
	assert.True(t, right.Nominal.Equal(want, 0))
	assert.Equal(t, "measured", right.PSF.Name())
	assert.InDelta(t, 1, right.PSF.Kernel().Sum(), 1e-9)
}

func TestManifestValidation(t *testing.T) {
	cases := map[string]string{
		"empty":      "timepoints: []\n",
		"one view":   "timepoints:\n  - index: 0\n    views:\n      - {name: a, store: a}\n",
		"duplicate":  "timepoints:\n  - index: 0\n    views: [{name: a, store: a}, {name: b, store: b}]\n  - index: 0\n    views: [{name: a, store: a}, {name: b, store: b}]\n",
		"no store":   "timepoints:\n  - index: 0\n    views: [{name: a}, {name: b, store: b}]\n",
		"psf kind":   "timepoints:\n  - index: 0\n    views: [{name: a, store: a, psf: {kind: airy}}, {name: b, store: b}]\n",
		"bead store": "timepoints:\n  - index: 0\n    views: [{name: a, store: a, psf: {kind: measured}}, {name: b, store: b}]\n",
		"nominal":    "timepoints:\n  - index: 0\n    views: [{name: a, store: a, nominal: [[1, 0, 0]]}, {name: b, store: b}]\n",
		"spacing":    "timepoints:\n  - index: 0\n    views: [{name: a, store: a, spacing: [1, 1]}, {name: b, store: b}]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(doc))
			assert.ErrorIs(t, err, errs.ErrConfiguration)
		})
	}
}

func TestManifestUnknownField(t *testing.T) {
	_, err := ParseManifest([]byte("timepoints:\n  - index: 0\n    angle: 45\n"))
	assert.Error(t, err)
}

func TestOpenMissingStore(t *testing.T) {
	m, err := ParseManifest([]byte("timepoints:\n  - index: 0\n    views: [{name: a, store: /nonexistent/a}, {name: b, store: /nonexistent/b}]\n"))
	require.NoError(t, err)
	_, err = m.Open(context.Background(), sched.NewLocal(1), volume.Shape{})
	assert.Error(t, err)
}
