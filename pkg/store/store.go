// Package store provides chunked array stores that back volume sources and
// persisted results: an in-memory store, a directory of chunk files and a
// SQLite database.
//
// All stores hold float64 values in memory and convert to the declared
// DType when a chunk is written, so a chunk read back from any store equals
// the chunk as it would be read back from any other.
package store

import (
	"errors"
	"fmt"
	"math"

	"spimfuse/pkg/errs"
	"spimfuse/pkg/volume"
)

type (
	Meta   = volume.Meta
	DType  = volume.DType
	Reader = volume.ChunkReader
	Writer = volume.ChunkWriter
	Store  = volume.ChunkStore
)

// ErrMissingChunk is returned when reading a chunk that was never written.
var ErrMissingChunk = errors.New("chunk not written")

func validateMeta(op string, m Meta) error {
	if err := m.Grid().Validate(); err != nil {
		return err
	}
	switch m.DType {
	case volume.Float32, volume.Float64, volume.Uint16:
	default:
		return errs.Configuration(op, "unsupported dtype %q", m.DType)
	}
	return nil
}

func checkChunk(op string, m Meta, c volume.ChunkIndex, n int) error {
	g := m.Grid()
	if !g.ValidIndex(c) {
		return errs.Configuration(op, "chunk %s outside grid %v", c, g.Counts())
	}
	if want := g.ChunkBox(c).Shape().Size(); n != want {
		return errs.Configuration(op, "chunk %s has %d values, want %d", c, n, want)
	}
	return nil
}

// Quantize returns x as it is stored under dtype t.
func Quantize(t DType, x float64) float64 {
	switch t {
	case volume.Float32:
		return float64(float32(x))
	case volume.Uint16:
		if math.IsNaN(x) || x <= 0 {
			return 0
		}
		if x >= math.MaxUint16 {
			return math.MaxUint16
		}
		return math.Round(x)
	}
	return x
}

func quantizeAll(t DType, data []float64) []float64 {
	out := make([]float64, len(data))
	for i, x := range data {
		out[i] = Quantize(t, x)
	}
	return out
}

func chunkName(c volume.ChunkIndex) string {
	return fmt.Sprintf("%d.%d.%d", c[0], c[1], c[2])
}
