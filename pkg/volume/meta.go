package volume

import (
	"context"
	"fmt"
	"strings"
)

// DType is the on-store scalar type of a volume. Computation always happens
// in float64; conversion is done at store boundaries.
type DType string

const (
	Float32 DType = "float32"
	Float64 DType = "float64"
	Uint16  DType = "uint16"
)

// Size returns the encoded size of one voxel in bytes.
func (t DType) Size() int {
	switch t {
	case Float64:
		return 8
	case Float32:
		return 4
	case Uint16:
		return 2
	}
	return 0
}

// ParseDType validates a dtype string.
func ParseDType(s string) (DType, error) {
	switch t := DType(strings.ToLower(s)); t {
	case Float32, Float64, Uint16:
		return t, nil
	case "":
		return Float32, nil
	}
	return "", fmt.Errorf("unsupported dtype %q", s)
}

// Meta describes a chunked array held by a store.
type Meta struct {
	Shape   Shape      `json:"shape"`
	Chunk   Shape      `json:"chunks"`
	DType   DType      `json:"dtype"`
	Spacing [3]float64 `json:"spacing"`
	Origin  [3]float64 `json:"origin"`
}

// Grid returns the chunk grid described by m.
func (m Meta) Grid() Grid { return Grid{Shape: m.Shape, Chunk: m.Chunk} }

// ChunkReader is the read side of a chunked array store.
type ChunkReader interface {
	Meta() Meta
	// ReadChunk returns the voxels of chunk c in row-major order. Partial
	// trailing chunks hold only their in-volume extent.
	ReadChunk(ctx context.Context, c ChunkIndex) ([]float64, error)
}

// ChunkWriter is the write side of a chunked array store.
type ChunkWriter interface {
	Meta() Meta
	// WriteChunk stores the voxels of chunk c, laid out like ReadChunk.
	WriteChunk(ctx context.Context, c ChunkIndex, data []float64) error
}

// ChunkStore is a store that can be read back after writing.
type ChunkStore interface {
	ChunkReader
	ChunkWriter
}
