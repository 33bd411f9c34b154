package store

import (
	"context"
	"sync"

	"spimfuse/pkg/volume"
)

// Memory keeps chunks in a map. It is used for scratch results such as the
// per-iteration estimates of a deconvolution.
type Memory struct {
	meta Meta

	mu     sync.RWMutex
	chunks map[volume.ChunkIndex][]float64
}

// NewMemory returns an empty in-memory store.
func NewMemory(meta Meta) (*Memory, error) {
	if meta.DType == "" {
		meta.DType = volume.Float64
	}
	if err := validateMeta("store.NewMemory", meta); err != nil {
		return nil, err
	}
	return &Memory{meta: meta, chunks: make(map[volume.ChunkIndex][]float64)}, nil
}

func (m *Memory) Meta() Meta { return m.meta }

func (m *Memory) WriteChunk(_ context.Context, c volume.ChunkIndex, data []float64) error {
	if err := checkChunk("store.Memory", m.meta, c, len(data)); err != nil {
		return err
	}
	q := quantizeAll(m.meta.DType, data)
	m.mu.Lock()
	m.chunks[c] = q
	m.mu.Unlock()
	return nil
}

// ReadChunk returns a copy of chunk c, so callers may modify it.
func (m *Memory) ReadChunk(_ context.Context, c volume.ChunkIndex) ([]float64, error) {
	m.mu.RLock()
	data, ok := m.chunks[c]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrMissingChunk
	}
	return append([]float64(nil), data...), nil
}

// Len returns the number of chunks written.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}
