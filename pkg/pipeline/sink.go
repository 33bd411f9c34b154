package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"spimfuse/pkg/store"
	"spimfuse/pkg/volume"
)

// Sink receives the fused volumes and provenance of a batch. Sinks are
// used by concurrently running timepoints.
type Sink interface {
	// Writer returns the store for the fused volume of timepoint tp. The
	// sink chooses the dtype when meta leaves it empty.
	Writer(ctx context.Context, tp int, meta store.Meta) (store.Writer, error)
	// Record catalogues the provenance of a run, failed runs included.
	Record(ctx context.Context, p Provenance) error
}

// MemorySink keeps everything in memory.
type MemorySink struct {
	mu      sync.Mutex
	stores  map[int]*store.Memory
	records []Provenance
}

func NewMemorySink() *MemorySink {
	return &MemorySink{stores: make(map[int]*store.Memory)}
}

func (s *MemorySink) Writer(_ context.Context, tp int, meta store.Meta) (store.Writer, error) {
	m, err := store.NewMemory(meta)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.stores[tp] = m
	s.mu.Unlock()
	return m, nil
}

func (s *MemorySink) Record(_ context.Context, p Provenance) error {
	s.mu.Lock()
	s.records = append(s.records, p)
	s.mu.Unlock()
	return nil
}

// Store returns the store of timepoint tp.
func (s *MemorySink) Store(tp int) (*store.Memory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.stores[tp]
	return m, ok
}

// Records returns the recorded provenance ordered by timepoint.
func (s *MemorySink) Records() []Provenance {
	s.mu.Lock()
	out := append([]Provenance(nil), s.records...)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timepoint < out[j].Timepoint })
	return out
}

// DirSink writes every timepoint to its own directory store under Root,
// with the provenance next to it as provenance.json.
type DirSink struct {
	Root        string
	DType       volume.DType
	Compression store.Compression
}

const provenanceFile = "provenance.json"

func (s *DirSink) path(tp int) string {
	return filepath.Join(s.Root, fmt.Sprintf("t%04d", tp))
}

func (s *DirSink) Writer(_ context.Context, tp int, meta store.Meta) (store.Writer, error) {
	if meta.DType == "" {
		meta.DType = s.DType
	}
	return store.CreateDir(s.path(tp), meta, s.Compression)
}

func (s *DirSink) Record(_ context.Context, p Provenance) error {
	dir := s.path(p.Timepoint)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode provenance: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, provenanceFile), data, 0o644)
}

// ReadProvenance reads the provenance a DirSink wrote for timepoint tp.
func (s *DirSink) ReadProvenance(tp int) (Provenance, error) {
	var p Provenance
	data, err := os.ReadFile(filepath.Join(s.path(tp), provenanceFile))
	if err != nil {
		return p, err
	}
	err = json.Unmarshal(data, &p)
	return p, err
}

// SQLiteSink stores fused volumes as datasets of one SQLite database and
// catalogues every run in its runs table.
type SQLiteSink struct {
	DB    *store.DB
	DType volume.DType
}

// DatasetName is the name of the dataset holding timepoint tp.
func DatasetName(tp int) string { return fmt.Sprintf("fused/t%04d", tp) }

func (s *SQLiteSink) Writer(ctx context.Context, tp int, meta store.Meta) (store.Writer, error) {
	if meta.DType == "" {
		meta.DType = s.DType
	}
	return s.DB.Create(ctx, DatasetName(tp), meta)
}

func (s *SQLiteSink) Record(ctx context.Context, p Provenance) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode provenance: %w", err)
	}
	created := p.Finished
	if created.IsZero() {
		created = p.Started
	}
	return s.DB.RecordRun(ctx, store.Run{
		ID:         p.RunID.String(),
		Timepoint:  p.Timepoint,
		Dataset:    DatasetName(p.Timepoint),
		Status:     string(p.Status),
		Provenance: data,
		CreatedAt:  created,
	})
}
