package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"spimfuse/pkg/volume"
)

const metaFile = "meta.json"

// Compression names the codec applied to chunk files.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionZstd Compression = "zstd"
)

type dirMeta struct {
	Meta
	Compression Compression `json:"compression,omitempty"`
}

// Dir stores an array as a directory holding meta.json and one file per
// chunk named z.y.x (with a .zst suffix when compressed).
type Dir struct {
	root string
	meta dirMeta

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// CreateDir creates (or replaces the metadata of) a directory store.
// Existing chunk files are kept when the previous store had the same
// shape, chunking, dtype and compression, so an interrupted persist can be
// rerun. Otherwise they are removed.
func CreateDir(root string, meta Meta, compression Compression) (*Dir, error) {
	if meta.DType == "" {
		meta.DType = volume.Float32
	}
	if err := validateMeta("store.CreateDir", meta); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	d, err := newDir(root, dirMeta{Meta: meta, Compression: compression})
	if err != nil {
		return nil, err
	}
	if old, err := readDirMeta(root); err == nil && !sameLayout(old, d.meta) {
		if err := removeChunks(root); err != nil {
			return nil, fmt.Errorf("failed to remove stale chunks: %w", err)
		}
	}
	data, err := json.MarshalIndent(d.meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(filepath.Join(root, metaFile), data); err != nil {
		return nil, fmt.Errorf("failed to write store metadata: %w", err)
	}
	return d, nil
}

// OpenDir opens an existing directory store.
func OpenDir(root string) (*Dir, error) {
	m, err := readDirMeta(root)
	if err != nil {
		return nil, err
	}
	if err := validateMeta("store.OpenDir", m.Meta); err != nil {
		return nil, err
	}
	return newDir(root, m)
}

func readDirMeta(root string) (dirMeta, error) {
	data, err := os.ReadFile(filepath.Join(root, metaFile))
	if err != nil {
		return dirMeta{}, fmt.Errorf("failed to read store metadata: %w", err)
	}
	var m dirMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return dirMeta{}, fmt.Errorf("failed to parse %s: %w", filepath.Join(root, metaFile), err)
	}
	if m.DType == "" {
		m.DType = volume.Float32
	}
	return m, nil
}

// sameLayout reports whether chunk files written under a are valid under b.
func sameLayout(a, b dirMeta) bool {
	return a.Shape == b.Shape && a.Chunk == b.Chunk && a.DType == b.DType && a.Compression == b.Compression
}

// removeChunks deletes the chunk files directly under root. Other files and
// subdirectories are left alone.
func removeChunks(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || !isChunkName(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(root, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func isChunkName(name string) bool {
	name = strings.TrimSuffix(name, ".zst")
	var c volume.ChunkIndex
	if _, err := fmt.Sscanf(name, "%d.%d.%d", &c[0], &c[1], &c[2]); err != nil {
		return false
	}
	return chunkName(c) == name
}

func newDir(root string, m dirMeta) (*Dir, error) {
	d := &Dir{root: root, meta: m}
	switch m.Compression {
	case CompressionNone:
	case CompressionZstd:
		var err error
		if d.enc, err = zstd.NewWriter(nil); err != nil {
			return nil, err
		}
		if d.dec, err = zstd.NewReader(nil); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported compression %q", m.Compression)
	}
	return d, nil
}

func (d *Dir) Meta() Meta { return d.meta.Meta }

// Root returns the store directory.
func (d *Dir) Root() string { return d.root }

func (d *Dir) path(c volume.ChunkIndex) string {
	name := chunkName(c)
	if d.meta.Compression == CompressionZstd {
		name += ".zst"
	}
	return filepath.Join(d.root, name)
}

func (d *Dir) WriteChunk(ctx context.Context, c volume.ChunkIndex, data []float64) error {
	if err := checkChunk("store.Dir", d.meta.Meta, c, len(data)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := encode(d.meta.DType, data)
	if d.enc != nil {
		buf = d.enc.EncodeAll(buf, make([]byte, 0, len(buf)/2))
	}
	return writeAtomic(d.path(c), buf)
}

func (d *Dir) ReadChunk(ctx context.Context, c volume.ChunkIndex) ([]float64, error) {
	g := d.meta.Grid()
	if !g.ValidIndex(c) {
		return nil, fmt.Errorf("chunk %s outside grid %v", c, g.Counts())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf, err := os.ReadFile(d.path(c))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrMissingChunk
	}
	if err != nil {
		return nil, err
	}
	if d.dec != nil {
		if buf, err = d.dec.DecodeAll(buf, nil); err != nil {
			return nil, fmt.Errorf("failed to decompress chunk %s: %w", c, err)
		}
	}
	return decode(d.meta.DType, buf, g.ChunkBox(c).Shape().Size())
}

// writeAtomic writes through a temporary file so that readers never see a
// partially written chunk and rewriting a chunk is idempotent.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
