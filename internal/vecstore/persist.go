package vecstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

const (
	metaFile    = "chunks.json"
	vectorsFile = "vectors.bin"
)

// ErrNotFound marks a persisted index whose files are absent. Corrupt files
// fail with ordinary errors; callers treat both as rebuildable.
var ErrNotFound = errors.New("vector index not found")

type meta struct {
	Dimension int     `json:"dimension"`
	Count     int     `json:"count"`
	Chunks    []Chunk `json:"chunks"`
}

// Save persists the store into dir, overwriting any existing index there.
// Both files are written to a temp name and renamed into place.
func (s *Store) Save(dir string) error {
	if s.raw != nil {
		return fmt.Errorf("cannot save a memory-mapped store")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	m := meta{Dimension: s.dim, Count: len(s.chunks), Chunks: s.chunks}
	if m.Chunks == nil {
		m.Chunks = []Chunk{}
	}
	metaBytes, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chunk metadata: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, metaFile), metaBytes); err != nil {
		return err
	}

	buf := make([]byte, 4*s.dim*len(s.vectors))
	off := 0
	for _, row := range s.vectors {
		for _, x := range row {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(x))
			off += 4
		}
	}
	return writeAtomic(filepath.Join(dir, vectorsFile), buf)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	_ = os.Remove(path)
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Load opens a persisted index read-only, memory-mapping the vector file.
// The caller owns the returned store and must Close it.
func Load(dir string) (*Store, error) {
	metaBytes, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("read chunk metadata: %w", err)
	}
	var m meta
	if err := json.Unmarshal(metaBytes, &m); err != nil {
		return nil, fmt.Errorf("decode chunk metadata: %w", err)
	}
	if m.Count != len(m.Chunks) || m.Dimension < 0 {
		return nil, fmt.Errorf("chunk metadata inconsistent: count %d, chunks %d", m.Count, len(m.Chunks))
	}

	s := &Store{chunks: m.Chunks, dim: m.Dimension}
	if m.Count == 0 || m.Dimension == 0 {
		return s, nil
	}

	f, err := os.Open(filepath.Join(dir, vectorsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("open vectors: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat vectors: %w", err)
	}
	want := int64(4) * int64(m.Count) * int64(m.Dimension)
	if info.Size() != want {
		f.Close()
		return nil, fmt.Errorf("vectors file size %d, want %d (corrupt index)", info.Size(), want)
	}

	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap vectors: %w", err)
	}
	s.file = f
	s.mapped = mapped
	// vectors.bin is little-endian float32; the in-place view assumes a
	// little-endian host.
	s.raw = unsafe.Slice((*float32)(unsafe.Pointer(&mapped[0])), m.Count*m.Dimension)
	return s, nil
}

// Close releases the memory mapping, if any. Safe to call more than once.
func (s *Store) Close() error {
	var err error
	if s.mapped != nil {
		err = s.mapped.Unmap()
		s.mapped = nil
		s.raw = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}
