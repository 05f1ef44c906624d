package qcow

import (
	"fmt"
	"io"
	"os"
)

// Source is the byte source an image is decoded from: positional reads
// plus a fixed size. Implementations must support concurrent ReadAt
// calls; os.File satisfies this.
type Source interface {
	io.ReaderAt
	io.Closer

	// Size returns the total length of the source in bytes.
	Size() int64
}

// fileSource backs a Source with a read-only OS file.
type fileSource struct {
	f    *os.File
	size int64
}

// OpenSource opens path read-only as a Source.
func OpenSource(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("qcow: failed to open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("qcow: failed to stat %q: %w", path, err)
	}
	return &fileSource{f: f, size: info.Size()}, nil
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

func (s *fileSource) Size() int64 {
	return s.size
}

func (s *fileSource) Close() error {
	return s.f.Close()
}

// readerSource adapts any io.ReaderAt with a known size, for images
// held in memory or served by another layer.
type readerSource struct {
	r    io.ReaderAt
	size int64
}

// NewSource wraps an io.ReaderAt and its size as a Source. Close is a
// no-op; the caller keeps ownership of r.
func NewSource(r io.ReaderAt, size int64) Source {
	return &readerSource{r: r, size: size}
}

func (s *readerSource) ReadAt(p []byte, off int64) (int, error) {
	return s.r.ReadAt(p, off)
}

func (s *readerSource) Size() int64 {
	return s.size
}

func (s *readerSource) Close() error {
	return nil
}

// readFull reads exactly len(p) bytes at off, wrapping any failure or
// short read with offset context. Short reads are never acceptable
// here; callers size their buffers from validated metadata.
func readFull(src Source, p []byte, off int64) error {
	n, err := src.ReadAt(p, off)
	if err != nil && !(err == io.EOF && n == len(p)) {
		return fmt.Errorf("qcow: read %d bytes at offset 0x%x: %w", len(p), off, err)
	}
	if n < len(p) {
		return fmt.Errorf("qcow: short read at offset 0x%x: %d of %d bytes", off, n, len(p))
	}
	return nil
}
