// Package archive writes a remote tree into a single tar or tar.gz file.
// Entries arrive from many connections at once; the Writer serializes them.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/klauspost/compress/gzip"

	"github.com/rescale/rescale-bulk/internal/remote"
)

// Compression modes
const (
	CompressionGzip = "gzip"
	CompressionNone = "none"
)

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("archive closed")

// Writer appends entries to a tar stream. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	out    io.Closer
	gz     *gzip.Writer
	tw     *tar.Writer
	names  map[string]bool
	files  int64
	bytes  int64
	closed bool
}

// NewWriter writes to w, gzip-compressed unless compression is CompressionNone.
// Close closes w.
func NewWriter(w io.WriteCloser, compression string) *Writer {
	aw := &Writer{out: w, names: make(map[string]bool)}
	if compression == CompressionNone {
		aw.tw = tar.NewWriter(w)
	} else {
		aw.gz = gzip.NewWriter(w)
		aw.tw = tar.NewWriter(aw.gz)
	}
	return aw
}

// Create opens name on fsys, creating parent directories, and returns a Writer on it.
func Create(fsys billy.Filesystem, name, compression string) (*Writer, error) {
	if dir := path.Dir(name); dir != "." && dir != "/" {
		if err := fsys.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := fsys.Create(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file: %w", err)
	}
	return NewWriter(f, compression), nil
}

// FileName returns the default archive name for a remote directory,
// with the extension the compression mode implies.
func FileName(remoteDir, compression string) string {
	name := strings.ReplaceAll(strings.Trim(path.Clean("/"+remoteDir), "/"), "/", "_")
	if name == "" {
		name = "root"
	}
	if compression == CompressionNone {
		return name + ".tar"
	}
	return name + ".tar.gz"
}

// entryName turns a remote path into a relative tar name.
func entryName(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// AddDirectory writes a directory header. Adding the same name twice is a no-op.
func (w *Writer) AddDirectory(name string, modTime time.Time) error {
	name = entryName(name)
	if name == "" {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.names[name+"/"] {
		return nil
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name + "/",
		Mode:     0755,
		ModTime:  modTime,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	w.names[name+"/"] = true
	return nil
}

// AddFile copies exactly size bytes of r into a new file entry. A name that
// was already written yields remote.ErrAlreadyExists, which a retried unit
// treats as done.
func (w *Writer) AddFile(name string, size int64, modTime time.Time, r io.Reader) error {
	name = entryName(name)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.names[name] {
		return fmt.Errorf("archive entry %s: %w", name, remote.ErrAlreadyExists)
	}

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0644,
		Size:     size,
		ModTime:  modTime,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	n, err := io.CopyN(w.tw, r, size)
	if err != nil {
		// The stream is unusable past a short entry.
		w.closed = true
		return fmt.Errorf("failed to write %s after %d of %d bytes: %w", name, n, size, err)
	}
	w.names[name] = true
	w.files++
	w.bytes += size
	return nil
}

// Stats returns how many files and bytes have been written.
func (w *Writer) Stats() (files, bytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files, w.bytes
}

// Close flushes the tar and gzip trailers and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return nil
	}
	w.closed = true

	var errs []error
	errs = append(errs, w.tw.Close())
	if w.gz != nil {
		errs = append(errs, w.gz.Close())
	}
	errs = append(errs, w.out.Close())
	w.out = nil
	return errors.Join(errs...)
}
