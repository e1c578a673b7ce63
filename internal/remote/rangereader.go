package remote

import (
	"context"
	"fmt"
	"io"
)

// RangeReader exposes a remote file as an io.ReaderAt using ranged downloads.
// It lets a chunked upload read its source from the same server it writes to.
type RangeReader struct {
	ctx  context.Context
	conn Connection
	path string
	size int64
}

// NewRangeReader returns a reader over the first size bytes of p.
func NewRangeReader(ctx context.Context, conn Connection, p string, size int64) *RangeReader {
	return &RangeReader{ctx: ctx, conn: conn, path: p, size: size}
}

// ReadAt implements io.ReaderAt.
func (r *RangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > r.size {
		want = r.size - off
	}

	rc, err := r.conn.Download(r.ctx, r.path, off, want)
	if err != nil {
		return 0, fmt.Errorf("range %d-%d of %s: %w", off, off+want-1, r.path, err)
	}
	defer rc.Close()

	n, err := io.ReadFull(rc, p[:want])
	if err != nil {
		return n, fmt.Errorf("range %d-%d of %s: %w", off, off+want-1, r.path, err)
	}
	if want < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the number of readable bytes.
func (r *RangeReader) Size() int64 {
	return r.size
}
