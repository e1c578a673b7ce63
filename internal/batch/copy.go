package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rescale/rescale-bulk/internal/chunked"
	"github.com/rescale/rescale-bulk/internal/constants"
	"github.com/rescale/rescale-bulk/internal/remote"
	"github.com/rescale/rescale-bulk/internal/transfer"
	"github.com/rescale/rescale-bulk/internal/tree"
)

// ErrCopyIntoSelf rejects a copy whose destination lies inside its source.
var ErrCopyIntoSelf = errors.New("destination is inside the source")

// CopyOptions extend Options for server-side copies.
type CopyOptions struct {
	Options
	DeleteOnCancel bool
	Tiers          *chunked.Tiers
}

// NewCopy returns an operation duplicating src to dst on the same server.
// Bytes travel through this process: ranged downloads feed chunk uploads.
func NewCopy(src, dst string, lister Lister, opts CopyOptions) (*transfer.Operation, error) {
	src, dst = cleanRemote(src), cleanRemote(dst)
	if within(src, dst) {
		return nil, fmt.Errorf("copy %s to %s: %w", src, dst, ErrCopyIntoSelf)
	}
	if err := opts.Filter.Validate(); err != nil {
		return nil, err
	}
	c := &copier{dst: dst, lister: lister, opts: opts}
	h := transfer.Handlers{
		BeforeDirectory: c.before,
		File:            c.file,
	}
	return opts.operation(remoteTree(src, opts.MaxAttempts), h, "copy "+src+" to "+dst), nil
}

type copier struct {
	dst    string
	lister Lister
	opts   CopyOptions
}

func (c *copier) target(op *transfer.Operation, p string) string {
	return remote.Join(c.dst, relative(op.Tree().Root().Path(), p))
}

func (c *copier) before(ctx context.Context, op *transfer.Operation, dir *tree.Directory, conn remote.Connection) error {
	if err := ensureDir(ctx, conn, c.target(op, dir.Path())); err != nil {
		return err
	}
	_, err := discover(ctx, op, dir, conn, &c.opts.Filter, c.lister)
	return err
}

func (c *copier) file(ctx context.Context, op *transfer.Operation, f *tree.File, conn remote.Connection) error {
	target := c.target(op, f.Path())
	size := f.Size()

	if size <= constants.ChunkedThreshold && !f.Resume() {
		rc, err := conn.Download(ctx, f.Path(), 0, -1)
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Path(), err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Path(), err)
		}
		if int64(len(data)) != size {
			f.SetSize(int64(len(data)))
			size = int64(len(data))
		}
		if err := conn.UploadSmall(ctx, bytes.NewReader(data), size, target); err != nil {
			return fmt.Errorf("upload %s: %w", target, err)
		}
		f.SetProgress(size, size)
		return nil
	}

	res, err := chunked.Upload(ctx, conn, chunked.UploadRequest{
		Path:           target,
		Size:           size,
		Source:         remote.NewRangeReader(ctx, conn, f.Path(), size),
		Resume:         f.Resume(),
		DeleteOnCancel: c.opts.DeleteOnCancel,
		Signal:         op,
		Tiers:          c.opts.Tiers,
		OnProgress:     progress(f),
		Logger:         c.opts.logger(),
	})
	if err != nil {
		f.SetResume(res.Resumable)
		return err
	}

	// The source may have changed while its ranges were being read.
	e, err := conn.Stat(ctx, f.Path())
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.Path(), err)
	}
	if e.Size != size {
		f.SetSize(e.Size)
		f.SetResume(false)
		return fmt.Errorf("%s: copied %d bytes, now %d: %w", f.Path(), size, e.Size, chunked.ErrFileChanged)
	}
	return nil
}
