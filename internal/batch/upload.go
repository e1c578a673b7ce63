package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-billy/v5"

	"github.com/rescale/rescale-bulk/internal/chunked"
	"github.com/rescale/rescale-bulk/internal/constants"
	"github.com/rescale/rescale-bulk/internal/localfs"
	"github.com/rescale/rescale-bulk/internal/remote"
	"github.com/rescale/rescale-bulk/internal/transfer"
	"github.com/rescale/rescale-bulk/internal/tree"
)

// UploadOptions extend Options for uploads.
type UploadOptions struct {
	Options
	// DeleteOnCancel removes a partially uploaded file when the operation is cancelled.
	DeleteOnCancel bool
	// SkipExisting leaves remote files that already have the local size untouched.
	SkipExisting bool
	// Tiers overrides the chunk size ladder.
	Tiers *chunked.Tiers
}

// NewUpload scans localRoot and returns an operation copying it to remoteRoot.
// Every local directory read counts as a listing for lister.
func NewUpload(ctx context.Context, fsys billy.Filesystem, localRoot, remoteRoot string, lister Lister, opts UploadOptions) (*transfer.Operation, localfs.ScanStats, error) {
	if err := opts.Filter.Validate(); err != nil {
		return nil, localfs.ScanStats{}, err
	}
	remoteRoot = cleanRemote(remoteRoot)
	var onDir func()
	if lister != nil {
		onDir = lister.DirectoryListed
	}
	t, stats, err := localfs.Scan(ctx, fsys, localRoot, remoteRoot, opts.Filter, opts.MaxAttempts, onDir)
	if err != nil {
		return nil, stats, fmt.Errorf("scan %s: %w", localRoot, err)
	}

	u := &uploader{fs: fsys, opts: opts}
	h := transfer.Handlers{
		BeforeDirectory: u.before,
		File:            u.file,
	}
	return opts.operation(t, h, "upload "+localRoot), stats, nil
}

type uploader struct {
	fs   billy.Filesystem
	opts UploadOptions
}

func (u *uploader) before(ctx context.Context, op *transfer.Operation, dir *tree.Directory, conn remote.Connection) error {
	return ensureDir(ctx, conn, dir.Path())
}

func (u *uploader) file(ctx context.Context, op *transfer.Operation, f *tree.File, conn remote.Connection) error {
	entry, ok := f.Payload().(localfs.FileEntry)
	if !ok {
		return fmt.Errorf("upload %s: no local source", f.Path())
	}

	fi, err := u.fs.Stat(entry.Path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", entry.Path, err)
	}
	size := fi.Size()
	if size != f.Size() {
		f.SetSize(size)
	}

	if u.opts.SkipExisting {
		if e, err := conn.Stat(ctx, f.Path()); err == nil && !e.IsDir && e.Size == size {
			f.SetProgress(size, size)
			return nil
		}
	}

	src, err := u.fs.Open(entry.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", entry.Path, err)
	}
	defer src.Close()

	if size <= constants.ChunkedThreshold && !f.Resume() {
		if err := conn.UploadSmall(ctx, src, size, f.Path()); err != nil {
			return fmt.Errorf("upload %s: %w", f.Path(), err)
		}
		f.SetProgress(size, size)
		return nil
	}

	res, err := chunked.Upload(ctx, conn, chunked.UploadRequest{
		Path:           f.Path(),
		Size:           size,
		Source:         src,
		Resume:         f.Resume(),
		DeleteOnCancel: u.opts.DeleteOnCancel,
		Signal:         op,
		Tiers:          u.opts.Tiers,
		OnProgress:     progress(f),
		Logger:         u.opts.logger(),
	})
	if err != nil {
		f.SetResume(res.Resumable)
		if errors.Is(err, chunked.ErrSizeMismatch) {
			f.SetResume(false)
		}
		return err
	}
	return nil
}
