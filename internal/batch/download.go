package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"

	"github.com/rescale/rescale-bulk/internal/chunked"
	"github.com/rescale/rescale-bulk/internal/constants"
	"github.com/rescale/rescale-bulk/internal/remote"
	"github.com/rescale/rescale-bulk/internal/transfer"
	"github.com/rescale/rescale-bulk/internal/tree"
)

// SpaceChecker fails when the filesystem holding path cannot take n more bytes.
type SpaceChecker func(path string, n int64) error

// DownloadOptions extend Options for downloads.
type DownloadOptions struct {
	Options
	// CheckSpace runs before every file; nil skips the check.
	CheckSpace SpaceChecker
	Tiers      *chunked.Tiers
}

// NewDownload returns an operation copying remoteRoot into localRoot on fsys.
// Files are written under a temporary name and renamed once complete.
func NewDownload(remoteRoot string, fsys billy.Filesystem, localRoot string, lister Lister, opts DownloadOptions) (*transfer.Operation, error) {
	if err := opts.Filter.Validate(); err != nil {
		return nil, err
	}
	d := &downloader{fs: fsys, local: localRoot, lister: lister, opts: opts}
	h := transfer.Handlers{
		BeforeDirectory: d.before,
		File:            d.file,
	}
	return opts.operation(remoteTree(remoteRoot, opts.MaxAttempts), h, "download "+cleanRemote(remoteRoot)), nil
}

type downloader struct {
	fs     billy.Filesystem
	local  string
	lister Lister
	opts   DownloadOptions
}

// localPath maps a remote path below the operation root onto fsys.
func (d *downloader) localPath(op *transfer.Operation, remotePath string) string {
	rel := relative(op.Tree().Root().Path(), remotePath)
	if rel == "" {
		return d.local
	}
	return d.fs.Join(d.local, filepath.FromSlash(rel))
}

func (d *downloader) before(ctx context.Context, op *transfer.Operation, dir *tree.Directory, conn remote.Connection) error {
	if err := d.fs.MkdirAll(d.localPath(op, dir.Path()), 0755); err != nil {
		return fmt.Errorf("create %s: %w", d.localPath(op, dir.Path()), err)
	}
	_, err := discover(ctx, op, dir, conn, &d.opts.Filter, d.lister)
	return err
}

func (d *downloader) file(ctx context.Context, op *transfer.Operation, f *tree.File, conn remote.Connection) error {
	final := d.localPath(op, f.Path())
	temp := final + constants.DownloadTempSuffix
	size := f.Size()

	if !f.Resume() {
		if fi, err := d.fs.Stat(final); err == nil && !fi.IsDir() && fi.Size() == size {
			f.SetProgress(size, size)
			return nil
		}
	}

	var offset int64
	if f.Resume() {
		if fi, err := d.fs.Stat(temp); err == nil && fi.Size() <= size {
			offset = fi.Size()
		}
	}

	if d.opts.CheckSpace != nil {
		if err := d.opts.CheckSpace(d.osPath(temp), size-offset); err != nil {
			return err
		}
	}

	out, err := d.fs.OpenFile(temp, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", temp, err)
	}
	if err := out.Truncate(offset); err != nil {
		out.Close()
		return fmt.Errorf("truncate %s: %w", temp, err)
	}
	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		out.Close()
		return fmt.Errorf("seek %s: %w", temp, err)
	}

	res, err := chunked.Download(ctx, conn, chunked.DownloadRequest{
		Path:       f.Path(),
		Size:       size,
		Offset:     offset,
		Dest:       out,
		Signal:     op,
		Tiers:      d.opts.Tiers,
		OnProgress: progress(f),
		Logger:     d.opts.logger(),
	})
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", temp, cerr)
	}
	if err != nil {
		return d.failed(ctx, f, conn, temp, res, err)
	}

	if err := d.fs.Remove(final); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", final, err)
	}
	if err := d.fs.Rename(temp, final); err != nil {
		f.SetResume(true)
		return fmt.Errorf("rename %s: %w", temp, err)
	}
	return nil
}

func (d *downloader) failed(ctx context.Context, f *tree.File, conn remote.Connection, temp string, res chunked.Result, err error) error {
	switch {
	case errors.Is(err, chunked.ErrFileChanged):
		// Restart against the new size.
		if e, serr := conn.Stat(ctx, f.Path()); serr == nil && !e.IsDir {
			f.SetSize(e.Size)
		}
		f.SetResume(false)
	case errors.Is(err, chunked.ErrCancelled):
		if rerr := d.fs.Remove(temp); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			d.opts.logger().Warn().Err(rerr).Str("path", temp).Msg("could not remove partial download")
		}
	default:
		f.SetResume(res.Resumable)
	}
	return err
}

// osPath returns the host path of a file on fsys, for the disk space check.
func (d *downloader) osPath(p string) string {
	if d.fs.Root() == "" {
		return p
	}
	return filepath.Join(d.fs.Root(), p)
}
