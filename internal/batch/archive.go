package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/rescale/rescale-bulk/internal/archive"
	"github.com/rescale/rescale-bulk/internal/chunked"
	"github.com/rescale/rescale-bulk/internal/constants"
	"github.com/rescale/rescale-bulk/internal/remote"
	"github.com/rescale/rescale-bulk/internal/transfer"
	"github.com/rescale/rescale-bulk/internal/tree"
)

// ArchiveOptions extend Options for archive downloads.
type ArchiveOptions struct {
	Options
	// Spool holds large files while they download; entries are only written
	// to the archive once complete.
	Spool      billy.Filesystem
	CheckSpace SpaceChecker
	Tiers      *chunked.Tiers
}

// NewArchive returns an operation downloading remoteRoot into w. Entry names
// start with the root directory's own name.
func NewArchive(remoteRoot string, w *archive.Writer, lister Lister, opts ArchiveOptions) (*transfer.Operation, error) {
	if err := opts.Filter.Validate(); err != nil {
		return nil, err
	}
	if opts.Spool == nil {
		return nil, errors.New("archive: spool filesystem required")
	}
	remoteRoot = cleanRemote(remoteRoot)
	prefix := path.Base(remoteRoot)
	if remoteRoot == "/" {
		prefix = "root"
	}
	a := &archiver{w: w, prefix: prefix, lister: lister, opts: opts, spools: make(map[string]string)}
	h := transfer.Handlers{
		BeforeDirectory: a.before,
		File:            a.file,
	}
	return opts.operation(remoteTree(remoteRoot, opts.MaxAttempts), h, "archive "+remoteRoot), nil
}

type archiver struct {
	w      *archive.Writer
	prefix string
	lister Lister
	opts   ArchiveOptions

	mu     sync.Mutex
	spools map[string]string
}

func (a *archiver) entryName(op *transfer.Operation, p string) string {
	return path.Join(a.prefix, relative(op.Tree().Root().Path(), p))
}

func (a *archiver) before(ctx context.Context, op *transfer.Operation, dir *tree.Directory, conn remote.Connection) error {
	if _, err := discover(ctx, op, dir, conn, &a.opts.Filter, a.lister); err != nil {
		return err
	}
	return a.w.AddDirectory(a.entryName(op, dir.Path()), time.Now())
}

func (a *archiver) file(ctx context.Context, op *transfer.Operation, f *tree.File, conn remote.Connection) error {
	size := f.Size()
	if size <= constants.ChunkedThreshold {
		return a.small(ctx, op, f, conn)
	}

	spool, offset, err := a.spool(f)
	if err != nil {
		return err
	}
	if a.opts.CheckSpace != nil {
		if err := a.opts.CheckSpace(a.opts.Spool.Join(a.opts.Spool.Root(), spool.Name()), size-offset); err != nil {
			spool.Close()
			return err
		}
	}

	res, err := chunked.Download(ctx, conn, chunked.DownloadRequest{
		Path:       f.Path(),
		Size:       size,
		Offset:     offset,
		Dest:       spool,
		Signal:     op,
		Tiers:      a.opts.Tiers,
		OnProgress: progress(f),
		Logger:     a.opts.logger(),
	})
	if err != nil {
		spool.Close()
		if errors.Is(err, chunked.ErrFileChanged) || errors.Is(err, chunked.ErrCancelled) {
			a.discard(f.Path())
			if e, serr := conn.Stat(ctx, f.Path()); serr == nil && !e.IsDir {
				f.SetSize(e.Size)
			}
		}
		f.SetResume(res.Resumable)
		return err
	}

	defer a.discard(f.Path())
	defer spool.Close()
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool of %s: %w", f.Path(), err)
	}
	return a.add(op, f, size, spool)
}

func (a *archiver) small(ctx context.Context, op *transfer.Operation, f *tree.File, conn remote.Connection) error {
	var buf bytes.Buffer
	_, err := chunked.Download(ctx, conn, chunked.DownloadRequest{
		Path:       f.Path(),
		Size:       f.Size(),
		Dest:       &buf,
		Signal:     op,
		Tiers:      a.opts.Tiers,
		OnProgress: progress(f),
		Logger:     a.opts.logger(),
	})
	if err != nil {
		if errors.Is(err, chunked.ErrFileChanged) {
			if e, serr := conn.Stat(ctx, f.Path()); serr == nil && !e.IsDir {
				f.SetSize(e.Size)
			}
		}
		return err
	}
	return a.add(op, f, int64(buf.Len()), &buf)
}

func (a *archiver) add(op *transfer.Operation, f *tree.File, size int64, r io.Reader) error {
	err := a.w.AddFile(a.entryName(op, f.Path()), size, remoteEntry(f).ModTime, r)
	if errors.Is(err, remote.ErrAlreadyExists) {
		return nil
	}
	return err
}

// spool opens the temporary file holding f, positioned at its end. A file
// reopened for resume keeps what earlier attempts wrote.
func (a *archiver) spool(f *tree.File) (billy.File, int64, error) {
	a.mu.Lock()
	name, ok := a.spools[f.Path()]
	a.mu.Unlock()

	if ok && f.Resume() {
		sf, err := a.opts.Spool.OpenFile(name, os.O_RDWR, 0600)
		if err == nil {
			offset, err := sf.Seek(0, io.SeekEnd)
			if err == nil && offset <= f.Size() {
				return sf, offset, nil
			}
			sf.Close()
		}
	}
	if ok {
		a.discard(f.Path())
	}

	sf, err := a.opts.Spool.TempFile("", "rescale-bulk-")
	if err != nil {
		return nil, 0, fmt.Errorf("create spool for %s: %w", f.Path(), err)
	}
	a.mu.Lock()
	a.spools[f.Path()] = sf.Name()
	a.mu.Unlock()
	return sf, 0, nil
}

func (a *archiver) discard(p string) {
	a.mu.Lock()
	name, ok := a.spools[p]
	delete(a.spools, p)
	a.mu.Unlock()
	if ok {
		_ = a.opts.Spool.Remove(name)
	}
}
