// Package batch holds the handler sets behind each bulk command: recursive
// delete, upload, download, remote copy and archive-download. Each
// constructor returns a transfer.Operation ready to start on a Session.
//
// Handlers follow one error policy: idempotent outcomes (already deleted,
// already created, already downloaded) count as success, races are
// reconciled against a fresh listing, and everything else is returned so the
// scheduler counts an attempt.
package batch

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rescale/rescale-bulk/internal/localfs"
	"github.com/rescale/rescale-bulk/internal/logging"
	"github.com/rescale/rescale-bulk/internal/remote"
	"github.com/rescale/rescale-bulk/internal/transfer"
	"github.com/rescale/rescale-bulk/internal/tree"
)

// Lister is told about every remote listing so the session can widen its pool.
type Lister interface {
	DirectoryListed()
}

// Options are shared by every batch constructor.
type Options struct {
	Name     string
	Priority int
	// MaxAttempts per node; zero selects the default.
	MaxAttempts int
	Filter      localfs.Filter
	Logger      *logging.Logger
}

func (o Options) logger() *logging.Logger {
	if o.Logger == nil {
		return logging.NewNop()
	}
	return o.Logger
}

func (o Options) operation(t *tree.Tree, h transfer.Handlers, name string) *transfer.Operation {
	if o.Name != "" {
		name = o.Name
	}
	return transfer.NewOperation(t, h, transfer.Options{
		Name:     name,
		Priority: o.Priority,
		// The root's before-hook is what lists it.
		ProcessRootDirectory: true,
		Logger:               o.Logger,
	})
}

// cleanRemote normalizes a remote path to an absolute, slash-separated form.
func cleanRemote(p string) string {
	return path.Clean("/" + p)
}

// relative returns p relative to root, slash-separated. Both are remote paths.
func relative(root, p string) string {
	if root == "/" {
		return strings.TrimPrefix(p, "/")
	}
	return strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
}

// within reports whether p is root or lies below it.
func within(root, p string) bool {
	root, p = cleanRemote(root), cleanRemote(p)
	return p == root || root == "/" || strings.HasPrefix(p, root+"/")
}

// remoteTree returns a tree with a single pending root, to be filled by discovery.
func remoteTree(root string, maxAttempts int) *tree.Tree {
	return tree.New(tree.NewDirectory(cleanRemote(root)), maxAttempts)
}

// discover lists dir and adds its entries as pending children. Entries the
// filter drops are never added. A directory that vanished has no children.
func discover(ctx context.Context, op *transfer.Operation, dir *tree.Directory, conn remote.Connection, filter *localfs.Filter, lister Lister) ([]remote.Entry, error) {
	entries, err := conn.List(ctx, dir.Path())
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir.Path(), err)
	}
	if lister != nil {
		lister.DirectoryListed()
	}

	root := op.Tree().Root().Path()
	kept := entries[:0]
	children := make([]tree.Entry, 0, len(entries))
	for _, e := range entries {
		if filter != nil && !filter.Keep(relative(root, e.Path), e.IsDir) {
			continue
		}
		kept = append(kept, e)
		children = append(children, newChild(e))
	}
	dir.AddEntry(children...)
	return kept, nil
}

func newChild(e remote.Entry) tree.Entry {
	if e.IsDir {
		return tree.DirEntry(tree.NewDirectory(cleanRemote(e.Path)))
	}
	return tree.FileEntry(tree.NewFile(e.Name(), e.Size, e))
}

// remoteEntry returns the listing a file node was created from.
func remoteEntry(f *tree.File) remote.Entry {
	if e, ok := f.Payload().(remote.Entry); ok {
		return e
	}
	return remote.Entry{Path: f.Path(), Size: f.Size()}
}

// ensureDir creates p on the server, creating missing parents as needed.
// An existing directory is success.
func ensureDir(ctx context.Context, conn remote.Connection, p string) error {
	p = cleanRemote(p)
	if p == "/" {
		return nil
	}
	err := conn.Mkdir(ctx, p)
	switch {
	case err == nil, errors.Is(err, remote.ErrAlreadyExists):
		return nil
	case errors.Is(err, remote.ErrNotFound):
		if err := ensureDir(ctx, conn, path.Dir(p)); err != nil {
			return err
		}
		if err := conn.Mkdir(ctx, p); err != nil && !errors.Is(err, remote.ErrAlreadyExists) {
			return fmt.Errorf("mkdir %s: %w", p, err)
		}
		return nil
	default:
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
}

// progress returns an OnProgress callback feeding the file node.
func progress(f *tree.File) func(done, total int64) {
	return func(done, total int64) {
		f.SetProgress(done, total)
	}
}
