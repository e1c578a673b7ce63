package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rescale/rescale-bulk/internal/remote"
	"github.com/rescale/rescale-bulk/internal/transfer"
	"github.com/rescale/rescale-bulk/internal/tree"
)

// NewDelete returns an operation that removes root and everything below it.
// Directories are listed on the way down and deleted on the way up, once
// all their children are gone.
func NewDelete(root string, lister Lister, opts Options) *transfer.Operation {
	d := &deleter{lister: lister}
	h := transfer.Handlers{
		BeforeDirectory: d.before,
		AfterDirectory:  d.after,
		File:            d.file,
	}
	return opts.operation(remoteTree(root, opts.MaxAttempts), h, "delete "+cleanRemote(root))
}

type deleter struct {
	lister Lister
}

func (d *deleter) before(ctx context.Context, op *transfer.Operation, dir *tree.Directory, conn remote.Connection) error {
	_, err := discover(ctx, op, dir, conn, nil, d.lister)
	return err
}

func (d *deleter) file(ctx context.Context, op *transfer.Operation, f *tree.File, conn remote.Connection) error {
	err := conn.Delete(ctx, f.Path())
	if err == nil || remote.IsIdempotentSuccess(err) {
		f.SetProgress(f.Size(), f.Size())
		return nil
	}
	return fmt.Errorf("delete %s: %w", f.Path(), err)
}

func (d *deleter) after(ctx context.Context, op *transfer.Operation, dir *tree.Directory, conn remote.Connection) error {
	if n := skippedChildren(dir); n > 0 {
		// A directory holding skipped items cannot be emptied; it is skipped too.
		return fmt.Errorf("keep %s with %d skipped item(s): %w", dir.Path(), n, remote.ErrCancelled)
	}
	err := conn.Delete(ctx, dir.Path())
	switch {
	case err == nil, remote.IsIdempotentSuccess(err):
		return nil
	case errors.Is(err, remote.ErrNotEmpty):
		// Something was created below dir after it was listed.
		changed, rerr := d.reconcile(ctx, dir, conn)
		if rerr != nil {
			return rerr
		}
		if changed {
			return nil
		}
		return fmt.Errorf("delete %s: %w", dir.Path(), err)
	default:
		return fmt.Errorf("delete %s: %w", dir.Path(), err)
	}
}

// reconcile re-lists dir and reopens or adds whatever is still on the
// server. It reports whether the tree gained pending work.
func (d *deleter) reconcile(ctx context.Context, dir *tree.Directory, conn remote.Connection) (bool, error) {
	entries, err := conn.List(ctx, dir.Path())
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("list %s: %w", dir.Path(), err)
	}
	if d.lister != nil {
		d.lister.DirectoryListed()
	}

	changed := false
	var added []tree.Entry
	for _, e := range entries {
		existing, ok := dir.Child(e.Name())
		if !ok {
			added = append(added, newChild(e))
			continue
		}
		if skipped(existing) {
			continue
		}
		if existing.Kind == tree.KindFile && !e.IsDir {
			existing.File.SetSize(e.Size)
		}
		if existing.Reopen() {
			changed = true
		}
	}
	if len(added) > 0 {
		dir.AddEntry(added...)
		changed = true
	}
	return changed, nil
}

// skipped reports whether e was resolved as Cancelled rather than done.
func skipped(e tree.Entry) bool {
	if e.Kind == tree.KindFile {
		return e.File.Status() == tree.StatusCancelled
	}
	return e.Dir.BeforeStatus() == tree.StatusCancelled || e.Dir.AfterStatus() == tree.StatusCancelled
}

func skippedChildren(dir *tree.Directory) int {
	n := 0
	for _, e := range dir.Entries() {
		if skipped(e) {
			n++
		}
	}
	return n
}
