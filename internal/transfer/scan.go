package transfer

import (
	"fmt"

	"github.com/rescale/rescale-bulk/internal/tree"
)

// UnitKind identifies which hook a Unit runs.
type UnitKind int

const (
	UnitBeforeDirectory UnitKind = iota + 1
	UnitFile
	UnitAfterDirectory
)

func (k UnitKind) String() string {
	switch k {
	case UnitBeforeDirectory:
		return "beforeDirectory"
	case UnitFile:
		return "file"
	case UnitAfterDirectory:
		return "afterDirectory"
	default:
		return "invalid"
	}
}

// Unit is one schedulable piece of work: a directory hook or a file.
type Unit struct {
	Kind UnitKind
	Dir  *tree.Directory
	File *tree.File
}

// Path returns the path of the node the unit belongs to.
func (u Unit) Path() string {
	if u.Kind == UnitFile {
		return u.File.Path()
	}
	return u.Dir.Path()
}

func (u Unit) String() string {
	return fmt.Sprintf("%s(%s)", u.Kind, u.Path())
}

// Entry returns the tree node the unit belongs to.
func (u Unit) Entry() tree.Entry {
	if u.Kind == UnitFile {
		return tree.FileEntry(u.File)
	}
	return tree.DirEntry(u.Dir)
}

func (u Unit) claim() bool {
	switch u.Kind {
	case UnitBeforeDirectory:
		return u.Dir.ClaimBefore()
	case UnitAfterDirectory:
		return u.Dir.ClaimAfter()
	default:
		return u.File.Claim()
	}
}

// NextUnit returns the first runnable unit in depth-first pre-order, starting
// from the root every time. For each directory the before-hook comes first,
// then its children in insertion order, then the after-hook once every child
// is resolved. Blocked and resolved subtrees are skipped. NextUnit changes
// nothing, so repeated calls return the same unit until the tree changes.
func (op *Operation) NextUnit() (Unit, bool) {
	return nextInDirectory(op.tree.Root())
}

func nextInDirectory(d *tree.Directory) (Unit, bool) {
	if d.Blocked() || d.Resolved() {
		return Unit{}, false
	}

	switch d.BeforeStatus() {
	case tree.StatusPending:
		return Unit{Kind: UnitBeforeDirectory, Dir: d}, true
	case tree.StatusDone:
	default:
		// Children are unknown until the before-hook finishes.
		return Unit{}, false
	}

	for _, child := range d.Entries() {
		switch child.Kind {
		case tree.KindFile:
			if child.File.Status() == tree.StatusPending && !child.File.Blocked() {
				return Unit{Kind: UnitFile, File: child.File}, true
			}
		case tree.KindDirectory:
			if u, ok := nextInDirectory(child.Dir); ok {
				return u, true
			}
		}
	}

	if d.AfterStatus() == tree.StatusPending && d.ChildrenResolved() {
		return Unit{Kind: UnitAfterDirectory, Dir: d}, true
	}
	return Unit{}, false
}
