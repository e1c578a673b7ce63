package tree

import (
	"github.com/rescale/rescale-bulk/internal/constants"
	"github.com/rescale/rescale-bulk/internal/events"
)

// ChangeKind classifies a node notification.
type ChangeKind int

const (
	ChangeStructure ChangeKind = iota + 1
	ChangeStatus
	ChangeAttempt
	ChangeError
	ChangeProgress
	ChangeSize
)

// Change is delivered to node and tree subscribers after a mutation.
type Change struct {
	Kind  ChangeKind
	Entry Entry

	// Phase, Old and New are set for ChangeStatus.
	Phase Phase
	Old   Status
	New   Status

	// Added is set for ChangeStructure.
	Added []Entry

	// OldSize and NewSize are set for ChangeSize. New holds the file's
	// status at the time of the change.
	OldSize int64
	NewSize int64

	// BlockedChanged is set when the node was or is blocked, so observers
	// keeping a blocked list should recompute it.
	BlockedChanged bool
}

// Tree owns a root directory and the settings shared by all of its nodes.
type Tree struct {
	root        *Directory
	maxAttempts int
	listeners   events.Listeners[Change]
}

// New attaches root and everything below it to a new tree.
// A maxAttempts of zero or less selects constants.MaxAttempts.
func New(root *Directory, maxAttempts int) *Tree {
	if maxAttempts <= 0 {
		maxAttempts = constants.MaxAttempts
	}
	t := &Tree{root: root, maxAttempts: maxAttempts}
	root.attach(t, nil)
	return t
}

// Root returns the root directory.
func (t *Tree) Root() *Directory {
	return t.root
}

// MaxAttempts returns the attempt limit for every node of the tree.
func (t *Tree) MaxAttempts() int {
	return t.maxAttempts
}

// Subscribe registers fn for changes on any node of the tree.
func (t *Tree) Subscribe(fn func(Change)) (unsubscribe func()) {
	return t.listeners.Subscribe(fn)
}

// Walk visits every entry in depth-first pre-order, the root first.
// Returning false from fn stops the walk below that entry.
func (t *Tree) Walk(fn func(Entry) bool) {
	walk(DirEntry(t.root), fn)
}

func walk(e Entry, fn func(Entry) bool) {
	if !fn(e) {
		return
	}
	if e.Kind == KindDirectory {
		for _, child := range e.Dir.Entries() {
			walk(child, fn)
		}
	}
}

// Blocked returns every unresolved node whose attempts exceed the limit.
func (t *Tree) Blocked() []Entry {
	var blocked []Entry
	t.Walk(func(e Entry) bool {
		if e.Blocked() {
			blocked = append(blocked, e)
			return false
		}
		return true
	})
	return blocked
}

// CancelPending marks every Pending phase in the tree Cancelled.
// InProgress phases are left alone.
func (t *Tree) CancelPending() {
	t.root.CancelPending()
}

func maxAttemptsOf(t *Tree) int {
	if t == nil {
		return constants.MaxAttempts
	}
	return t.maxAttempts
}

func notify(t *Tree, own *events.Listeners[Change], c Change) {
	own.Emit(c)
	if t != nil {
		t.listeners.Emit(c)
	}
}
