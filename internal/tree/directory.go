package tree

import (
	"path"
	"sync"
	"time"

	"github.com/rescale/rescale-bulk/internal/events"
)

// Directory is a directory node with separate before- and after-hook status machines.
//
// A directory owns its children. Locks are always taken parent before child,
// and notifications are delivered after the directory's lock is released.
type Directory struct {
	mu sync.Mutex

	path   string // immutable
	parent *Directory
	tree   *Tree

	children []Entry
	index    map[string]int

	before      Status
	after       Status
	attempt     int
	lastAttempt time.Time
	err         error

	listeners events.Listeners[Change]
}

// NewDirectory returns a pending directory node for p.
func NewDirectory(p string) *Directory {
	return &Directory{
		path:    p,
		index:   make(map[string]int),
		attempt: 1,
	}
}

func (d *Directory) Path() string {
	return d.path
}

func (d *Directory) Name() string {
	return path.Base(d.path)
}

// Parent returns the containing directory, or nil for a root. Lookup only.
func (d *Directory) Parent() *Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parent
}

// Subscribe registers fn for changes on this directory.
func (d *Directory) Subscribe(fn func(Change)) (unsubscribe func()) {
	return d.listeners.Subscribe(fn)
}

func (d *Directory) attach(t *Tree, parent *Directory) {
	d.mu.Lock()
	d.tree = t
	d.parent = parent
	children := append([]Entry(nil), d.children...)
	d.mu.Unlock()

	for _, c := range children {
		c.attach(t, d)
	}
}

// AddEntry appends children in order. Entries whose name is already present are ignored.
func (d *Directory) AddEntry(entries ...Entry) {
	d.mu.Lock()
	added := make([]Entry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if _, exists := d.index[name]; exists {
			continue
		}
		e.attach(d.tree, d)
		d.index[name] = len(d.children)
		d.children = append(d.children, e)
		added = append(added, e)
	}
	t := d.tree
	d.mu.Unlock()

	if len(added) == 0 {
		return
	}
	notify(t, &d.listeners, Change{Kind: ChangeStructure, Entry: DirEntry(d), Added: added})
}

// Entries returns a snapshot of the children in insertion order.
func (d *Directory) Entries() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Entry(nil), d.children...)
}

// Child returns the child with the given name.
func (d *Directory) Child(name string) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index[name]
	if !ok {
		return Entry{}, false
	}
	return d.children[i], true
}

func (d *Directory) BeforeStatus() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.before
}

func (d *Directory) AfterStatus() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.after
}

func (d *Directory) Attempt() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempt
}

func (d *Directory) LastAttemptTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAttempt
}

func (d *Directory) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Resolved reports whether the directory needs no more work: its after-hook
// finished, or the whole directory was skipped before it started.
func (d *Directory) Resolved() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolvedLocked()
}

func (d *Directory) resolvedLocked() bool {
	return d.after.Resolved() || d.before == StatusCancelled
}

// Blocked reports whether the directory exceeded its attempts and is unresolved.
func (d *Directory) Blocked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blockedLocked()
}

func (d *Directory) blockedLocked() bool {
	return d.attempt > maxAttemptsOf(d.tree) && !d.resolvedLocked()
}

// ChildrenResolved reports whether every child is Done or Cancelled.
func (d *Directory) ChildrenResolved() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.childrenResolvedLocked()
}

func (d *Directory) childrenResolvedLocked() bool {
	for _, c := range d.children {
		if !c.Resolved() {
			return false
		}
	}
	return true
}

func (d *Directory) SetBeforeStatus(s Status) {
	d.setPhase(PhaseBefore, s)
}

func (d *Directory) SetAfterStatus(s Status) {
	d.setPhase(PhaseAfter, s)
}

func (d *Directory) phaseLocked(p Phase) *Status {
	if p == PhaseAfter {
		return &d.after
	}
	return &d.before
}

func (d *Directory) setPhase(p Phase, s Status) {
	d.mu.Lock()
	was := d.blockedLocked()
	st := d.phaseLocked(p)
	old := *st
	*st = s
	is := d.blockedLocked()
	t := d.tree
	d.mu.Unlock()

	if old == s {
		return
	}
	notify(t, &d.listeners, Change{
		Kind: ChangeStatus, Entry: DirEntry(d), Phase: p, Old: old, New: s,
		BlockedChanged: was || is,
	})
}

// ClaimBefore flips a Pending, unblocked before-hook to InProgress.
// It returns false if another caller got there first.
func (d *Directory) ClaimBefore() bool {
	d.mu.Lock()
	if d.before != StatusPending || d.blockedLocked() {
		d.mu.Unlock()
		return false
	}
	d.before = StatusInProgress
	t := d.tree
	d.mu.Unlock()

	notify(t, &d.listeners, Change{
		Kind: ChangeStatus, Entry: DirEntry(d), Phase: PhaseBefore,
		Old: StatusPending, New: StatusInProgress,
	})
	return true
}

// ClaimAfter flips a Pending after-hook to InProgress, but only once the
// before-hook is Done and every child is resolved.
func (d *Directory) ClaimAfter() bool {
	d.mu.Lock()
	if d.before != StatusDone || d.after != StatusPending || d.blockedLocked() || !d.childrenResolvedLocked() {
		d.mu.Unlock()
		return false
	}
	d.after = StatusInProgress
	t := d.tree
	d.mu.Unlock()

	notify(t, &d.listeners, Change{
		Kind: ChangeStatus, Entry: DirEntry(d), Phase: PhaseAfter,
		Old: StatusPending, New: StatusInProgress,
	})
	return true
}

// CompleteAfter finishes the after-hook if every child is still resolved.
// Otherwise the after-hook goes back to Pending and CompleteAfter returns false.
func (d *Directory) CompleteAfter() bool {
	d.mu.Lock()
	old := d.after
	done := d.childrenResolvedLocked()
	if done {
		d.after = StatusDone
	} else {
		d.after = StatusPending
	}
	s := d.after
	t := d.tree
	d.mu.Unlock()

	if old != s {
		notify(t, &d.listeners, Change{
			Kind: ChangeStatus, Entry: DirEntry(d), Phase: PhaseAfter, Old: old, New: s,
		})
	}
	return done
}

// Fail records a failed attempt of phase p: stores err, increments the
// attempt and returns the phase to Pending. It reports whether the
// directory is now blocked.
func (d *Directory) Fail(p Phase, err error) (attempt int, blocked bool) {
	d.mu.Lock()
	was := d.blockedLocked()
	d.err = err
	d.attempt++
	d.lastAttempt = time.Now()
	st := d.phaseLocked(p)
	old := *st
	*st = StatusPending
	attempt = d.attempt
	blocked = d.blockedLocked()
	t := d.tree
	d.mu.Unlock()

	notify(t, &d.listeners, Change{Kind: ChangeError, Entry: DirEntry(d)})
	notify(t, &d.listeners, Change{
		Kind: ChangeStatus, Entry: DirEntry(d), Phase: p, Old: old, New: StatusPending,
		BlockedChanged: was || blocked,
	})
	return attempt, blocked
}

// IncrementAttempt bumps the attempt counter and records the time.
func (d *Directory) IncrementAttempt() int {
	d.mu.Lock()
	n := d.attempt + 1
	d.mu.Unlock()
	d.SetAttempt(n)
	return n
}

// SetAttempt sets the attempt counter and records the time.
func (d *Directory) SetAttempt(n int) {
	d.mu.Lock()
	was := d.blockedLocked()
	d.attempt = n
	d.lastAttempt = time.Now()
	is := d.blockedLocked()
	t := d.tree
	d.mu.Unlock()

	notify(t, &d.listeners, Change{Kind: ChangeAttempt, Entry: DirEntry(d), BlockedChanged: was || is})
}

func (d *Directory) SetError(err error) {
	d.mu.Lock()
	d.err = err
	t := d.tree
	d.mu.Unlock()

	notify(t, &d.listeners, Change{Kind: ChangeError, Entry: DirEntry(d)})
}

// Retry resets the attempt and error and makes the unfinished phase Pending again.
func (d *Directory) Retry() {
	d.mu.Lock()
	d.attempt = 1
	d.err = nil
	var changes []Change
	if d.before == StatusPending || d.before == StatusCancelled {
		if d.before != StatusPending {
			changes = append(changes, Change{Kind: ChangeStatus, Entry: DirEntry(d), Phase: PhaseBefore, Old: d.before, New: StatusPending})
		}
		d.before = StatusPending
		if d.after == StatusCancelled {
			changes = append(changes, Change{Kind: ChangeStatus, Entry: DirEntry(d), Phase: PhaseAfter, Old: d.after, New: StatusPending})
			d.after = StatusPending
		}
	} else if d.after == StatusCancelled {
		changes = append(changes, Change{Kind: ChangeStatus, Entry: DirEntry(d), Phase: PhaseAfter, Old: d.after, New: StatusPending})
		d.after = StatusPending
	}
	t := d.tree
	d.mu.Unlock()

	notify(t, &d.listeners, Change{Kind: ChangeAttempt, Entry: DirEntry(d), BlockedChanged: true})
	for _, c := range changes {
		notify(t, &d.listeners, c)
	}
}

// Skip resolves the directory as Cancelled. A directory skipped before its
// before-hook ran also cancels every pending descendant.
func (d *Directory) Skip() {
	d.mu.Lock()
	var changes []Change
	cascade := false
	if d.before == StatusPending {
		changes = append(changes,
			Change{Kind: ChangeStatus, Entry: DirEntry(d), Phase: PhaseBefore, Old: StatusPending, New: StatusCancelled, BlockedChanged: true})
		d.before = StatusCancelled
		cascade = true
	}
	if d.after == StatusPending {
		changes = append(changes,
			Change{Kind: ChangeStatus, Entry: DirEntry(d), Phase: PhaseAfter, Old: StatusPending, New: StatusCancelled, BlockedChanged: true})
		d.after = StatusCancelled
	}
	t := d.tree
	d.mu.Unlock()

	for _, c := range changes {
		notify(t, &d.listeners, c)
	}
	if cascade {
		d.CancelPending()
	}
}

// Reopen returns a resolved directory to Pending, with a fresh attempt
// count, so its hooks run again. It reports whether anything changed.
func (d *Directory) Reopen() bool {
	d.mu.Lock()
	if d.before == StatusInProgress || d.after == StatusInProgress || !d.resolvedLocked() {
		d.mu.Unlock()
		return false
	}
	oldBefore, oldAfter := d.before, d.after
	d.before, d.after = StatusPending, StatusPending
	d.attempt = 1
	d.err = nil
	t := d.tree
	d.mu.Unlock()

	notify(t, &d.listeners, Change{Kind: ChangeStatus, Entry: DirEntry(d), Phase: PhaseBefore, Old: oldBefore, New: StatusPending})
	notify(t, &d.listeners, Change{Kind: ChangeStatus, Entry: DirEntry(d), Phase: PhaseAfter, Old: oldAfter, New: StatusPending})
	return true
}

// CancelPending marks Pending phases of this directory and its descendants Cancelled.
func (d *Directory) CancelPending() {
	d.mu.Lock()
	var changes []Change
	if d.before == StatusPending {
		changes = append(changes, Change{Kind: ChangeStatus, Entry: DirEntry(d), Phase: PhaseBefore, Old: StatusPending, New: StatusCancelled})
		d.before = StatusCancelled
	}
	if d.after == StatusPending {
		changes = append(changes, Change{Kind: ChangeStatus, Entry: DirEntry(d), Phase: PhaseAfter, Old: StatusPending, New: StatusCancelled})
		d.after = StatusCancelled
	}
	children := append([]Entry(nil), d.children...)
	t := d.tree
	d.mu.Unlock()

	for _, c := range changes {
		notify(t, &d.listeners, c)
	}
	for _, c := range children {
		switch c.Kind {
		case KindDirectory:
			c.Dir.CancelPending()
		case KindFile:
			c.File.CancelPending()
		}
	}
}
