package tree

import (
	"sync"
	"time"

	"github.com/rescale/rescale-bulk/internal/events"
)

// File is a leaf node: one unit of file work.
type File struct {
	mu sync.Mutex

	name    string // immutable
	payload any    // immutable
	parent  *Directory
	tree    *Tree

	size        int64
	status      Status
	attempt     int
	lastAttempt time.Time
	err         error
	progress    *Progress
	resume      bool

	listeners events.Listeners[Change]
}

// NewFile returns a pending file node. payload is opaque to the tree; batch
// handlers use it for their own per-file data.
func NewFile(name string, size int64, payload any) *File {
	return &File{name: name, size: size, payload: payload, attempt: 1}
}

func (f *File) Name() string {
	return f.name
}

// Path joins the parent's path and the file name.
func (f *File) Path() string {
	p := f.Parent()
	if p == nil {
		return f.name
	}
	if p.Path() == "/" {
		return "/" + f.name
	}
	return p.Path() + "/" + f.name
}

// Parent returns the containing directory. Lookup only.
func (f *File) Parent() *Directory {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parent
}

func (f *File) Payload() any {
	return f.payload
}

func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// SetSize updates the expected size, e.g. after a fresh listing.
func (f *File) SetSize(n int64) {
	f.mu.Lock()
	old := f.size
	f.size = n
	s := f.status
	t := f.tree
	f.mu.Unlock()

	if old == n {
		return
	}
	notify(t, &f.listeners, Change{Kind: ChangeSize, Entry: FileEntry(f), New: s, OldSize: old, NewSize: n})
}

// Subscribe registers fn for changes on this file.
func (f *File) Subscribe(fn func(Change)) (unsubscribe func()) {
	return f.listeners.Subscribe(fn)
}

func (f *File) attach(t *Tree, parent *Directory) {
	f.mu.Lock()
	f.tree = t
	f.parent = parent
	f.mu.Unlock()
}

func (f *File) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *File) Attempt() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempt
}

func (f *File) LastAttemptTime() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAttempt
}

func (f *File) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Blocked reports whether the file exceeded its attempts and is unresolved.
func (f *File) Blocked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockedLocked()
}

func (f *File) blockedLocked() bool {
	return f.attempt > maxAttemptsOf(f.tree) && !f.status.Resolved()
}

// Resume reports whether a previous attempt left a partial artifact worth continuing.
func (f *File) Resume() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resume
}

func (f *File) SetResume(v bool) {
	f.mu.Lock()
	f.resume = v
	f.mu.Unlock()
}

// Progress returns the chunked transfer progress, if any was reported.
func (f *File) Progress() (Progress, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.progress == nil {
		return Progress{}, false
	}
	return *f.progress, true
}

func (f *File) SetProgress(value, max int64) {
	f.mu.Lock()
	f.progress = &Progress{Value: value, Max: max}
	t := f.tree
	f.mu.Unlock()

	notify(t, &f.listeners, Change{Kind: ChangeProgress, Entry: FileEntry(f)})
}

func (f *File) SetStatus(s Status) {
	f.mu.Lock()
	was := f.blockedLocked()
	old := f.status
	f.status = s
	is := f.blockedLocked()
	t := f.tree
	f.mu.Unlock()

	if old == s {
		return
	}
	notify(t, &f.listeners, Change{
		Kind: ChangeStatus, Entry: FileEntry(f), Phase: PhaseFile, Old: old, New: s,
		BlockedChanged: was || is,
	})
}

// Claim flips a Pending, unblocked file to InProgress.
// It returns false if another caller got there first.
func (f *File) Claim() bool {
	f.mu.Lock()
	if f.status != StatusPending || f.blockedLocked() {
		f.mu.Unlock()
		return false
	}
	f.status = StatusInProgress
	t := f.tree
	f.mu.Unlock()

	notify(t, &f.listeners, Change{
		Kind: ChangeStatus, Entry: FileEntry(f), Phase: PhaseFile,
		Old: StatusPending, New: StatusInProgress,
	})
	return true
}

// Fail records a failed attempt: stores err, increments the attempt and
// returns the file to Pending. It reports whether the file is now blocked.
func (f *File) Fail(err error) (attempt int, blocked bool) {
	f.mu.Lock()
	was := f.blockedLocked()
	f.err = err
	f.attempt++
	f.lastAttempt = time.Now()
	old := f.status
	f.status = StatusPending
	attempt = f.attempt
	blocked = f.blockedLocked()
	t := f.tree
	f.mu.Unlock()

	notify(t, &f.listeners, Change{Kind: ChangeError, Entry: FileEntry(f)})
	notify(t, &f.listeners, Change{
		Kind: ChangeStatus, Entry: FileEntry(f), Phase: PhaseFile, Old: old, New: StatusPending,
		BlockedChanged: was || blocked,
	})
	return attempt, blocked
}

// IncrementAttempt bumps the attempt counter and records the time.
func (f *File) IncrementAttempt() int {
	f.mu.Lock()
	n := f.attempt + 1
	f.mu.Unlock()
	f.SetAttempt(n)
	return n
}

// SetAttempt sets the attempt counter and records the time.
func (f *File) SetAttempt(n int) {
	f.mu.Lock()
	was := f.blockedLocked()
	f.attempt = n
	f.lastAttempt = time.Now()
	is := f.blockedLocked()
	t := f.tree
	f.mu.Unlock()

	notify(t, &f.listeners, Change{Kind: ChangeAttempt, Entry: FileEntry(f), BlockedChanged: was || is})
}

func (f *File) SetError(err error) {
	f.mu.Lock()
	f.err = err
	t := f.tree
	f.mu.Unlock()

	notify(t, &f.listeners, Change{Kind: ChangeError, Entry: FileEntry(f)})
}

// Retry resets the attempt and error and returns an unfinished file to Pending.
func (f *File) Retry() {
	f.mu.Lock()
	f.attempt = 1
	f.err = nil
	old := f.status
	if f.status == StatusCancelled {
		f.status = StatusPending
	}
	s := f.status
	t := f.tree
	f.mu.Unlock()

	notify(t, &f.listeners, Change{Kind: ChangeAttempt, Entry: FileEntry(f), BlockedChanged: true})
	if old != s {
		notify(t, &f.listeners, Change{Kind: ChangeStatus, Entry: FileEntry(f), Phase: PhaseFile, Old: old, New: s})
	}
}

// Skip resolves the file as Cancelled.
func (f *File) Skip() {
	f.mu.Lock()
	if f.status != StatusPending {
		f.mu.Unlock()
		return
	}
	f.status = StatusCancelled
	t := f.tree
	f.mu.Unlock()

	notify(t, &f.listeners, Change{
		Kind: ChangeStatus, Entry: FileEntry(f), Phase: PhaseFile,
		Old: StatusPending, New: StatusCancelled, BlockedChanged: true,
	})
}

// Reopen returns a Done file to Pending with a fresh attempt count.
func (f *File) Reopen() bool {
	f.mu.Lock()
	if f.status != StatusDone && f.status != StatusCancelled {
		f.mu.Unlock()
		return false
	}
	old := f.status
	f.status = StatusPending
	f.attempt = 1
	f.err = nil
	t := f.tree
	f.mu.Unlock()

	notify(t, &f.listeners, Change{Kind: ChangeStatus, Entry: FileEntry(f), Phase: PhaseFile, Old: old, New: StatusPending})
	return true
}

// CancelPending marks a Pending file Cancelled.
func (f *File) CancelPending() {
	f.mu.Lock()
	if f.status != StatusPending {
		f.mu.Unlock()
		return
	}
	f.status = StatusCancelled
	t := f.tree
	f.mu.Unlock()

	notify(t, &f.listeners, Change{
		Kind: ChangeStatus, Entry: FileEntry(f), Phase: PhaseFile,
		Old: StatusPending, New: StatusCancelled,
	})
}
