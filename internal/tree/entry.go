package tree

import "time"

// Entry is a child of a directory: exactly one of Dir or File is set, as named by Kind.
type Entry struct {
	Kind Kind
	Dir  *Directory
	File *File
}

// DirEntry wraps a directory.
func DirEntry(d *Directory) Entry {
	return Entry{Kind: KindDirectory, Dir: d}
}

// FileEntry wraps a file.
func FileEntry(f *File) Entry {
	return Entry{Kind: KindFile, File: f}
}

func (e Entry) Name() string {
	switch e.Kind {
	case KindDirectory:
		return e.Dir.Name()
	case KindFile:
		return e.File.Name()
	}
	return ""
}

func (e Entry) Path() string {
	switch e.Kind {
	case KindDirectory:
		return e.Dir.Path()
	case KindFile:
		return e.File.Path()
	}
	return ""
}

func (e Entry) Parent() *Directory {
	switch e.Kind {
	case KindDirectory:
		return e.Dir.Parent()
	case KindFile:
		return e.File.Parent()
	}
	return nil
}

func (e Entry) Attempt() int {
	switch e.Kind {
	case KindDirectory:
		return e.Dir.Attempt()
	case KindFile:
		return e.File.Attempt()
	}
	return 0
}

func (e Entry) LastAttemptTime() time.Time {
	switch e.Kind {
	case KindDirectory:
		return e.Dir.LastAttemptTime()
	case KindFile:
		return e.File.LastAttemptTime()
	}
	return time.Time{}
}

func (e Entry) Err() error {
	switch e.Kind {
	case KindDirectory:
		return e.Dir.Err()
	case KindFile:
		return e.File.Err()
	}
	return nil
}

func (e Entry) Blocked() bool {
	switch e.Kind {
	case KindDirectory:
		return e.Dir.Blocked()
	case KindFile:
		return e.File.Blocked()
	}
	return false
}

func (e Entry) Resolved() bool {
	switch e.Kind {
	case KindDirectory:
		return e.Dir.Resolved()
	case KindFile:
		return e.File.Status().Resolved()
	}
	return true
}

// Retry makes a blocked node eligible for scheduling again.
func (e Entry) Retry() {
	switch e.Kind {
	case KindDirectory:
		e.Dir.Retry()
	case KindFile:
		e.File.Retry()
	}
}

// Skip resolves a blocked node as Cancelled.
func (e Entry) Skip() {
	switch e.Kind {
	case KindDirectory:
		e.Dir.Skip()
	case KindFile:
		e.File.Skip()
	}
}

// Reopen returns a resolved node to Pending so its work runs again.
func (e Entry) Reopen() bool {
	switch e.Kind {
	case KindDirectory:
		return e.Dir.Reopen()
	case KindFile:
		return e.File.Reopen()
	}
	return false
}

func (e Entry) Subscribe(fn func(Change)) (unsubscribe func()) {
	switch e.Kind {
	case KindDirectory:
		return e.Dir.Subscribe(fn)
	case KindFile:
		return e.File.Subscribe(fn)
	}
	return func() {}
}

func (e Entry) attach(t *Tree, parent *Directory) {
	switch e.Kind {
	case KindDirectory:
		e.Dir.attach(t, parent)
	case KindFile:
		e.File.attach(t, parent)
	}
}
