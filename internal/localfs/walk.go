package localfs

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// FileEntry represents a file or directory in the local filesystem.
type FileEntry struct {
	Path    string // path within the billy filesystem
	Rel     string // slash-separated path relative to the walk root
	Name    string
	Size    int64 // 0 for directories
	IsDir   bool
	ModTime time.Time
	Mode    fs.FileMode
}

func entryOf(p, rel string, info os.FileInfo) FileEntry {
	e := FileEntry{
		Path:    p,
		Rel:     rel,
		Name:    info.Name(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
		Mode:    info.Mode(),
	}
	if !e.IsDir {
		e.Size = info.Size()
	}
	return e
}

// regular reports whether info is a directory or a plain file. Symlinks,
// devices and sockets are not transferred.
func regular(info os.FileInfo) bool {
	return info.IsDir() || info.Mode().IsRegular()
}

// ListDirectory returns the filtered contents of dir.
func ListDirectory(fsys billy.Filesystem, dir string, f Filter) ([]FileEntry, error) {
	infos, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	result := make([]FileEntry, 0, len(infos))
	for _, info := range infos {
		if !regular(info) {
			continue
		}
		p := fsys.Join(dir, info.Name())
		if !f.Keep(info.Name(), info.IsDir()) {
			continue
		}
		result = append(result, entryOf(p, info.Name(), info))
	}
	return result, nil
}

// WalkFunc is the callback signature for Walk.
// Return filepath.SkipDir to skip a directory, or any other error to stop walking.
type WalkFunc func(entry FileEntry) error

// Walk visits root and everything below it depth-first, directories before
// their contents. Entries the filter drops are not visited; a dropped
// directory is not descended into. Unreadable entries are skipped.
func Walk(fsys billy.Filesystem, root string, f Filter, fn WalkFunc) error {
	return util.Walk(fsys, root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		rel := relative(root, p)
		if !regular(info) {
			return nil
		}
		if !f.Keep(rel, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return fn(entryOf(p, rel, info))
	})
}

// WalkFiles is Walk restricted to regular files.
func WalkFiles(fsys billy.Filesystem, root string, f Filter, fn WalkFunc) error {
	return Walk(fsys, root, f, func(entry FileEntry) error {
		if entry.IsDir {
			return nil
		}
		return fn(entry)
	})
}

func relative(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		return ""
	}
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(rel)), "/")
}
