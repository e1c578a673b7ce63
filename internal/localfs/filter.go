package localfs

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter selects the entries a batch works on. Patterns use doublestar
// syntax against slash-separated paths relative to the batch root; a
// pattern without a slash also matches the base name alone.
type Filter struct {
	// IncludeHidden keeps dot-files and dot-directories.
	IncludeHidden bool
	// Include keeps only files matching one of the patterns. Empty keeps everything.
	Include []string
	// Exclude drops matching files and whole matching directories.
	Exclude []string
}

// Validate checks every pattern.
func (f Filter) Validate() error {
	for _, p := range append(append([]string(nil), f.Include...), f.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid pattern %q: %w", p, doublestar.ErrBadPattern)
		}
	}
	return nil
}

// Keep reports whether rel passes the filter. Include patterns only apply
// to files, since a directory may hold matching files further down.
func (f Filter) Keep(rel string, isDir bool) bool {
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	if rel == "" {
		return true
	}
	if !f.IncludeHidden && IsHidden(rel) {
		return false
	}
	if matchAny(f.Exclude, rel) {
		return false
	}
	if isDir || len(f.Include) == 0 {
		return true
	}
	return matchAny(f.Include, rel)
}

func matchAny(patterns []string, rel string) bool {
	base := path.Base(rel)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if !strings.Contains(p, "/") {
			if ok, _ := doublestar.Match(p, base); ok {
				return true
			}
		}
	}
	return false
}
