// Package localfs reads the local side of a transfer through a go-billy
// filesystem: listing, walking with glob filters, and scanning a directory
// into an upload tree.
package localfs

import (
	"path"
	"strings"
)

// IsHidden returns true if the file or directory at the given slash-separated path is hidden.
func IsHidden(p string) bool {
	return IsHiddenName(path.Base(p))
}

// IsHiddenName returns true if the given filename (not path) represents a hidden file.
// Special entries "." and ".." are not considered hidden.
func IsHiddenName(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	return strings.HasPrefix(name, ".")
}
