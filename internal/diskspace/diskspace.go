// Package diskspace checks free space on the filesystem a download lands on.
package diskspace

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// InsufficientSpaceError indicates that there is not enough disk space available.
type InsufficientSpaceError struct {
	Path           string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space for %s: need %s, have %s available",
		e.Path, humanize.Bytes(uint64(e.RequiredBytes)), humanize.Bytes(uint64(e.AvailableBytes)))
}

// statfs is swapped in tests.
var statfs = availableBytes

// CheckAvailableSpace checks that the filesystem holding targetPath has
// requiredBytes × safetyMargin free. targetPath itself need not exist. When
// the filesystem cannot be queried the check passes and the write fails on
// its own if it must.
func CheckAvailableSpace(targetPath string, requiredBytes int64, safetyMargin float64) error {
	available, ok := statfs(filepath.Dir(targetPath))
	if !ok {
		return nil
	}

	requiredWithMargin := int64(float64(requiredBytes) * safetyMargin)
	if available < requiredWithMargin {
		return &InsufficientSpaceError{
			Path:           targetPath,
			RequiredBytes:  requiredWithMargin,
			AvailableBytes: available,
		}
	}
	return nil
}

// GetAvailableSpace returns the available space in bytes for the filesystem
// containing path. Returns 0 if unable to determine.
func GetAvailableSpace(path string) int64 {
	n, _ := statfs(filepath.Dir(path))
	return n
}

// IsInsufficientSpaceError checks if an error is, or wraps, an InsufficientSpaceError
func IsInsufficientSpaceError(err error) bool {
	var e *InsufficientSpaceError
	return errors.As(err, &e)
}
