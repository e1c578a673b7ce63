package chunked

import (
	"errors"
	"fmt"

	"github.com/rescale/rescale-bulk/internal/remote"
)

var (
	// ErrPaused - the transfer stopped at a chunk boundary because its operation was paused
	ErrPaused = remote.ErrPaused
	// ErrCancelled - the transfer stopped at a chunk boundary because its operation was cancelled
	ErrCancelled = remote.ErrCancelled
	// ErrSessionLost - the server no longer knows the upload session
	ErrSessionLost = errors.New("chunk session lost")
	// ErrSizeMismatch - the finished artifact's size differs from the expected total
	ErrSizeMismatch = errors.New("size mismatch after transfer")
	// ErrFileChanged - the remote file changed size while it was being downloaded
	ErrFileChanged = errors.New("remote file changed during operation")
)

// IntegrityError reports a chunk the server rejected for protocol reasons
// (desync, malformed size, foreign session). It is never retried at the chunk
// level; the next attempt resumes from the verified remote size.
type IntegrityError struct {
	Path   string
	Status remote.ChunkStatus
	Offset int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chunk %s at offset %d of %s", e.Status, e.Offset, e.Path)
}

func (e *IntegrityError) Unwrap() error {
	return remote.ErrIntegrity
}

// Signal is the cooperative pause/cancel token polled before every chunk.
type Signal interface {
	Paused() bool
	Cancelled() bool
}

type noSignal struct{}

func (noSignal) Paused() bool    { return false }
func (noSignal) Cancelled() bool { return false }

// Result describes what one transfer attempt achieved.
type Result struct {
	// StartOffset is where this attempt began.
	StartOffset int64
	// Offset is the last byte position the other side confirmed.
	Offset int64
	// BytesSent counts bytes moved by this attempt alone.
	BytesSent int64
	// ChunkSizes lists the size of every accepted chunk, in order.
	ChunkSizes []int64
	// Resumable is set when a later attempt should continue instead of restarting.
	Resumable bool
}
