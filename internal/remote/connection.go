// Package remote defines the connection capability the transfer engine needs
// from a remote file server, independent of how calls are encoded on the wire.
package remote

import (
	"context"
	"io"
	"path"
	"time"
)

// Connection is one stateful, expensive-to-open session with the remote server.
// A Connection is used by one goroutine at a time; the pool enforces this.
type Connection interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Close() error

	// List returns the entries directly inside dir.
	List(ctx context.Context, dir string) ([]Entry, error)
	// Stat returns the entry at p, or ErrNotFound.
	Stat(ctx context.Context, p string) (Entry, error)
	// Download streams length bytes of p starting at offset. A length of -1 reads to the end.
	Download(ctx context.Context, p string, offset, length int64) (io.ReadCloser, error)
	// UploadSmall writes a whole file in one call.
	UploadSmall(ctx context.Context, r io.Reader, size int64, p string) error

	// StartChunkedUpload opens a chunk session for a file of the given total size.
	// A non-zero startOffset appends to the bytes already stored at p.
	StartChunkedUpload(ctx context.Context, p string, size, startOffset int64) (uploadID string, err error)
	// UploadChunk sends bytes [start, end) of the file.
	UploadChunk(ctx context.Context, uploadID string, chunk []byte, start, end int64) ChunkResult
	// StopChunkedUpload closes a session and keeps whatever was received, so it can be resumed.
	StopChunkedUpload(ctx context.Context, uploadID string) error

	Mkdir(ctx context.Context, p string) error
	Rename(ctx context.Context, from, to string) error
	// Delete removes a file or an empty directory. A non-empty directory yields ErrNotEmpty.
	Delete(ctx context.Context, p string) error
}

// Entry describes one remote file or directory.
type Entry struct {
	Path    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Name returns the last path element.
func (e Entry) Name() string {
	return path.Base(e.Path)
}

// ChunkStatus is the server's verdict on one uploaded chunk.
type ChunkStatus int

const (
	// ChunkSuccess - chunk stored, more expected
	ChunkSuccess ChunkStatus = iota
	// ChunkEnd - chunk stored and the file is complete
	ChunkEnd
	// ChunkDesync - chunk start did not match the server's next expected byte
	ChunkDesync
	// ChunkNotFound - the upload session is unknown to the server (404)
	ChunkNotFound
	// ChunkMalsized - chunk length disagrees with its declared range or the file size
	ChunkMalsized
	// ChunkHijack - the session belongs to another connection
	ChunkHijack
	// ChunkError - any other failure; see ChunkResult.Err
	ChunkError
)

func (s ChunkStatus) String() string {
	switch s {
	case ChunkSuccess:
		return "success"
	case ChunkEnd:
		return "end"
	case ChunkDesync:
		return "desync"
	case ChunkNotFound:
		return "404"
	case ChunkMalsized:
		return "malsized"
	case ChunkHijack:
		return "hijack"
	case ChunkError:
		return "error"
	default:
		return "unknown"
	}
}

// ChunkResult is returned by UploadChunk.
type ChunkResult struct {
	Status ChunkStatus
	Err    error
}

// Factory builds a new, not yet connected Connection.
type Factory func(ctx context.Context) (Connection, error)

// Join joins remote path elements using forward slashes.
func Join(elem ...string) string {
	return path.Join(elem...)
}
