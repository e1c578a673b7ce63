// Package memory implements an in-process remote file server on a go-billy
// filesystem. It backs the tests and the CLI's memory backend.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/google/uuid"

	"github.com/rescale/rescale-bulk/internal/remote"
)

// Op names a server call, for hooks.
type Op string

const (
	OpConnect      Op = "connect"
	OpList         Op = "list"
	OpStat         Op = "stat"
	OpDownload     Op = "download"
	OpUpload       Op = "upload"
	OpStartChunked Op = "start_chunked"
	OpChunk        Op = "chunk"
	OpStopChunked  Op = "stop_chunked"
	OpMkdir        Op = "mkdir"
	OpRename       Op = "rename"
	OpDelete       Op = "delete"
)

// Hook runs before every server call. A non-nil error fails the call.
type Hook func(op Op, p string) error

type upload struct {
	owner string
	path  string
	size  int64
	next  int64
	file  billy.File
}

// Server is a remote file server shared by any number of connections.
type Server struct {
	mu      sync.Mutex
	fs      billy.Filesystem
	uploads map[string]*upload
	hook    Hook
	calls   map[Op]int
	connSeq atomic.Int64
}

// NewServer returns a server on an empty in-memory filesystem.
func NewServer() *Server {
	return NewServerFS(memfs.New())
}

// NewServerFS returns a server storing its files on fs.
func NewServerFS(fs billy.Filesystem) *Server {
	_ = fs.MkdirAll("/", 0o755)
	return &Server{
		fs:      fs,
		uploads: make(map[string]*upload),
		calls:   make(map[Op]int),
	}
}

// SetHook installs a hook called before each server call. Pass nil to remove it.
func (s *Server) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// Calls returns how many times op was invoked.
func (s *Server) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Factory returns a connection factory for this server.
func (s *Server) Factory() remote.Factory {
	return func(ctx context.Context) (remote.Connection, error) {
		return s.NewConn(), nil
	}
}

// NewConn returns a new, unconnected connection.
func (s *Server) NewConn() *Conn {
	return &Conn{server: s, id: fmt.Sprintf("conn-%d", s.connSeq.Add(1))}
}

// WriteFile stores data at p, creating parent directories.
func (s *Server) WriteFile(p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := s.fs.Create(p)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile returns the bytes stored at p.
func (s *Server) ReadFile(p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRange(p, 0, -1)
}

// MkdirAll creates p and any missing parents.
func (s *Server) MkdirAll(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fs.MkdirAll(p, 0o755)
}

// Exists reports whether p exists.
func (s *Server) Exists(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.fs.Stat(p)
	return err == nil
}

// before runs the hook and counts the call. Callers must not hold s.mu.
func (s *Server) before(op Op, p string) error {
	s.mu.Lock()
	s.calls[op]++
	h := s.hook
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(op, p)
}

func (s *Server) stat(p string) (os.FileInfo, error) {
	fi, err := s.fs.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", p, remote.ErrNotFound)
		}
		return nil, err
	}
	return fi, nil
}

func (s *Server) requireParent(p string) error {
	dir := path.Dir(p)
	if dir == "/" {
		return nil
	}
	fi, err := s.stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

func (s *Server) readRange(p string, offset, length int64) ([]byte, error) {
	fi, err := s.stat(p)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", p)
	}
	if offset > fi.Size() {
		return nil, fmt.Errorf("offset %d beyond size %d of %s: %w", offset, fi.Size(), p, remote.ErrIntegrity)
	}
	if length < 0 || offset+length > fi.Size() {
		length = fi.Size() - offset
	}

	f, err := s.fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}

func entryFromInfo(p string, fi os.FileInfo) remote.Entry {
	e := remote.Entry{Path: p, IsDir: fi.IsDir(), ModTime: fi.ModTime()}
	if !fi.IsDir() {
		e.Size = fi.Size()
	}
	return e
}

func sortEntries(entries []remote.Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
}

func newUploadID() string {
	return uuid.NewString()
}
