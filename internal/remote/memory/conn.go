package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/rescale/rescale-bulk/internal/remote"
)

// Conn is one connection to a Server.
type Conn struct {
	server    *Server
	id        string
	connected atomic.Bool
}

var _ remote.Connection = (*Conn)(nil)

// ID identifies the connection; chunk sessions are owned by the connection that started them.
func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.server.before(OpConnect, ""); err != nil {
		return err
	}
	c.connected.Store(true)
	return nil
}

func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

func (c *Conn) Close() error {
	c.connected.Store(false)
	return nil
}

func (c *Conn) call(ctx context.Context, op Op, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return remote.ErrNotConnected
	}
	return c.server.before(op, p)
}

func (c *Conn) List(ctx context.Context, dir string) ([]remote.Entry, error) {
	if err := c.call(ctx, OpList, dir); err != nil {
		return nil, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	fi, err := s.stat(dir)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	infos, err := s.fs.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]remote.Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, entryFromInfo(remote.Join(dir, info.Name()), info))
	}
	sortEntries(entries)
	return entries, nil
}

func (c *Conn) Stat(ctx context.Context, p string) (remote.Entry, error) {
	if err := c.call(ctx, OpStat, p); err != nil {
		return remote.Entry{}, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	fi, err := s.stat(p)
	if err != nil {
		return remote.Entry{}, err
	}
	return entryFromInfo(p, fi), nil
}

func (c *Conn) Download(ctx context.Context, p string, offset, length int64) (io.ReadCloser, error) {
	if err := c.call(ctx, OpDownload, p); err != nil {
		return nil, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readRange(p, offset, length)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *Conn) UploadSmall(ctx context.Context, r io.Reader, size int64, p string) error {
	if err := c.call(ctx, OpUpload, p); err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return fmt.Errorf("read %s: %w", p, err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("upload %s: got %d bytes, declared %d: %w", p, len(data), size, remote.ErrIntegrity)
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireParent(p); err != nil {
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

func (c *Conn) StartChunkedUpload(ctx context.Context, p string, size, startOffset int64) (string, error) {
	if err := c.call(ctx, OpStartChunked, p); err != nil {
		return "", err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireParent(p); err != nil {
		return "", err
	}

	u := &upload{owner: c.id, path: p, size: size, next: startOffset}
	if startOffset == 0 {
		f, err := s.fs.Create(p)
		if err != nil {
			return "", err
		}
		u.file = f
	} else {
		fi, err := s.stat(p)
		if err != nil {
			return "", err
		}
		if fi.Size() < startOffset {
			return "", fmt.Errorf("append to %s at %d but only %d stored: %w", p, startOffset, fi.Size(), remote.ErrIntegrity)
		}
		f, err := s.fs.OpenFile(p, os.O_RDWR, 0o644)
		if err != nil {
			return "", err
		}
		if err := f.Truncate(startOffset); err != nil {
			f.Close()
			return "", err
		}
		if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
			f.Close()
			return "", err
		}
		u.file = f
	}

	id := newUploadID()
	s.uploads[id] = u
	return id, nil
}

func (c *Conn) UploadChunk(ctx context.Context, uploadID string, chunk []byte, start, end int64) remote.ChunkResult {
	if err := c.call(ctx, OpChunk, uploadID); err != nil {
		return remote.ChunkResult{Status: remote.ChunkError, Err: err}
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	switch {
	case !ok:
		return remote.ChunkResult{Status: remote.ChunkNotFound}
	case u.owner != c.id:
		return remote.ChunkResult{Status: remote.ChunkHijack}
	case start > end || int64(len(chunk)) != end-start || end > u.size:
		return remote.ChunkResult{Status: remote.ChunkMalsized}
	case start != u.next:
		return remote.ChunkResult{Status: remote.ChunkDesync}
	}

	if _, err := u.file.Write(chunk); err != nil {
		return remote.ChunkResult{Status: remote.ChunkError, Err: err}
	}
	u.next = end
	if end == u.size {
		u.file.Close()
		delete(s.uploads, uploadID)
		return remote.ChunkResult{Status: remote.ChunkEnd}
	}
	return remote.ChunkResult{Status: remote.ChunkSuccess}
}

func (c *Conn) StopChunkedUpload(ctx context.Context, uploadID string) error {
	if err := c.call(ctx, OpStopChunked, uploadID); err != nil {
		return err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok {
		return fmt.Errorf("upload %s: %w", uploadID, remote.ErrNotFound)
	}
	delete(s.uploads, uploadID)
	return u.file.Close()
}

func (c *Conn) Mkdir(ctx context.Context, p string) error {
	if err := c.call(ctx, OpMkdir, p); err != nil {
		return err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.fs.Stat(p); err == nil {
		return fmt.Errorf("%s: %w", p, remote.ErrAlreadyExists)
	}
	if err := s.requireParent(p); err != nil {
		return err
	}
	return s.fs.MkdirAll(p, 0o755)
}

func (c *Conn) Rename(ctx context.Context, from, to string) error {
	if err := c.call(ctx, OpRename, from); err != nil {
		return err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.stat(from); err != nil {
		return err
	}
	if _, err := s.fs.Stat(to); err == nil {
		return fmt.Errorf("%s: %w", to, remote.ErrAlreadyExists)
	}
	if err := s.requireParent(to); err != nil {
		return err
	}
	return s.fs.Rename(from, to)
}

func (c *Conn) Delete(ctx context.Context, p string) error {
	if err := c.call(ctx, OpDelete, p); err != nil {
		return err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	fi, err := s.stat(p)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		children, err := s.fs.ReadDir(p)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return fmt.Errorf("%s: %w", p, remote.ErrNotEmpty)
		}
	}
	return s.fs.Remove(p)
}
