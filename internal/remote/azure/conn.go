// Package azure implements remote.Connection on an Azure Blob Storage
// container. Directories are name prefixes, optionally marked by an empty
// "dir/" blob; chunk sessions stage blocks and commit them as a block list.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rescale/rescale-bulk/internal/logging"
	"github.com/rescale/rescale-bulk/internal/remote"
)

// Conn is one logical connection to a container. Chunk sessions belong to one Conn.
type Conn struct {
	store  Store
	prefix string
	logger *logging.Logger

	connected atomic.Bool

	mu       sync.Mutex
	sessions map[string]*session
}

var _ remote.Connection = (*Conn)(nil)

// New returns an unconnected Conn. Remote paths are stored under prefix.
func New(store Store, prefix string, logger *logging.Logger) *Conn {
	if logger == nil {
		logger = logging.NewNop()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Conn{
		store:    store,
		prefix:   prefix,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Connect checks that the container is reachable with the configured SAS token.
func (c *Conn) Connect(ctx context.Context) error {
	if err := c.store.Exists(ctx); err != nil {
		return err
	}
	c.connected.Store(true)
	return nil
}

func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

// Close drops open chunk sessions. Uncommitted blocks are garbage collected
// by the service.
func (c *Conn) Close() error {
	c.connected.Store(false)
	c.mu.Lock()
	c.sessions = make(map[string]*session)
	c.mu.Unlock()
	return nil
}

func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return remote.ErrNotConnected
	}
	return nil
}

func (c *Conn) name(p string) string {
	return c.prefix + strings.TrimPrefix(path.Clean("/"+p), "/")
}

func (c *Conn) dirName(p string) string {
	n := c.name(p)
	if n == "" || strings.HasSuffix(n, "/") {
		return n
	}
	return n + "/"
}

func (c *Conn) pathOf(name string) string {
	return "/" + strings.TrimSuffix(strings.TrimPrefix(name, c.prefix), "/")
}

func isRoot(p string) bool {
	return path.Clean("/"+p) == "/"
}

func (c *Conn) List(ctx context.Context, dir string) ([]remote.Entry, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if _, err := c.stat(ctx, dir); err != nil {
		return nil, err
	}

	prefix := c.dirName(dir)
	blobs, prefixes, err := c.store.List(ctx, prefix, "/", 0)
	if err != nil {
		return nil, err
	}
	entries := make([]remote.Entry, 0, len(blobs)+len(prefixes))
	for _, p := range prefixes {
		entries = append(entries, remote.Entry{Path: c.pathOf(p), IsDir: true})
	}
	for _, b := range blobs {
		if b.Name == prefix {
			continue
		}
		entries = append(entries, remote.Entry{Path: c.pathOf(b.Name), Size: b.Size, ModTime: b.ModTime})
	}
	return entries, nil
}

func (c *Conn) Stat(ctx context.Context, p string) (remote.Entry, error) {
	if err := c.check(ctx); err != nil {
		return remote.Entry{}, err
	}
	return c.stat(ctx, p)
}

// stat resolves p as a blob, then as a directory marker, then as a
// non-empty implicit directory.
func (c *Conn) stat(ctx context.Context, p string) (remote.Entry, error) {
	clean := path.Clean("/" + p)
	if isRoot(clean) {
		return remote.Entry{Path: "/", IsDir: true}, nil
	}

	name := c.name(clean)
	info, err := c.store.Properties(ctx, name)
	if err == nil {
		return remote.Entry{Path: clean, Size: info.Size, ModTime: info.ModTime}, nil
	}
	if !errors.Is(err, remote.ErrNotFound) {
		return remote.Entry{}, err
	}

	info, err = c.store.Properties(ctx, name+"/")
	if err == nil {
		return remote.Entry{Path: clean, IsDir: true, ModTime: info.ModTime}, nil
	}
	if !errors.Is(err, remote.ErrNotFound) {
		return remote.Entry{}, err
	}

	blobs, _, err := c.store.List(ctx, name+"/", "", 1)
	if err != nil {
		return remote.Entry{}, err
	}
	if len(blobs) > 0 {
		return remote.Entry{Path: clean, IsDir: true}, nil
	}
	return remote.Entry{}, fmt.Errorf("%s: %w", clean, remote.ErrNotFound)
}

func (c *Conn) Download(ctx context.Context, p string, offset, length int64) (io.ReadCloser, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	count := length
	if count < 0 {
		// A zero count reads to the end.
		count = 0
	}
	return c.store.Download(ctx, c.name(p), offset, count)
}

func (c *Conn) UploadSmall(ctx context.Context, r io.Reader, size int64, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return fmt.Errorf("read %s: %w", p, err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("upload %s: got %d bytes, declared %d: %w", p, len(data), size, remote.ErrIntegrity)
	}
	return c.store.Upload(ctx, c.name(p), data)
}

func (c *Conn) Mkdir(ctx context.Context, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if _, err := c.stat(ctx, p); err == nil {
		return fmt.Errorf("%s: %w", p, remote.ErrAlreadyExists)
	} else if !errors.Is(err, remote.ErrNotFound) {
		return err
	}
	return c.store.Upload(ctx, c.dirName(p), nil)
}

// Rename copies server-side then deletes. Directories are moved blob by blob.
func (c *Conn) Rename(ctx context.Context, from, to string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	src, err := c.stat(ctx, from)
	if err != nil {
		return err
	}
	if _, err := c.stat(ctx, to); err == nil {
		return fmt.Errorf("%s: %w", to, remote.ErrAlreadyExists)
	} else if !errors.Is(err, remote.ErrNotFound) {
		return err
	}

	if !src.IsDir {
		return c.move(ctx, c.name(from), c.name(to))
	}
	fromName, toName := c.dirName(from), c.dirName(to)
	blobs, _, err := c.store.List(ctx, fromName, "", 0)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		if err := c.move(ctx, b.Name, toName+strings.TrimPrefix(b.Name, fromName)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) move(ctx context.Context, from, to string) error {
	if err := c.store.Copy(ctx, from, to); err != nil {
		return err
	}
	return c.store.Delete(ctx, from)
}

// Delete removes a file, or an empty directory's marker.
func (c *Conn) Delete(ctx context.Context, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	e, err := c.stat(ctx, p)
	if err != nil {
		return err
	}
	if !e.IsDir {
		return c.store.Delete(ctx, c.name(p))
	}

	prefix := c.dirName(p)
	blobs, _, err := c.store.List(ctx, prefix, "", 2)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		if b.Name != prefix {
			return fmt.Errorf("%s: %w", p, remote.ErrNotEmpty)
		}
	}
	if isRoot(p) || len(blobs) == 0 {
		return nil
	}
	return c.store.Delete(ctx, prefix)
}
