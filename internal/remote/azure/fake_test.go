package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rescale/rescale-bulk/internal/remote"
)

type fakeBlob struct {
	data   []byte
	blocks []Block
}

// fakeStore is an in-memory container with block semantics: staged blocks
// stay invisible until committed.
type fakeStore struct {
	mu        sync.Mutex
	blobs     map[string]*fakeBlob
	staged    map[string]map[string][]byte
	calls     map[string]int
	failStage error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		blobs:  make(map[string]*fakeBlob),
		staged: make(map[string]map[string][]byte),
		calls:  make(map[string]int),
	}
}

func (f *fakeStore) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeStore) blob(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[name]
	if !ok {
		return nil, false
	}
	return b.data, true
}

func (f *fakeStore) put(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[name] = &fakeBlob{data: append([]byte(nil), data...)}
}

func notFound(name string) error {
	return fmt.Errorf("%s: %w", name, remote.ErrNotFound)
}

func (f *fakeStore) Exists(ctx context.Context) error { return nil }

func (f *fakeStore) Properties(ctx context.Context, name string) (BlobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[name]
	if !ok {
		return BlobInfo{}, notFound(name)
	}
	return BlobInfo{Name: name, Size: int64(len(b.data)), ModTime: time.Unix(0, 0)}, nil
}

func (f *fakeStore) List(ctx context.Context, prefix, delimiter string, max int) ([]BlobInfo, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["List"]++

	names := make([]string, 0, len(f.blobs))
	for n := range f.blobs {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	var blobs []BlobInfo
	var prefixes []string
	seen := map[string]bool{}
	for _, n := range names {
		if max > 0 && len(blobs)+len(prefixes) >= max {
			break
		}
		rest := strings.TrimPrefix(n, prefix)
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				p := prefix + rest[:i+len(delimiter)]
				if !seen[p] {
					seen[p] = true
					prefixes = append(prefixes, p)
				}
				continue
			}
		}
		blobs = append(blobs, BlobInfo{Name: n, Size: int64(len(f.blobs[n].data)), ModTime: time.Unix(0, 0)})
	}
	return blobs, prefixes, nil
}

func (f *fakeStore) Download(ctx context.Context, name string, offset, count int64) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[name]
	if !ok {
		return nil, notFound(name)
	}
	size := int64(len(b.data))
	if offset >= size {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := size
	if count > 0 && offset+count < size {
		end = offset + count
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), b.data[offset:end]...))), nil
}

func (f *fakeStore) Upload(ctx context.Context, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Upload"]++
	f.blobs[name] = &fakeBlob{data: append([]byte(nil), data...)}
	delete(f.staged, name)
	return nil
}

func (f *fakeStore) StageBlock(ctx context.Context, name, blockID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["StageBlock"]++
	if f.failStage != nil {
		return f.failStage
	}
	if f.staged[name] == nil {
		f.staged[name] = make(map[string][]byte)
	}
	f.staged[name][blockID] = append([]byte(nil), data...)
	return nil
}

func (f *fakeStore) CommittedBlocks(ctx context.Context, name string) ([]Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[name]
	if !ok {
		return nil, notFound(name)
	}
	return append([]Block(nil), b.blocks...), nil
}

func (f *fakeStore) CommitBlockList(ctx context.Context, name string, blockIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CommitBlockList"]++

	committed := map[string][]byte{}
	if b, ok := f.blobs[name]; ok {
		var off int64
		for _, blk := range b.blocks {
			committed[blk.ID] = b.data[off : off+blk.Size]
			off += blk.Size
		}
	}

	var buf bytes.Buffer
	blocks := make([]Block, 0, len(blockIDs))
	for _, id := range blockIDs {
		data, ok := f.staged[name][id]
		if !ok {
			if data, ok = committed[id]; !ok {
				return fmt.Errorf("%s: InvalidBlockList", name)
			}
		}
		buf.Write(data)
		blocks = append(blocks, Block{ID: id, Size: int64(len(data))})
	}
	f.blobs[name] = &fakeBlob{data: buf.Bytes(), blocks: blocks}
	delete(f.staged, name)
	return nil
}

func (f *fakeStore) Copy(ctx context.Context, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Copy"]++
	b, ok := f.blobs[from]
	if !ok {
		return notFound(from)
	}
	f.blobs[to] = &fakeBlob{data: append([]byte(nil), b.data...)}
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blobs[name]; !ok {
		return notFound(name)
	}
	delete(f.blobs, name)
	return nil
}
