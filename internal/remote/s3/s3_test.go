package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-bulk/internal/chunked"
	"github.com/rescale/rescale-bulk/internal/remote"
)

func newConn(t *testing.T, prefix string) (*Conn, *fakeAPI) {
	t.Helper()
	api := newFakeAPI()
	c := New(api, "bucket", prefix, nil)
	require.NoError(t, c.Connect(context.Background()))
	return c, api
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestConn_NotConnected(t *testing.T) {
	c := New(newFakeAPI(), "bucket", "", nil)
	_, err := c.Stat(context.Background(), "/a")
	assert.ErrorIs(t, err, remote.ErrNotConnected)
}

func TestConn_DirectoryLifecycle(t *testing.T) {
	ctx := context.Background()
	c, api := newConn(t, "projects")

	require.NoError(t, c.Mkdir(ctx, "/a"))
	assert.ErrorIs(t, c.Mkdir(ctx, "/a"), remote.ErrAlreadyExists)
	_, ok := api.object("projects/a/")
	assert.True(t, ok, "directory marker stored under the prefix")

	require.NoError(t, c.UploadSmall(ctx, bytes.NewReader([]byte("hello")), 5, "/a/x.txt"))
	_, ok = api.object("projects/a/x.txt")
	assert.True(t, ok)

	root, err := c.List(ctx, "/")
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, remote.Entry{Path: "/a", IsDir: true}, root[0])

	entries, err := c.List(ctx, "/a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/a/x.txt", entries[0].Path)
	assert.Equal(t, int64(5), entries[0].Size)
	assert.False(t, entries[0].IsDir)

	assert.ErrorIs(t, c.Delete(ctx, "/a"), remote.ErrNotEmpty)
	require.NoError(t, c.Delete(ctx, "/a/x.txt"))
	require.NoError(t, c.Delete(ctx, "/a"))

	_, err = c.Stat(ctx, "/a")
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.ErrorIs(t, c.Delete(ctx, "/a"), remote.ErrNotFound)
}

func TestConn_ImplicitDirectory(t *testing.T) {
	ctx := context.Background()
	c, api := newConn(t, "")
	api.put("data/run1/out.bin", payload(10))

	e, err := c.Stat(ctx, "/data")
	require.NoError(t, err)
	assert.True(t, e.IsDir)

	entries, err := c.List(ctx, "/data")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, remote.Entry{Path: "/data/run1", IsDir: true}, entries[0])
}

func TestConn_UploadSmallSizeMismatch(t *testing.T) {
	c, _ := newConn(t, "")
	err := c.UploadSmall(context.Background(), bytes.NewReader([]byte("abc")), 5, "/x")
	assert.ErrorIs(t, err, remote.ErrIntegrity)
}

func TestConn_Download(t *testing.T) {
	ctx := context.Background()
	c, api := newConn(t, "")
	data := payload(100)
	api.put("f.bin", data)

	read := func(offset, length int64) []byte {
		rc, err := c.Download(ctx, "/f.bin", offset, length)
		require.NoError(t, err)
		defer rc.Close()
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		return b
	}

	assert.Equal(t, data, read(0, -1))
	assert.Equal(t, data[10:30], read(10, 20))
	assert.Equal(t, data[90:], read(90, -1))
	assert.Empty(t, read(100, -1), "reading at the end yields nothing")
	assert.Empty(t, read(0, 0))

	_, err := c.Download(ctx, "/missing", 0, -1)
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestConn_Rename(t *testing.T) {
	ctx := context.Background()
	c, api := newConn(t, "")
	api.put("a.txt", []byte("a"))
	api.put("b.txt", []byte("b"))
	api.put("dir/", nil)
	api.put("dir/one", []byte("1"))
	api.put("dir/sub/two", []byte("2"))

	assert.ErrorIs(t, c.Rename(ctx, "/a.txt", "/b.txt"), remote.ErrAlreadyExists)
	assert.ErrorIs(t, c.Rename(ctx, "/nope", "/c.txt"), remote.ErrNotFound)

	require.NoError(t, c.Rename(ctx, "/a.txt", "/c.txt"))
	got, ok := api.object("c.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("a"), got)
	_, ok = api.object("a.txt")
	assert.False(t, ok)

	require.NoError(t, c.Rename(ctx, "/dir", "/moved"))
	for _, k := range []string{"moved/", "moved/one", "moved/sub/two"} {
		_, ok := api.object(k)
		assert.True(t, ok, k)
	}
	_, ok = api.object("dir/one")
	assert.False(t, ok)
}

func TestConn_ChunkStatuses(t *testing.T) {
	ctx := context.Background()
	c, _ := newConn(t, "")

	id, err := c.StartChunkedUpload(ctx, "/f", 100, 0)
	require.NoError(t, err)

	assert.Equal(t, remote.ChunkSuccess, c.UploadChunk(ctx, id, payload(10), 0, 10).Status)
	assert.Equal(t, remote.ChunkDesync, c.UploadChunk(ctx, id, payload(10), 20, 30).Status)
	assert.Equal(t, remote.ChunkMalsized, c.UploadChunk(ctx, id, payload(5), 10, 20).Status)
	assert.Equal(t, remote.ChunkMalsized, c.UploadChunk(ctx, id, payload(100), 10, 110).Status)
	assert.Equal(t, remote.ChunkNotFound, c.UploadChunk(ctx, "nope", payload(10), 10, 20).Status)
	assert.Equal(t, remote.ChunkEnd, c.UploadChunk(ctx, id, payload(90), 10, 100).Status)
	assert.Equal(t, remote.ChunkNotFound, c.UploadChunk(ctx, id, nil, 100, 100).Status, "session ends with the last chunk")
}

func TestConn_LostMultipartUpload(t *testing.T) {
	ctx := context.Background()
	c, api := newConn(t, "")

	id, err := c.StartChunkedUpload(ctx, "/f", 100, 0)
	require.NoError(t, err)
	api.mu.Lock()
	api.uploads = map[string]map[int32][]byte{}
	api.mu.Unlock()

	assert.Equal(t, remote.ChunkNotFound, c.UploadChunk(ctx, id, payload(100), 0, 100).Status)
}

func TestConn_ChunkErrorKeepsSession(t *testing.T) {
	ctx := context.Background()
	c, api := newConn(t, "")

	id, err := c.StartChunkedUpload(ctx, "/f", 100, 0)
	require.NoError(t, err)

	api.failPart = errors.New("503 slow down")
	res := c.UploadChunk(ctx, id, payload(100), 0, 100)
	assert.Equal(t, remote.ChunkError, res.Status)
	assert.Error(t, res.Err)

	api.failPart = nil
	assert.Equal(t, remote.ChunkEnd, c.UploadChunk(ctx, id, payload(100), 0, 100).Status, "offset did not advance")
}

func TestUpload_PartsRespectMinimumSize(t *testing.T) {
	ctx := context.Background()
	c, api := newConn(t, "")
	data := payload(12_000_000)

	tiers := chunked.Tiers{Sizes: []int64{2_000_000}, Slow: time.Hour, Fast: 0}
	res, err := chunked.Upload(ctx, c, chunked.UploadRequest{
		Path:   "/big.bin",
		Size:   int64(len(data)),
		Source: bytes.NewReader(data),
		Tiers:  &tiers,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.Offset)

	got, ok := api.object("big.bin")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, got))
	// 2MB chunks buffered into parts of at least 5MiB: 6MB, 6MB.
	assert.Equal(t, 2, api.count("UploadPart"))
	assert.Equal(t, 0, api.openUploads())
}

func TestUpload_StopAndResumeSmallPrefix(t *testing.T) {
	ctx := context.Background()
	c, api := newConn(t, "")
	data := payload(10_000_000)

	id, err := c.StartChunkedUpload(ctx, "/f.bin", int64(len(data)), 0)
	require.NoError(t, err)
	require.Equal(t, remote.ChunkSuccess, c.UploadChunk(ctx, id, data[:2_000_000], 0, 2_000_000).Status)
	require.Equal(t, remote.ChunkSuccess, c.UploadChunk(ctx, id, data[2_000_000:4_000_000], 2_000_000, 4_000_000).Status)
	require.NoError(t, c.StopChunkedUpload(ctx, id))

	e, err := c.Stat(ctx, "/f.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(4_000_000), e.Size, "buffered bytes are committed on stop")

	res, err := chunked.Upload(ctx, c, chunked.UploadRequest{
		Path:   "/f.bin",
		Size:   int64(len(data)),
		Source: bytes.NewReader(data),
		Resume: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4_000_000), res.StartOffset)
	assert.Equal(t, int64(6_000_000), res.BytesSent)
	assert.Equal(t, 0, api.count("UploadPartCopy"), "prefix below the part minimum is read back")

	got, _ := api.object("f.bin")
	assert.True(t, bytes.Equal(data, got))
}

func TestUpload_ResumeLargePrefixCopiesServerSide(t *testing.T) {
	ctx := context.Background()
	c, api := newConn(t, "")
	data := payload(10_000_000)
	api.put("f.bin", data[:6_000_000])

	res, err := chunked.Upload(ctx, c, chunked.UploadRequest{
		Path:   "/f.bin",
		Size:   int64(len(data)),
		Source: bytes.NewReader(data),
		Resume: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6_000_000), res.StartOffset)
	assert.Equal(t, 1, api.count("UploadPartCopy"))

	got, _ := api.object("f.bin")
	assert.True(t, bytes.Equal(data, got))
}

func TestStop_EmptySessionCreatesEmptyObject(t *testing.T) {
	ctx := context.Background()
	c, api := newConn(t, "")

	id, err := c.StartChunkedUpload(ctx, "/f", 100, 0)
	require.NoError(t, err)
	require.NoError(t, c.StopChunkedUpload(ctx, id))

	got, ok := api.object("f")
	require.True(t, ok)
	assert.Empty(t, got)
	assert.Equal(t, 0, api.openUploads())
	assert.ErrorIs(t, c.StopChunkedUpload(ctx, id), remote.ErrNotFound)
}

func TestClose_AbortsOpenSessions(t *testing.T) {
	ctx := context.Background()
	c, api := newConn(t, "")

	_, err := c.StartChunkedUpload(ctx, "/f", 100, 0)
	require.NoError(t, err)
	require.Equal(t, 1, api.openUploads())

	require.NoError(t, c.Close())
	assert.Equal(t, 0, api.openUploads())
	assert.False(t, c.IsConnected())
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"typed no such key", &types.NoSuchKey{}, true},
		{"typed not found", &types.NotFound{}, true},
		{"generic not found", &smithy.GenericAPIError{Code: "NotFound"}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"plain", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError(tt.err, "k")
			assert.Equal(t, tt.want, errors.Is(err, remote.ErrNotFound))
		})
	}
	assert.NoError(t, mapError(nil, "k"))
}

func TestCopySource(t *testing.T) {
	assert.Equal(t, "b/dir%20one/file%2B1.txt", copySource("b", "dir one/file+1.txt"))
}
