package archive

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-bulk/internal/remote"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func readTar(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	out := map[string]string{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(body)
	}
}

func TestWriter_Gzip(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWriter(nopCloser{buf}, CompressionGzip)
	now := time.Unix(1700000000, 0)

	require.NoError(t, w.AddDirectory("/proj/out", now))
	require.NoError(t, w.AddDirectory("/proj/out", now))
	require.NoError(t, w.AddFile("/proj/out/a.txt", 5, now, bytes.NewReader([]byte("hello"))))
	require.NoError(t, w.Close())

	zr, err := gzip.NewReader(buf)
	require.NoError(t, err)
	entries := readTar(t, zr)
	assert.Equal(t, map[string]string{"proj/out/": "", "proj/out/a.txt": "hello"}, entries)

	files, n := w.Stats()
	assert.Equal(t, int64(1), files)
	assert.Equal(t, int64(5), n)
}

func TestWriter_DuplicateFileIsAlreadyExists(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWriter(nopCloser{buf}, CompressionNone)
	require.NoError(t, w.AddFile("f", 1, time.Time{}, bytes.NewReader([]byte("x"))))
	err := w.AddFile("f", 1, time.Time{}, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, remote.ErrAlreadyExists)
	assert.True(t, remote.IsIdempotentSuccess(err))
}

func TestWriter_ShortSourceClosesStream(t *testing.T) {
	w := NewWriter(nopCloser{&bytes.Buffer{}}, CompressionNone)
	err := w.AddFile("f", 10, time.Time{}, bytes.NewReader([]byte("abc")))
	require.Error(t, err)
	assert.ErrorIs(t, w.AddFile("g", 1, time.Time{}, bytes.NewReader([]byte("x"))), ErrClosed)
	assert.Error(t, w.Close(), "the truncated entry cannot be finished")
}

func TestWriter_ConcurrentFiles(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWriter(nopCloser{buf}, CompressionNone)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf("body-%02d", i)
			assert.NoError(t, w.AddFile(fmt.Sprintf("d/f%02d", i), int64(len(body)), time.Time{}, bytes.NewReader([]byte(body))))
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	entries := readTar(t, buf)
	require.Len(t, entries, 20)
	assert.Equal(t, "body-07", entries["d/f07"])
	assert.ErrorIs(t, w.AddDirectory("x", time.Time{}), ErrClosed)
}

func TestCreate(t *testing.T) {
	fs := memfs.New()
	w, err := Create(fs, "out/sub/archive.tar", CompressionNone)
	require.NoError(t, err)
	require.NoError(t, w.AddFile("a", 1, time.Time{}, bytes.NewReader([]byte("1"))))
	require.NoError(t, w.Close())

	f, err := fs.Open("out/sub/archive.tar")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, map[string]string{"a": "1"}, readTar(t, f))
}

func TestFileName(t *testing.T) {
	tests := []struct {
		dir, compression, want string
	}{
		{"/projects/run1", CompressionGzip, "projects_run1.tar.gz"},
		{"projects/run1/", CompressionNone, "projects_run1.tar"},
		{"/", CompressionGzip, "root.tar.gz"},
	}
	for _, tt := range tests {
		if got := FileName(tt.dir, tt.compression); got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}
}
