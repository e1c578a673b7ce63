package localfs

import (
	"context"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/rescale/rescale-bulk/internal/tree"
)

func TestIsHidden(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{".hidden", true},
		{".gitignore", true},
		{"visible.txt", false},
		{"/path/to/.hidden", true},
		{"/path/to/visible.txt", false},
		{"../.hidden", true},
		{"..", false},
		{".", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := IsHidden(tt.path); got != tt.expected {
				t.Errorf("IsHidden(%q) = %v, want %v", tt.path, got, tt.expected)
			}
		})
	}
}

// sample builds:
//
//	src/a.txt
//	src/.env
//	src/logs/run.log
//	src/data/x.csv
//	src/data/deep/y.csv
//	src/.git/config
func sample(t *testing.T) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	files := map[string]string{
		"src/a.txt":           "aaaa",
		"src/.env":            "secret",
		"src/logs/run.log":    "log",
		"src/data/x.csv":      "1,2",
		"src/data/deep/y.csv": "3,4,5",
		"src/.git/config":     "[core]",
	}
	for p, body := range files {
		if err := util.WriteFile(fs, p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

func TestFilter_Keep(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		rel    string
		isDir  bool
		want   bool
	}{
		{"default keeps plain file", Filter{}, "a.txt", false, true},
		{"default drops hidden file", Filter{}, "dir/.env", false, false},
		{"include hidden", Filter{IncludeHidden: true}, "dir/.env", false, true},
		{"include by extension", Filter{Include: []string{"*.csv"}}, "data/deep/y.csv", false, true},
		{"include misses", Filter{Include: []string{"*.csv"}}, "a.txt", false, false},
		{"include ignores directories", Filter{Include: []string{"*.csv"}}, "logs", true, true},
		{"include full path", Filter{Include: []string{"data/**/*.csv"}}, "data/deep/y.csv", false, true},
		{"exclude directory", Filter{Exclude: []string{"logs"}}, "logs", true, false},
		{"exclude wins over include", Filter{Include: []string{"*.csv"}, Exclude: []string{"x.csv"}}, "data/x.csv", false, false},
		{"root always kept", Filter{Exclude: []string{"*"}}, "", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Keep(tt.rel, tt.isDir); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFilter_Validate(t *testing.T) {
	if err := (Filter{Include: []string{"**/*.go"}}).Validate(); err != nil {
		t.Errorf("expected valid pattern, got %v", err)
	}
	if err := (Filter{Exclude: []string{"[a-"}}).Validate(); err == nil {
		t.Error("expected an error for an unterminated class")
	}
}

func TestListDirectory(t *testing.T) {
	fs := sample(t)
	entries, err := ListDirectory(fs, "src", Filter{})
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	want := []string{"a.txt", "data", "logs"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("expected %v, got %v", want, names)
			break
		}
	}
}

func TestWalk_SkipsHiddenAndExcludedDirectories(t *testing.T) {
	fs := sample(t)
	var visited []string
	err := Walk(fs, "src", Filter{Exclude: []string{"logs"}}, func(e FileEntry) error {
		visited = append(visited, e.Rel)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"", "a.txt", "data", "data/deep", "data/deep/y.csv", "data/x.csv"}
	if len(visited) != len(want) {
		t.Fatalf("expected %v, got %v", want, visited)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Errorf("expected %v, got %v", want, visited)
			break
		}
	}
}

func TestWalkFiles(t *testing.T) {
	fs := sample(t)
	var total int64
	count := 0
	err := WalkFiles(fs, "src", Filter{Include: []string{"*.csv"}}, func(e FileEntry) error {
		count++
		total += e.Size
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 || total != 8 {
		t.Errorf("expected 2 files of 8 bytes, got %d files of %d bytes", count, total)
	}
}

func TestScan_BuildsUploadTree(t *testing.T) {
	fs := sample(t)
	var listed atomic.Int64
	tr, stats, err := Scan(context.Background(), fs, "src", "/remote/dst", Filter{}, 3, func() { listed.Add(1) })
	if err != nil {
		t.Fatal(err)
	}

	if stats.Files != 4 || stats.Directories != 4 || stats.Bytes != 15 {
		t.Errorf("expected 4 files, 4 directories, 15 bytes, got %+v", stats)
	}
	if listed.Load() != 4 {
		t.Errorf("expected 4 directory reads, got %d", listed.Load())
	}
	if tr.MaxAttempts() != 3 {
		t.Errorf("expected max attempts 3, got %d", tr.MaxAttempts())
	}

	paths := map[string]FileEntry{}
	tr.Walk(func(e tree.Entry) bool {
		if e.Kind == tree.KindFile {
			paths[e.Path()] = e.File.Payload().(FileEntry)
		}
		return true
	})
	y, ok := paths["/remote/dst/data/deep/y.csv"]
	if !ok {
		t.Fatalf("expected y.csv in tree, got %v", paths)
	}
	if y.Path != filepath.Join("src", "data", "deep", "y.csv") || y.Rel != "data/deep/y.csv" || y.Size != 5 {
		t.Errorf("unexpected payload %+v", y)
	}
}

func TestScan_MissingRoot(t *testing.T) {
	_, _, err := Scan(context.Background(), memfs.New(), "nope", "/dst", Filter{}, 0, nil)
	if err == nil {
		t.Error("expected an error for a missing root")
	}
}

func TestScan_RealFilesystem(t *testing.T) {
	dir := t.TempDir()
	fs := osfs.New(dir)
	if err := util.WriteFile(fs, "one/two.txt", []byte("12"), 0644); err != nil {
		t.Fatal(err)
	}
	_, stats, err := Scan(context.Background(), fs, ".", "/dst", Filter{}, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Files != 1 || stats.Bytes != 2 {
		t.Errorf("expected 1 file of 2 bytes, got %+v", stats)
	}
}
