package localfs

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/rescale-bulk/internal/constants"
	"github.com/rescale/rescale-bulk/internal/remote"
	"github.com/rescale/rescale-bulk/internal/tree"
)

// ScanStats totals what a scan found.
type ScanStats struct {
	Files       int64
	Directories int64
	Bytes       int64
}

// Scan reads localRoot into an upload tree rooted at remoteRoot. Directory
// nodes carry remote paths; every file node carries its FileEntry as
// payload. Directories of one level are read in parallel.
//
// onDir, if set, is called once per directory read, from any goroutine.
func Scan(ctx context.Context, fsys billy.Filesystem, localRoot, remoteRoot string, f Filter, maxAttempts int, onDir func()) (*tree.Tree, ScanStats, error) {
	type pending struct {
		dir   *tree.Directory
		local string
		rel   string
	}

	var files, dirs, bytes atomic.Int64
	root := tree.NewDirectory(remoteRoot)
	level := []pending{{dir: root, local: localRoot}}
	dirs.Add(1)

	for len(level) > 0 {
		var mu sync.Mutex
		var next []pending

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(constants.LocalScanConcurrency)
		for _, p := range level {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				infos, err := fsys.ReadDir(p.local)
				if err != nil {
					return err
				}
				if onDir != nil {
					onDir()
				}

				var children []tree.Entry
				var subdirs []pending
				for _, info := range infos {
					if !regular(info) {
						continue
					}
					rel := info.Name()
					if p.rel != "" {
						rel = p.rel + "/" + info.Name()
					}
					if !f.Keep(rel, info.IsDir()) {
						continue
					}
					local := fsys.Join(p.local, info.Name())
					if info.IsDir() {
						d := tree.NewDirectory(remote.Join(p.dir.Path(), info.Name()))
						children = append(children, tree.DirEntry(d))
						subdirs = append(subdirs, pending{dir: d, local: local, rel: rel})
						dirs.Add(1)
						continue
					}
					e := entryOf(local, rel, info)
					children = append(children, tree.FileEntry(tree.NewFile(info.Name(), e.Size, e)))
					files.Add(1)
					bytes.Add(e.Size)
				}
				p.dir.AddEntry(children...)

				mu.Lock()
				next = append(next, subdirs...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, ScanStats{}, err
		}
		level = next
	}

	stats := ScanStats{Files: files.Load(), Directories: dirs.Load(), Bytes: bytes.Load()}
	return tree.New(root, maxAttempts), stats, nil
}
