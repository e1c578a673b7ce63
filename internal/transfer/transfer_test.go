package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-bulk/internal/dispatch"
	"github.com/rescale/rescale-bulk/internal/remote"
	"github.com/rescale/rescale-bulk/internal/remote/memory"
	"github.com/rescale/rescale-bulk/internal/tree"
)

// manualQueue holds submitted jobs until the test runs them.
type manualQueue struct {
	jobs       []dispatch.Job
	priorities []int
}

func (q *manualQueue) Submit(priority int, job dispatch.Job) *dispatch.Future {
	q.jobs = append(q.jobs, job)
	q.priorities = append(q.priorities, priority)
	return &dispatch.Future{}
}

// runAt removes and runs the i-th waiting job.
func (q *manualQueue) runAt(i int) error {
	job := q.jobs[i]
	q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
	return job(context.Background(), nil)
}

// drive dispatches everything runnable, then runs one job chosen by pick, until nothing is left.
func drive(s *Scheduler, op *Operation, q *manualQueue, pick func(n int) int) {
	for {
		for s.Dispatch(op) {
		}
		if len(q.jobs) == 0 {
			return
		}
		q.runAt(pick(len(q.jobs)))
	}
}

func fifo(int) int   { return 0 }
func lifo(n int) int { return n - 1 }

// fooTree is /foo containing a.txt and bar/, with bar/ containing b.txt.
func fooTree() *tree.Tree {
	root := tree.NewDirectory("/foo")
	bar := tree.NewDirectory("/foo/bar")
	bar.AddEntry(tree.FileEntry(tree.NewFile("b.txt", 20, nil)))
	root.AddEntry(tree.FileEntry(tree.NewFile("a.txt", 10, nil)), tree.DirEntry(bar))
	return tree.New(root, 0)
}

// wideTree has three levels with several files per directory.
func wideTree() *tree.Tree {
	root := tree.NewDirectory("/w")
	for i := 0; i < 3; i++ {
		d := tree.NewDirectory(fmt.Sprintf("/w/d%d", i))
		for j := 0; j < 3; j++ {
			d.AddEntry(tree.FileEntry(tree.NewFile(fmt.Sprintf("f%d", j), 1, nil)))
		}
		sub := tree.NewDirectory(fmt.Sprintf("/w/d%d/sub", i))
		sub.AddEntry(tree.FileEntry(tree.NewFile("x", 1, nil)), tree.FileEntry(tree.NewFile("y", 1, nil)))
		d.AddEntry(tree.DirEntry(sub))
		root.AddEntry(tree.DirEntry(d))
	}
	root.AddEntry(tree.FileEntry(tree.NewFile("top", 1, nil)))
	return tree.New(root, 0)
}

type recorder struct {
	mu    sync.Mutex
	units []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.units = append(r.units, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.units...)
}

func recordingHandlers(r *recorder) Handlers {
	return Handlers{
		BeforeDirectory: func(ctx context.Context, op *Operation, d *tree.Directory, conn remote.Connection) error {
			r.add("beforeDirectory(" + d.Path() + ")")
			return nil
		},
		AfterDirectory: func(ctx context.Context, op *Operation, d *tree.Directory, conn remote.Connection) error {
			r.add("afterDirectory(" + d.Path() + ")")
			return nil
		},
		File: func(ctx context.Context, op *Operation, f *tree.File, conn remote.Connection) error {
			r.add("file(" + f.Path() + ")")
			return nil
		},
	}
}

func newSession(t *testing.T, initial, max int) (*Session, *memory.Server) {
	t.Helper()
	srv := memory.NewServer()
	s := NewSession(context.Background(), SessionOptions{
		Factory:            srv.Factory(),
		InitialConnections: initial,
		MaxConnections:     max,
	})
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s, srv
}

func TestSession_FooScenario(t *testing.T) {
	s, _ := newSession(t, 1, 1)
	r := &recorder{}
	op := NewOperation(fooTree(), recordingHandlers(r), Options{Name: "foo"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx, op))

	assert.Equal(t, []string{
		"file(/foo/a.txt)",
		"beforeDirectory(/foo/bar)",
		"file(/foo/bar/b.txt)",
		"afterDirectory(/foo/bar)",
	}, r.list())
	assert.Equal(t, StateDone, op.State())

	c := op.Counters()
	assert.Equal(t, int64(2), c.CompletedFiles)
	assert.Equal(t, int64(30), c.CompletedBytes)
	assert.Equal(t, int64(2), c.CompletedDirectories)
	assert.Zero(t, c.Active)
	assert.Empty(t, s.Operations())
}

func TestSession_ProcessRootDirectory(t *testing.T) {
	s, _ := newSession(t, 1, 1)
	r := &recorder{}
	op := NewOperation(fooTree(), recordingHandlers(r), Options{ProcessRootDirectory: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx, op))

	units := r.list()
	require.Len(t, units, 6)
	assert.Equal(t, "beforeDirectory(/foo)", units[0])
	assert.Equal(t, "afterDirectory(/foo)", units[5])
}

func TestSession_FailedAttemptReplacesConnection(t *testing.T) {
	s, _ := newSession(t, 1, 1)

	var mu sync.Mutex
	var used []remote.Connection
	h := recordingHandlers(&recorder{})
	h.AfterDirectory = func(ctx context.Context, op *Operation, d *tree.Directory, conn remote.Connection) error {
		mu.Lock()
		defer mu.Unlock()
		used = append(used, conn)
		if len(used) == 1 {
			return fmt.Errorf("rmdir %s: %w", d.Path(), remote.ErrNotEmpty)
		}
		return nil
	}
	op := NewOperation(fooTree(), h, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx, op))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, used, 2)
	assert.NotSame(t, used[0], used[1], "the retry should run on a fresh connection")
	assert.False(t, used[0].IsConnected(), "the failed attempt's connection should be closed")
}

func TestNextUnit_RepeatedScanIsStable(t *testing.T) {
	op := NewOperation(fooTree(), Handlers{}, Options{})

	first, ok := op.NextUnit()
	require.True(t, ok)
	second, ok := op.NextUnit()
	require.True(t, ok)

	assert.Equal(t, first, second)
	assert.Equal(t, UnitBeforeDirectory, first.Kind)
	assert.Equal(t, tree.StatusPending, op.Tree().Root().BeforeStatus())

	require.True(t, first.claim())
	op.Tree().Root().SetBeforeStatus(tree.StatusDone)

	next, ok := op.NextUnit()
	require.True(t, ok)
	again, _ := op.NextUnit()
	assert.Equal(t, "file(/foo/a.txt)", next.String())
	assert.Equal(t, next, again)
}

func TestScheduler_OrderingHolds(t *testing.T) {
	for name, pick := range map[string]func(int) int{"fifo": fifo, "lifo": lifo} {
		t.Run(name, func(t *testing.T) {
			var violations []string
			seen := make(map[string]int)
			h := Handlers{
				BeforeDirectory: func(ctx context.Context, op *Operation, d *tree.Directory, conn remote.Connection) error {
					seen["before "+d.Path()]++
					if p := d.Parent(); p != nil && p.BeforeStatus() != tree.StatusDone {
						violations = append(violations, "before of "+d.Path()+" ran before its parent's")
					}
					return nil
				},
				AfterDirectory: func(ctx context.Context, op *Operation, d *tree.Directory, conn remote.Connection) error {
					seen["after "+d.Path()]++
					if !d.ChildrenResolved() {
						violations = append(violations, "after of "+d.Path()+" ran with unresolved children")
					}
					return nil
				},
				File: func(ctx context.Context, op *Operation, f *tree.File, conn remote.Connection) error {
					seen["file "+f.Path()]++
					if f.Parent().BeforeStatus() != tree.StatusDone {
						violations = append(violations, "file "+f.Path()+" ran before its directory's before-hook")
					}
					return nil
				},
			}

			q := &manualQueue{}
			s := NewScheduler(q, nil, nil)
			op := NewOperation(wideTree(), h, Options{ProcessRootDirectory: true})
			drive(s, op, q, pick)

			assert.Empty(t, violations)
			for unit, n := range seen {
				assert.Equal(t, 1, n, "unit %s ran %d times", unit, n)
			}
			// 7 directories with two hooks each, plus 16 files
			assert.Len(t, seen, 7*2+16)
			assert.Equal(t, StateDone, op.State())
		})
	}
}

func TestScheduler_BeforeHooksGetPriorityBoost(t *testing.T) {
	q := &manualQueue{}
	s := NewScheduler(q, nil, nil)
	op := NewOperation(fooTree(), recordingHandlers(&recorder{}), Options{Priority: 10})

	// The root's before-hook is trivial and never reaches the queue.
	require.True(t, s.Dispatch(op))
	require.True(t, s.Dispatch(op))
	require.True(t, s.Dispatch(op))
	require.Len(t, q.priorities, 2)
	assert.Equal(t, 10, q.priorities[0])
	assert.Equal(t, 11, q.priorities[1])
}

func TestScheduler_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	h := Handlers{File: func(ctx context.Context, op *Operation, f *tree.File, conn remote.Connection) error {
		calls++
		if calls <= 4 {
			return errors.New("connection reset by peer")
		}
		return nil
	}}
	root := tree.NewDirectory("/r")
	file := tree.NewFile("flaky", 1, nil)
	root.AddEntry(tree.FileEntry(file))

	q := &manualQueue{}
	s := NewScheduler(q, nil, nil)
	op := NewOperation(tree.New(root, 5), h, Options{})
	drive(s, op, q, fifo)

	assert.Equal(t, 5, calls)
	assert.Equal(t, tree.StatusDone, file.Status())
	assert.Equal(t, 5, file.Attempt())
	assert.False(t, file.Blocked())
	assert.Equal(t, StateDone, op.State())
}

func TestScheduler_BlocksAfterMaxAttempts(t *testing.T) {
	root := tree.NewDirectory("/r")
	bad := tree.NewFile("bad", 1, nil)
	good := tree.NewFile("good", 1, nil)
	root.AddEntry(tree.FileEntry(bad), tree.FileEntry(good))

	calls := 0
	boom := errors.New("permission denied by policy")
	h := Handlers{File: func(ctx context.Context, op *Operation, f *tree.File, conn remote.Connection) error {
		if f == good {
			return nil
		}
		calls++
		return boom
	}}

	q := &manualQueue{}
	s := NewScheduler(q, nil, nil)
	op := NewOperation(tree.New(root, 5), h, Options{})

	var stalled [][]tree.Entry
	op.OnStalled(func(blocked []tree.Entry) { stalled = append(stalled, blocked) })

	drive(s, op, q, fifo)

	assert.Equal(t, 5, calls)
	assert.True(t, bad.Blocked())
	assert.Equal(t, tree.StatusPending, bad.Status())
	assert.ErrorIs(t, bad.Err(), boom)
	assert.Equal(t, tree.StatusDone, good.Status())

	blocked := op.Blocked()
	require.Len(t, blocked, 1)
	assert.Equal(t, "/r/bad", blocked[0].Path())
	assert.Equal(t, 1, op.Counters().Blocked)

	require.Len(t, stalled, 1)
	assert.NotEqual(t, StateDone, op.State())

	// Scanning again does not re-announce the same stall.
	assert.False(t, s.Dispatch(op))
	assert.Len(t, stalled, 1)

	op.Skip(blocked[0])
	drive(s, op, q, fifo)
	assert.Equal(t, StateDone, op.State())
	assert.Equal(t, int64(1), op.Counters().SkippedFiles)
	assert.Empty(t, op.Blocked())
}

func TestScheduler_RetryClearsBlock(t *testing.T) {
	fail := true
	root := tree.NewDirectory("/r")
	f := tree.NewFile("f", 1, nil)
	root.AddEntry(tree.FileEntry(f))

	q := &manualQueue{}
	s := NewScheduler(q, nil, nil)
	op := NewOperation(tree.New(root, 2), Handlers{File: func(ctx context.Context, o *Operation, f *tree.File, conn remote.Connection) error {
		if fail {
			return errors.New("timeout")
		}
		return nil
	}}, Options{})

	drive(s, op, q, fifo)
	require.True(t, f.Blocked())

	fail = false
	op.Retry(tree.FileEntry(f))
	assert.Equal(t, 1, f.Attempt())
	drive(s, op, q, fifo)
	assert.Equal(t, tree.StatusDone, f.Status())
	assert.Equal(t, StateDone, op.State())
}

func TestScheduler_PauseInterruptsWithoutCountingAttempt(t *testing.T) {
	root := tree.NewDirectory("/r")
	f := tree.NewFile("big", 100, nil)
	root.AddEntry(tree.FileEntry(f))

	paused := true
	q := &manualQueue{}
	s := NewScheduler(q, nil, nil)
	op := NewOperation(tree.New(root, 0), Handlers{File: func(ctx context.Context, o *Operation, f *tree.File, conn remote.Connection) error {
		if paused {
			return remote.ErrPaused
		}
		return nil
	}}, Options{})

	require.True(t, s.Dispatch(op)) // trivial root before-hook
	require.True(t, s.Dispatch(op))
	op.Pause()
	assert.Equal(t, StatePaused, op.State())
	assert.False(t, s.Dispatch(op))

	require.ErrorIs(t, q.runAt(0), remote.ErrPaused)
	assert.Equal(t, tree.StatusPending, f.Status())
	assert.Equal(t, 1, f.Attempt())
	assert.True(t, f.Resume())
	assert.False(t, s.Dispatch(op))

	paused = false
	op.Resume()
	assert.Equal(t, StateInProgress, op.State())
	drive(s, op, q, fifo)
	assert.Equal(t, tree.StatusDone, f.Status())
	assert.False(t, f.Resume())
	assert.Equal(t, StateDone, op.State())
}

func TestScheduler_CancelLeavesRunningUnitsAlone(t *testing.T) {
	root := tree.NewDirectory("/r")
	first := tree.NewFile("first", 1, nil)
	second := tree.NewFile("second", 1, nil)
	root.AddEntry(tree.FileEntry(first), tree.FileEntry(second))

	q := &manualQueue{}
	s := NewScheduler(q, nil, nil)
	op := NewOperation(tree.New(root, 0), recordingHandlers(&recorder{}), Options{})

	require.True(t, s.Dispatch(op)) // trivial root before-hook
	require.True(t, s.Dispatch(op)) // first
	op.Cancel()

	assert.Equal(t, tree.StatusInProgress, first.Status())
	assert.Equal(t, tree.StatusCancelled, second.Status())
	select {
	case <-op.Done():
		t.Fatal("Operation finished while a unit was still running")
	default:
	}

	require.NoError(t, q.runAt(0))
	assert.Equal(t, tree.StatusDone, first.Status())
	<-op.Done()
	assert.Equal(t, StateCancelled, op.State())
}

func TestScheduler_CancelledErrorMarksFileCancelled(t *testing.T) {
	root := tree.NewDirectory("/r")
	f := tree.NewFile("f", 1, nil)
	root.AddEntry(tree.FileEntry(f))

	q := &manualQueue{}
	s := NewScheduler(q, nil, nil)
	op := NewOperation(tree.New(root, 0), Handlers{File: func(ctx context.Context, o *Operation, f *tree.File, conn remote.Connection) error {
		return fmt.Errorf("upload: %w", remote.ErrCancelled)
	}}, Options{})

	drive(s, op, q, fifo)
	assert.Equal(t, tree.StatusCancelled, f.Status())
	assert.Equal(t, 1, f.Attempt())
	assert.Equal(t, StateDone, op.State())
}

func TestOperation_ByteCountersFollowSizeChanges(t *testing.T) {
	root := tree.NewDirectory("/r")
	f := tree.NewFile("grown", 10, nil)
	root.AddEntry(tree.FileEntry(f))

	q := &manualQueue{}
	s := NewScheduler(q, nil, nil)
	op := NewOperation(tree.New(root, 0), Handlers{File: func(ctx context.Context, o *Operation, f *tree.File, conn remote.Connection) error {
		f.SetSize(20)
		return nil
	}}, Options{})
	assert.Equal(t, int64(10), op.Counters().TotalBytes)

	drive(s, op, q, fifo)
	c := op.Counters()
	assert.Equal(t, int64(20), c.TotalBytes)
	assert.Equal(t, int64(20), c.CompletedBytes)

	f.SetSize(15)
	c = op.Counters()
	assert.Equal(t, int64(15), c.TotalBytes)
	assert.Equal(t, int64(15), c.CompletedBytes)

	require.True(t, f.Reopen())
	c = op.Counters()
	assert.Equal(t, int64(15), c.TotalBytes)
	assert.Equal(t, int64(0), c.CompletedBytes)
}

func TestScheduler_AfterHookWaitsForLateChildren(t *testing.T) {
	root := tree.NewDirectory("/r")
	q := &manualQueue{}
	s := NewScheduler(q, nil, nil)

	afterRuns := 0
	added := false
	op := NewOperation(tree.New(root, 0), Handlers{
		AfterDirectory: func(ctx context.Context, o *Operation, d *tree.Directory, conn remote.Connection) error {
			afterRuns++
			if !added {
				added = true
				d.AddEntry(tree.FileEntry(tree.NewFile("late", 1, nil)))
			}
			return nil
		},
		File: func(ctx context.Context, o *Operation, f *tree.File, conn remote.Connection) error { return nil },
	}, Options{ProcessRootDirectory: true})

	drive(s, op, q, fifo)
	assert.Equal(t, 2, afterRuns)
	assert.Equal(t, StateDone, op.State())
	assert.Equal(t, int64(1), op.Counters().CompletedFiles)
}

func TestSession_DirectoryListedScalesUp(t *testing.T) {
	s, _ := newSession(t, 1, 3)

	for i := 0; i < 3; i++ {
		s.DirectoryListed()
	}
	assert.Equal(t, 1, s.Pool().TargetConnectionCount())
	s.DirectoryListed()
	assert.Equal(t, 2, s.Pool().TargetConnectionCount())

	for i := 0; i < 8; i++ {
		s.DirectoryListed()
	}
	assert.Equal(t, 3, s.Pool().TargetConnectionCount())

	for i := 0; i < 50; i++ {
		s.DirectoryListed()
	}
	assert.Equal(t, 3, s.Pool().TargetConnectionCount())
}

func TestSession_CallRunsAdHocJob(t *testing.T) {
	s, srv := newSession(t, 1, 1)
	require.NoError(t, srv.WriteFile("/data/a.txt", []byte("hello")))

	var entries []remote.Entry
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Call(ctx, func(ctx context.Context, conn remote.Connection) error {
		var err error
		entries, err = conn.List(ctx, "/data")
		return err
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name())
}
