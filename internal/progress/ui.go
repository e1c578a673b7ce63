package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/rescale/rescale-bulk/internal/constants"
	"github.com/rescale/rescale-bulk/internal/events"
)

// textInterval throttles progress lines when output is not a terminal.
const textInterval = 5 * time.Second

// UI renders every operation of a session as a files bar and a bytes bar.
// It subscribes to the session's event bus; operations need no knowledge of it.
type UI struct {
	progress   *mpb.Progress
	out        io.Writer
	isTerminal bool
	now        func() time.Time

	bus  *events.EventBus
	ch   <-chan events.Event
	stop chan struct{}
	done chan struct{}

	mu          sync.Mutex
	ops         map[string]*opBars
	connections atomic.Int64
}

// opBars is the rendering state of one operation.
type opBars struct {
	name      string
	files     *mpb.Bar
	bytes     *mpb.Bar
	blocked   atomic.Int64
	lastBytes int64
	lastTick  time.Time
	lastText  time.Time
	finished  bool
}

// NewUI creates a UI on stderr, with bars only when stderr is a terminal.
func NewUI(bus *events.EventBus) *UI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))
	if isTerminal {
		enableANSIOnWindows(os.Stderr)
	}
	return NewUIWithOutput(bus, os.Stderr, isTerminal)
}

// NewUIWithOutput creates a UI writing to w. Without a terminal, progress is
// printed as throttled text lines.
func NewUIWithOutput(bus *events.EventBus, w io.Writer, isTerminal bool) *UI {
	var p *mpb.Progress
	if isTerminal {
		p = mpb.New(
			mpb.WithOutput(w),
			mpb.WithRefreshRate(constants.ProgressRefreshRate),
			mpb.WithWidth(100),
		)
	}
	u := &UI{
		progress:   p,
		out:        w,
		isTerminal: isTerminal,
		now:        time.Now,
		bus:        bus,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		ops:        make(map[string]*opBars),
	}
	if bus != nil {
		u.ch = bus.SubscribeAll()
		go u.loop()
	} else {
		close(u.done)
	}
	return u
}

func (u *UI) loop() {
	defer close(u.done)
	for {
		select {
		case e, ok := <-u.ch:
			if !ok {
				return
			}
			u.Handle(e)
		case <-u.stop:
			// Render what was published before Close.
			for {
				select {
				case e, ok := <-u.ch:
					if !ok {
						return
					}
					u.Handle(e)
				default:
					return
				}
			}
		}
	}
}

// Handle renders one event. It is exported so callers without a bus can feed the UI directly.
func (u *UI) Handle(e events.Event) {
	switch ev := e.(type) {
	case *events.OperationProgressEvent:
		u.onProgress(ev)
	case *events.OperationStateEvent:
		u.onState(ev)
	case *events.NodeBlockedEvent:
		u.printf("✗ %s: %v (after %d attempts)\n", ev.Path, ev.Error, ev.Attempt-1)
	case *events.OperationStalledEvent:
		u.printf("! %s is waiting on %d blocked item(s)\n", ev.Name, ev.Blocked)
	case *events.PoolEvent:
		if ev.EventType == events.EventConnectionFailed {
			u.printf("! connection failed: %v\n", ev.Error)
			return
		}
		u.connections.Store(int64(ev.Connections))
	}
}

func (u *UI) bars(id, name string) *opBars {
	u.mu.Lock()
	defer u.mu.Unlock()
	if b, ok := u.ops[id]; ok {
		return b
	}
	b := &opBars{name: name, lastTick: u.now()}
	if u.isTerminal {
		b.files = u.progress.New(0,
			mpb.BarStyle().Lbound("[").Filler("█").Tip("█").Padding("░").Rbound("]"),
			mpb.PrependDecorators(
				decor.Any(func(decor.Statistics) string {
					label := truncatePath(name, 3)
					if n := b.blocked.Load(); n > 0 {
						return fmt.Sprintf("%s (%d blocked)", label, n)
					}
					return label
				}, decor.WCSyncSpaceR),
			),
			mpb.AppendDecorators(
				decor.CountersNoUnit("%d / %d files", decor.WCSyncSpace),
				decor.Name("  "),
				decor.Any(func(decor.Statistics) string {
					return fmt.Sprintf("%d conn", u.connections.Load())
				}, decor.WCSyncSpace),
			),
		)
		b.bytes = u.progress.New(0,
			mpb.BarStyle().Lbound("[").Filler("█").Tip("█").Padding("░").Rbound("]"),
			mpb.PrependDecorators(decor.Name("", decor.WCSyncSpaceR)),
			mpb.AppendDecorators(
				decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
				decor.Name("  "),
				decor.Percentage(decor.WCSyncSpace),
				decor.Name("  "),
				decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 30, decor.WCSyncSpace),
			),
			mpb.BarRemoveOnComplete(),
		)
	} else {
		fmt.Fprintf(u.out, "Started %s\n", name)
	}
	u.ops[id] = b
	return b
}

func (u *UI) onProgress(ev *events.OperationProgressEvent) {
	b := u.bars(ev.OperationID, ev.Name)
	b.blocked.Store(int64(ev.Blocked))

	u.mu.Lock()
	defer u.mu.Unlock()
	if b.finished {
		return
	}
	now := u.now()
	if u.isTerminal {
		b.files.SetTotal(ev.TotalFiles, false)
		b.files.SetCurrent(ev.CompletedFiles)
		b.bytes.SetTotal(ev.TotalBytes, false)
		b.bytes.EwmaSetCurrent(ev.CompletedBytes, now.Sub(b.lastTick))
		b.lastTick = now
		b.lastBytes = ev.CompletedBytes
		return
	}
	b.lastBytes = ev.CompletedBytes
	if now.Sub(b.lastText) < textInterval {
		return
	}
	b.lastText = now
	fmt.Fprintf(u.out, "%s: %d/%d files, %s / %s\n", b.name,
		ev.CompletedFiles, ev.TotalFiles,
		humanize.IBytes(uint64(ev.CompletedBytes)), humanize.IBytes(uint64(ev.TotalBytes)))
}

func (u *UI) onState(ev *events.OperationStateEvent) {
	if ev.NewState != "done" && ev.NewState != "cancelled" {
		if ev.NewState == "paused" {
			u.printf("%s paused\n", ev.Name)
		}
		return
	}
	b := u.bars(ev.OperationID, ev.Name)

	u.mu.Lock()
	if b.finished {
		u.mu.Unlock()
		return
	}
	b.finished = true
	delete(u.ops, ev.OperationID)
	if u.isTerminal {
		if ev.NewState == "cancelled" {
			b.files.Abort(false)
			b.bytes.Abort(true)
		} else {
			b.files.SetTotal(-1, true)
			b.bytes.SetTotal(-1, true)
		}
	}
	u.mu.Unlock()
}

func (u *UI) printf(format string, args ...any) {
	fmt.Fprintf(u.Writer(), format, args...)
}

// Writer returns an io.Writer that safely prints above the progress bars.
func (u *UI) Writer() io.Writer {
	if u.isTerminal && u.progress != nil {
		return u.progress
	}
	return u.out
}

// IsTerminal returns true if output is to a terminal (progress bars are active).
func (u *UI) IsTerminal() bool {
	return u.isTerminal
}

// Close stops listening to the bus and waits for the bars to finish drawing.
func (u *UI) Close() {
	if u.bus != nil {
		u.bus.UnsubscribeAll(u.ch)
		close(u.stop)
	}
	<-u.done

	u.mu.Lock()
	for id, b := range u.ops {
		if u.isTerminal && !b.finished {
			b.files.Abort(false)
			b.bytes.Abort(true)
		}
		delete(u.ops, id)
	}
	u.mu.Unlock()

	if u.progress != nil {
		u.progress.Wait()
	}
}

// truncatePath truncates a file path to show only the last N components
// Example: truncatePath("/a/b/c/d/file.txt", 3) → "…/c/d/file.txt"
func truncatePath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return path
	}
	relevant := parts[len(parts)-maxComponents:]
	return "…/" + strings.Join(relevant, "/")
}

// enableANSIOnWindows enables Virtual Terminal processing on Windows for ANSI escape sequences
func enableANSIOnWindows(f *os.File) {
	if runtime.GOOS == "windows" {
		enableWindowsANSI(f)
	}
}
