// Package transfer schedules the nodes of a tree operation onto pool
// connections: a pure frontier scan picks the next unit, the scheduler claims
// it and hands it to the dispatch queue, and completion feeds the result back
// into the tree.
package transfer

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rescale/rescale-bulk/internal/events"
	"github.com/rescale/rescale-bulk/internal/logging"
	"github.com/rescale/rescale-bulk/internal/remote"
	"github.com/rescale/rescale-bulk/internal/tree"
)

// State represents the lifecycle state of an operation.
type State string

const (
	StatePending    State = "pending"     // Started, nothing claimed yet
	StateInProgress State = "in_progress" // Units are being dispatched
	StatePaused     State = "paused"      // Paused by user, in-flight units finish
	StateDone       State = "done"        // Every node resolved
	StateCancelled  State = "cancelled"   // Cancelled and drained
)

// IsTerminal returns true if no further work will happen.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateCancelled
}

// DirectoryHandler runs a before- or after-hook for dir on conn.
type DirectoryHandler func(ctx context.Context, op *Operation, dir *tree.Directory, conn remote.Connection) error

// FileHandler processes one file on conn.
type FileHandler func(ctx context.Context, op *Operation, file *tree.File, conn remote.Connection) error

// Handlers is the per-operation set of hooks. A nil hook completes its units
// immediately without taking a connection.
type Handlers struct {
	BeforeDirectory DirectoryHandler
	AfterDirectory  DirectoryHandler
	File            FileHandler
}

// Options configures an Operation.
type Options struct {
	Name     string
	Priority int
	// ProcessRootDirectory runs the root's hooks; otherwise they complete without dispatch.
	ProcessRootDirectory bool
	Logger               *logging.Logger
}

// Counters is a snapshot of an operation's progress.
type Counters struct {
	TotalFiles           int64
	CompletedFiles       int64
	SkippedFiles         int64
	TotalDirectories     int64
	CompletedDirectories int64
	TotalBytes           int64
	CompletedBytes       int64
	Active               int
	Blocked              int
}

// Operation is one batch run over a tree.
type Operation struct {
	id          string
	name        string
	priority    int
	processRoot bool
	tree        *tree.Tree
	handlers    Handlers
	logger      *logging.Logger

	paused    atomic.Bool
	cancelled atomic.Bool

	mu         sync.Mutex
	state      State
	active     map[Unit]struct{}
	blocked    map[tree.Entry]struct{}
	counters   Counters
	stalled    bool
	startedAt  time.Time
	finishedAt time.Time
	done       chan struct{}

	// set by the session
	bus      *events.EventBus
	wake     func()
	onFinish func(*Operation)

	stalledListeners events.Listeners[[]tree.Entry]
	unsubscribe      func()
}

// NewOperation creates an operation over t. It does nothing until started on a Session.
func NewOperation(t *tree.Tree, h Handlers, opts Options) *Operation {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	op := &Operation{
		id:          uuid.NewString(),
		name:        opts.Name,
		priority:    opts.Priority,
		processRoot: opts.ProcessRootDirectory,
		tree:        t,
		handlers:    h,
		logger:      logger,
		state:       StatePending,
		active:      make(map[Unit]struct{}),
		blocked:     make(map[tree.Entry]struct{}),
		done:        make(chan struct{}),
		wake:        func() {},
		onFinish:    func(*Operation) {},
	}
	if op.name == "" {
		op.name = t.Root().Path()
	}

	op.mu.Lock()
	op.countLocked(tree.DirEntry(t.Root()))
	op.mu.Unlock()
	op.unsubscribe = t.Subscribe(op.observe)
	return op
}

func (op *Operation) ID() string       { return op.id }
func (op *Operation) Name() string     { return op.name }
func (op *Operation) Priority() int    { return op.priority }
func (op *Operation) Tree() *tree.Tree { return op.tree }

// Paused implements chunked.Signal.
func (op *Operation) Paused() bool {
	return op.paused.Load()
}

// Cancelled implements chunked.Signal.
func (op *Operation) Cancelled() bool {
	return op.cancelled.Load()
}

// Done is closed once the operation reaches a terminal state.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

func (op *Operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Elapsed returns the time since the first claim, up to completion.
func (op *Operation) Elapsed() time.Duration {
	op.mu.Lock()
	defer op.mu.Unlock()
	switch {
	case op.startedAt.IsZero():
		return 0
	case op.finishedAt.IsZero():
		return time.Since(op.startedAt)
	default:
		return op.finishedAt.Sub(op.startedAt)
	}
}

// Counters returns a progress snapshot.
func (op *Operation) Counters() Counters {
	op.mu.Lock()
	defer op.mu.Unlock()
	c := op.counters
	c.Active = len(op.active)
	c.Blocked = len(op.blocked)
	return c
}

// Active returns the units currently holding a connection.
func (op *Operation) Active() []Unit {
	op.mu.Lock()
	units := make([]Unit, 0, len(op.active))
	for u := range op.active {
		units = append(units, u)
	}
	op.mu.Unlock()

	sort.Slice(units, func(i, j int) bool { return units[i].Path() < units[j].Path() })
	return units
}

// Blocked returns every node that exhausted its attempts, in tree order.
func (op *Operation) Blocked() []tree.Entry {
	return op.tree.Blocked()
}

// OnStalled registers fn to run when only blocked nodes are left. fn receives those nodes.
func (op *Operation) OnStalled(fn func([]tree.Entry)) (unsubscribe func()) {
	return op.stalledListeners.Subscribe(fn)
}

// Pause stops new dispatches. In-flight chunked transfers stop at their next chunk boundary.
func (op *Operation) Pause() {
	if op.paused.Swap(true) {
		return
	}
	op.setState(StatePaused)
	op.logger.Info().Str("operation", op.name).Msg("Paused")
}

// Resume clears the pause flag and schedules work again.
func (op *Operation) Resume() {
	if !op.paused.Swap(false) {
		return
	}
	op.mu.Lock()
	next := StatePending
	if !op.startedAt.IsZero() {
		next = StateInProgress
	}
	op.mu.Unlock()
	op.setState(next)
	op.logger.Info().Str("operation", op.name).Msg("Resumed")
	op.wake()
}

// Cancel marks every pending phase Cancelled. Units already running are left
// to finish or to notice the cancellation at a chunk boundary.
func (op *Operation) Cancel() {
	if op.cancelled.Swap(true) {
		return
	}
	op.logger.Info().Str("operation", op.name).Msg("Cancelling")
	op.tree.CancelPending()
	op.idle()
	op.wake()
}

// Retry resets a blocked node so the scheduler picks it up again.
func (op *Operation) Retry(e tree.Entry) {
	e.Retry()
	op.mu.Lock()
	op.stalled = false
	op.mu.Unlock()
	op.wake()
}

// Skip resolves a node as Cancelled, along with everything pending below it.
func (op *Operation) Skip(e tree.Entry) {
	e.Skip()
	op.mu.Lock()
	op.stalled = false
	op.mu.Unlock()
	op.wake()
}

func (op *Operation) trivial(u Unit) bool {
	switch u.Kind {
	case UnitBeforeDirectory:
		return op.handlers.BeforeDirectory == nil || (!op.processRoot && u.Dir == op.tree.Root())
	case UnitAfterDirectory:
		return op.handlers.AfterDirectory == nil || (!op.processRoot && u.Dir == op.tree.Root())
	default:
		return op.handlers.File == nil
	}
}

func (op *Operation) markStarted() {
	op.mu.Lock()
	if !op.startedAt.IsZero() {
		op.mu.Unlock()
		return
	}
	op.startedAt = time.Now()
	op.mu.Unlock()
	if !op.Paused() {
		op.setState(StateInProgress)
	}
}

func (op *Operation) track(u Unit) {
	op.mu.Lock()
	op.active[u] = struct{}{}
	op.mu.Unlock()
}

// finishUnit drops u from the active set and finishes or stalls the
// operation when nothing else can run.
func (op *Operation) finishUnit(u Unit) {
	op.mu.Lock()
	delete(op.active, u)
	idle := len(op.active) == 0
	op.mu.Unlock()

	if !idle {
		return
	}
	if _, ok := op.NextUnit(); !ok {
		op.idle()
	}
}

// idle is called when a scan found nothing to run.
func (op *Operation) idle() {
	op.mu.Lock()
	if op.state.IsTerminal() || len(op.active) > 0 {
		op.mu.Unlock()
		return
	}
	if op.tree.Root().Resolved() {
		op.finishLocked()
		return
	}
	if op.stalled || op.Paused() {
		op.mu.Unlock()
		return
	}
	blocked := op.tree.Blocked()
	if len(blocked) == 0 {
		op.mu.Unlock()
		return
	}
	op.stalled = true
	op.mu.Unlock()

	op.logger.Warn().Str("operation", op.name).Int("blocked", len(blocked)).
		Msg("Operation stalled: only blocked items remain")
	if op.bus != nil {
		op.bus.Publish(&events.OperationStalledEvent{
			BaseEvent:   events.BaseEvent{EventType: events.EventOperationStalled, Time: time.Now()},
			OperationID: op.id,
			Name:        op.name,
			Blocked:     len(blocked),
		})
	}
	op.stalledListeners.Emit(blocked)
}

// finishLocked moves the operation to its terminal state. It releases op.mu.
func (op *Operation) finishLocked() {
	old := op.state
	op.state = StateDone
	if op.cancelled.Load() {
		op.state = StateCancelled
	}
	op.finishedAt = time.Now()
	if op.startedAt.IsZero() {
		op.startedAt = op.finishedAt
	}
	next := op.state
	c := op.counters
	elapsed := op.finishedAt.Sub(op.startedAt)
	op.mu.Unlock()

	op.unsubscribe()
	op.onFinish(op)

	op.logger.Info().Str("operation", op.name).Str("state", string(next)).
		Int64("files", c.CompletedFiles).Int64("bytes", c.CompletedBytes).
		Dur("elapsed", elapsed).Msg("Operation finished")
	op.publishState(old, next)
	op.publishProgress()
	close(op.done)
}

func (op *Operation) setState(s State) {
	op.mu.Lock()
	if op.state.IsTerminal() || op.state == s {
		op.mu.Unlock()
		return
	}
	old := op.state
	op.state = s
	op.mu.Unlock()
	op.publishState(old, s)
}

func (op *Operation) publishState(old, next State) {
	if op.bus != nil {
		op.bus.PublishOperationState(op.id, op.name, string(old), string(next))
	}
}

func (op *Operation) publishProgress() {
	if op.bus == nil {
		return
	}
	c := op.Counters()
	op.bus.Publish(&events.OperationProgressEvent{
		BaseEvent:            events.BaseEvent{EventType: events.EventOperationProgress, Time: time.Now()},
		OperationID:          op.id,
		Name:                 op.name,
		TotalFiles:           c.TotalFiles,
		CompletedFiles:       c.CompletedFiles,
		TotalDirectories:     c.TotalDirectories,
		CompletedDirectories: c.CompletedDirectories,
		TotalBytes:           c.TotalBytes,
		CompletedBytes:       c.CompletedBytes,
		Active:               c.Active,
		Blocked:              c.Blocked,
	})
}

// countLocked adds e and everything below it to the totals.
func (op *Operation) countLocked(e tree.Entry) {
	switch e.Kind {
	case tree.KindFile:
		op.counters.TotalFiles++
		op.counters.TotalBytes += e.File.Size()
	case tree.KindDirectory:
		op.counters.TotalDirectories++
		for _, child := range e.Dir.Entries() {
			op.countLocked(child)
		}
	}
}

func (op *Operation) observe(c tree.Change) {
	resolvedChanged := false

	op.mu.Lock()
	switch c.Kind {
	case tree.ChangeStructure:
		for _, e := range c.Added {
			op.countLocked(e)
		}
	case tree.ChangeSize:
		delta := c.NewSize - c.OldSize
		op.counters.TotalBytes += delta
		if c.New == tree.StatusDone {
			op.counters.CompletedBytes += delta
		}
	case tree.ChangeStatus:
		resolvedChanged = c.Old.Resolved() != c.New.Resolved()
		switch c.Phase {
		case tree.PhaseFile:
			size := c.Entry.File.Size()
			if c.New == tree.StatusDone {
				op.counters.CompletedFiles++
				op.counters.CompletedBytes += size
			}
			if c.Old == tree.StatusDone {
				op.counters.CompletedFiles--
				op.counters.CompletedBytes -= size
			}
			if c.New == tree.StatusCancelled {
				op.counters.SkippedFiles++
			}
			if c.Old == tree.StatusCancelled {
				op.counters.SkippedFiles--
			}
		case tree.PhaseAfter:
			if c.New == tree.StatusDone {
				op.counters.CompletedDirectories++
			}
			if c.Old == tree.StatusDone {
				op.counters.CompletedDirectories--
			}
		}
	}
	if c.Kind == tree.ChangeStatus || c.Kind == tree.ChangeAttempt {
		if _, known := op.blocked[c.Entry]; known || c.BlockedChanged {
			if c.Entry.Blocked() {
				op.blocked[c.Entry] = struct{}{}
			} else {
				delete(op.blocked, c.Entry)
			}
		}
	}
	op.mu.Unlock()

	if resolvedChanged || c.Kind == tree.ChangeSize {
		op.publishProgress()
	}
}
