// Package dispatch matches prioritized jobs to free pool connections.
package dispatch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rescale/rescale-bulk/internal/events"
	"github.com/rescale/rescale-bulk/internal/logging"
	"github.com/rescale/rescale-bulk/internal/remote"
)

// ErrQueueClosed is returned for jobs still waiting when the queue closes.
var ErrQueueClosed = errors.New("dispatch queue closed")

// discardError marks a job error whose connection must not be reused.
type discardError struct {
	err error
}

func (e *discardError) Error() string { return e.err.Error() }
func (e *discardError) Unwrap() error { return e.err }

// Discard wraps err so the queue closes the connection the job ran on,
// whatever class err falls in. errors.Is and errors.As still see err.
func Discard(err error) error {
	if err == nil {
		return nil
	}
	return &discardError{err: err}
}

func reusable(err error) bool {
	var d *discardError
	if errors.As(err, &d) {
		return false
	}
	return remote.Reusable(err)
}

// Job is one unit of remote work. It runs with exclusive use of conn.
type Job func(ctx context.Context, conn remote.Connection) error

// ConnectionSource is the part of the connection pool the queue needs.
type ConnectionSource interface {
	GetConnectionAndLock() remote.Connection
	UnlockConnection(remote.Connection)
	DiscardConnection(remote.Connection)
	AvailableCount() int
	OnConnectionAvailable(fn func()) (unsubscribe func())
}

// Future is the eventual result of a submitted job.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the job has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the job's error. Only meaningful after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue holds jobs until the pool has a connection for them.
type Queue struct {
	mu       sync.Mutex
	heap     jobHeap
	seq      uint64
	inFlight int
	closed   bool

	ctx     context.Context
	source  ConnectionSource
	logger  *logging.Logger
	drained events.Listeners[struct{}]
	running sync.WaitGroup
	unsub   func()
}

// New creates a queue fed by source. Jobs run with ctx.
func New(ctx context.Context, source ConnectionSource, logger *logging.Logger) *Queue {
	if logger == nil {
		logger = logging.NewNop()
	}
	q := &Queue{
		ctx:    ctx,
		source: source,
		logger: logger,
	}
	heap.Init(&q.heap)
	q.unsub = source.OnConnectionAvailable(q.drain)
	return q
}

// OnDrained registers fn to run when no job is waiting and a connection is free.
func (q *Queue) OnDrained(fn func()) (unsubscribe func()) {
	return q.drained.Subscribe(func(struct{}) { fn() })
}

// Submit enqueues job at priority and starts it as soon as a connection frees up.
func (q *Queue) Submit(priority int, job Job) *Future {
	f := newFuture()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		f.complete(ErrQueueClosed)
		return f
	}
	heap.Push(&q.heap, &item{job: job, priority: priority, seq: q.seq, future: f})
	q.seq++
	q.mu.Unlock()

	q.drain()
	return f
}

// Len returns the number of jobs waiting for a connection.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// InFlight returns the number of jobs currently holding a connection.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if q.heap.Len() == 0 {
			q.mu.Unlock()
			if q.source.AvailableCount() > 0 {
				q.drained.Emit(struct{}{})
			}
			return
		}
		conn := q.source.GetConnectionAndLock()
		if conn == nil {
			q.mu.Unlock()
			return
		}
		it := heap.Pop(&q.heap).(*item)
		q.inFlight++
		q.running.Add(1)
		q.mu.Unlock()

		go q.run(it, conn)
	}
}

func (q *Queue) run(it *item, conn remote.Connection) {
	defer q.running.Done()

	err := q.call(it.job, conn)

	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()

	if reusable(err) {
		q.source.UnlockConnection(conn)
	} else {
		q.logger.Debug().Err(err).Str("class", remote.ErrorTypeName(remote.Classify(err))).
			Msg("discarding connection after failed job")
		q.source.DiscardConnection(conn)
	}
	it.future.complete(err)
}

func (q *Queue) call(job Job, conn remote.Connection) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job(q.ctx, conn)
}

// Close fails every waiting job with ErrQueueClosed. Running jobs finish normally.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	waiting := q.heap
	q.heap = nil
	q.mu.Unlock()

	q.unsub()
	for _, it := range waiting {
		it.future.complete(ErrQueueClosed)
	}
}

// Wait blocks until every started job has finished.
func (q *Queue) Wait() {
	q.running.Wait()
}
