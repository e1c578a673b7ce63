package transfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale/rescale-bulk/internal/constants"
	"github.com/rescale/rescale-bulk/internal/dispatch"
	"github.com/rescale/rescale-bulk/internal/events"
	"github.com/rescale/rescale-bulk/internal/logging"
	"github.com/rescale/rescale-bulk/internal/pool"
	"github.com/rescale/rescale-bulk/internal/remote"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	Factory remote.Factory
	// InitialConnections is the starting pool target (default 1).
	InitialConnections int
	// MaxConnections caps heuristic scale-up (default constants.MaxTargetConnections).
	MaxConnections int
	Logger         *logging.Logger
	Bus            *events.EventBus
}

// Session is the context shared by every operation against one server:
// the connection pool, the dispatch queue and the scheduler.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	pool      *pool.Pool
	queue     *dispatch.Queue
	scheduler *Scheduler
	bus       *events.EventBus
	logger    *logging.Logger
	maxConns  int

	mu           sync.Mutex
	ops          []*Operation
	rr           int
	listedSince  int
	listedTotal  int64
	unsubscribes []func()

	pumping atomic.Bool
	again   atomic.Bool
	closed  atomic.Bool
}

// NewSession wires a pool, queue and scheduler together. Call Connect before starting operations.
func NewSession(ctx context.Context, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	maxConns := opts.MaxConnections
	if maxConns <= 0 || maxConns > constants.MaxTargetConnections {
		maxConns = constants.MaxTargetConnections
	}
	initial := opts.InitialConnections
	if initial <= 0 {
		initial = constants.DefaultTargetConnections
	}
	if initial > maxConns {
		initial = maxConns
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ctx:      ctx,
		cancel:   cancel,
		bus:      opts.Bus,
		logger:   logger,
		maxConns: maxConns,
	}
	s.pool = pool.New(opts.Factory, pool.Options{Target: initial, Logger: logger.Component("pool")})
	s.queue = dispatch.New(ctx, s.pool, logger.Component("queue"))
	s.scheduler = NewScheduler(s.queue, logger.Component("scheduler"), opts.Bus)

	s.unsubscribes = append(s.unsubscribes,
		s.queue.OnDrained(s.pump),
		s.pool.OnConnectionAvailable(s.pump),
		s.pool.OnChanged(s.publishPool),
		s.pool.OnConnectionFailed(s.connectionFailed),
	)
	return s
}

// Connect opens the first connection synchronously, so bad credentials
// surface before any batch starts, then lets the pool grow to its target.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.pool.CreateInitialConnection(ctx); err != nil {
		return err
	}
	s.pool.Start(s.ctx)
	return nil
}

func (s *Session) Pool() *pool.Pool         { return s.pool }
func (s *Session) Bus() *events.EventBus    { return s.bus }
func (s *Session) Logger() *logging.Logger  { return s.logger }
func (s *Session) Context() context.Context { return s.ctx }

// Start registers op and begins scheduling it.
func (s *Session) Start(op *Operation) {
	op.bus = s.bus
	op.wake = s.pump
	op.onFinish = s.remove

	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()

	s.logger.Debug().Str("operation", op.name).Str("id", op.id).Msg("operation started")
	op.publishState("", StatePending)
	s.pump()
}

// Wait blocks until op finishes or ctx ends.
func (s *Session) Wait(ctx context.Context, op *Operation) error {
	select {
	case <-op.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts op and waits for it.
func (s *Session) Run(ctx context.Context, op *Operation) error {
	s.Start(op)
	return s.Wait(ctx, op)
}

// Operations returns the operations still running.
func (s *Session) Operations() []*Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Operation(nil), s.ops...)
}

// Submit queues an ad-hoc job, such as a listing or a rename, outside any tree operation.
func (s *Session) Submit(priority int, job dispatch.Job) *dispatch.Future {
	return s.queue.Submit(priority, job)
}

// Call runs job at interactive priority and waits for it.
func (s *Session) Call(ctx context.Context, job dispatch.Job) error {
	return s.Submit(constants.InteractivePriority, job).Wait(ctx)
}

// DirectoryListed is called by discovery hooks after each listing. Every
// ScaleUpDirectoriesPerConnection × target listings widen the pool by one,
// up to the configured maximum.
func (s *Session) DirectoryListed() {
	target := s.pool.TargetConnectionCount()

	s.mu.Lock()
	s.listedTotal++
	s.listedSince++
	grow := target < s.maxConns && s.listedSince >= constants.ScaleUpDirectoriesPerConnection*target
	if grow {
		s.listedSince = 0
	}
	s.mu.Unlock()

	if grow {
		s.logger.Debug().Int("target", target+1).Msg("scaling up connections")
		s.pool.SetTargetConnectionCount(target + 1)
	}
}

// Close cancels running work, fails queued jobs and closes every connection.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	unsubs := s.unsubscribes
	s.unsubscribes = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}

	s.cancel()
	s.queue.Close()
	s.queue.Wait()
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("close connections: %w", err)
	}
	return nil
}

// pump hands out free capacity to the running operations in round-robin
// order. Concurrent calls collapse into one extra pass of the running pump.
func (s *Session) pump() {
	if s.closed.Load() {
		return
	}
	if !s.pumping.CompareAndSwap(false, true) {
		s.again.Store(true)
		return
	}
	for {
		s.again.Store(false)
		s.fill()
		s.pumping.Store(false)
		if !s.again.Load() || !s.pumping.CompareAndSwap(false, true) {
			return
		}
	}
}

func (s *Session) fill() {
	for s.queue.Len() < s.pool.AvailableCount() {
		s.mu.Lock()
		ops := append([]*Operation(nil), s.ops...)
		start := s.rr
		s.rr++
		s.mu.Unlock()
		if len(ops) == 0 {
			return
		}

		progressed := false
		for i := range ops {
			op := ops[(start+i)%len(ops)]
			if s.scheduler.Dispatch(op) {
				progressed = true
			}
			if s.queue.Len() >= s.pool.AvailableCount() {
				return
			}
		}
		if !progressed {
			return
		}
	}
}

func (s *Session) remove(op *Operation) {
	s.mu.Lock()
	for i, o := range s.ops {
		if o == op {
			s.ops = append(s.ops[:i], s.ops[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

func (s *Session) publishPool(st pool.Stats) {
	s.logger.Debug().Str("pool", st.String()).Msg("pool changed")
	if s.bus == nil {
		return
	}
	s.bus.Publish(&events.PoolEvent{
		BaseEvent:   events.BaseEvent{EventType: events.EventPoolChanged, Time: time.Now()},
		Target:      st.Target,
		Connections: st.Connections,
		Locked:      st.Locked,
	})
}

func (s *Session) connectionFailed(err error) {
	s.logger.Error().Err(err).Msg("Could not open connections to the server")
	if s.bus == nil {
		return
	}
	s.bus.Publish(&events.PoolEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventConnectionFailed, Time: time.Now()},
		Target:    s.pool.TargetConnectionCount(),
		Error:     err,
	})
}
