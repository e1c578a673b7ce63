// Package pool owns the set of remote connections, sizes it toward a target
// count and hands out one connection per unit of work.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rescale/rescale-bulk/internal/constants"
	"github.com/rescale/rescale-bulk/internal/events"
	"github.com/rescale/rescale-bulk/internal/logging"
	"github.com/rescale/rescale-bulk/internal/remote"
)

// ErrAttemptTimeout is the failure recorded for a creation abandoned after
// constants.ConnectionAttemptTimeout.
var ErrAttemptTimeout = errors.New("connection attempt timed out")

type entryState int

const (
	stateOpening entryState = iota
	stateOpen
)

type entry struct {
	conn     remote.Connection
	state    entryState
	locked   bool
	openedAt time.Time
}

// Options configures a Pool.
type Options struct {
	// Target is the initial target connection count (default 1).
	Target int
	// Logger receives pool diagnostics. Nil discards them.
	Logger *logging.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats is a snapshot of the pool.
type Stats struct {
	Target      int
	Connections int
	Open        int
	Locked      int
	Available   int
	Failures    int
	Creating    bool
	GaveUp      bool
}

func (s Stats) String() string {
	return fmt.Sprintf("target=%d connections=%d open=%d locked=%d available=%d",
		s.Target, s.Connections, s.Open, s.Locked, s.Available)
}

// Pool is a capped set of connections with a creation backoff policy.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	target  int
	factory remote.Factory
	logger  *logging.Logger
	now     func() time.Time
	baseCtx context.Context
	closed  bool

	// creation backoff
	creating    bool
	generation  int
	lastAttempt time.Time
	failures    int
	gaveUp      bool

	available events.Listeners[struct{}]
	failed    events.Listeners[error]
	changed   events.Listeners[Stats]
}

// New creates an empty pool. Connections are created by Start or RefreshConnections.
func New(factory remote.Factory, opts Options) *Pool {
	p := &Pool{
		factory: factory,
		target:  clampTarget(opts.Target),
		logger:  opts.Logger,
		now:     opts.Now,
		baseCtx: context.Background(),
	}
	if opts.Target == 0 {
		p.target = constants.DefaultTargetConnections
	}
	if p.logger == nil {
		p.logger = logging.NewNop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

func clampTarget(n int) int {
	if n < constants.MinTargetConnections {
		return constants.MinTargetConnections
	}
	if n > constants.MaxTargetConnections {
		return constants.MaxTargetConnections
	}
	return n
}

// OnConnectionAvailable registers fn to run whenever a connection may have become free.
func (p *Pool) OnConnectionAvailable(fn func()) (unsubscribe func()) {
	return p.available.Subscribe(func(struct{}) { fn() })
}

// OnConnectionFailed registers fn to run when the pool gives up creating connections.
func (p *Pool) OnConnectionFailed(fn func(error)) (unsubscribe func()) {
	return p.failed.Subscribe(fn)
}

// OnChanged registers fn to run after the target or the set of connections changes.
func (p *Pool) OnChanged(fn func(Stats)) (unsubscribe func()) {
	return p.changed.Subscribe(fn)
}

// Start refreshes the pool now and then every constants.PoolRefreshInterval until ctx ends.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.baseCtx = ctx
	p.mu.Unlock()

	p.RefreshConnections(ctx)
	go func() {
		ticker := time.NewTicker(constants.PoolRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.RefreshConnections(ctx)
			}
		}
	}()
}

// HasAvailableConnection reports whether any entry is unlocked and open.
func (p *Pool) HasAvailableConnection() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if p.freeLocked(e) {
			return true
		}
	}
	return false
}

// AvailableCount returns how many connections GetConnectionAndLock would hand out right now.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked()
}

func (p *Pool) freeLocked(e *entry) bool {
	return !e.locked && e.state == stateOpen && e.conn.IsConnected()
}

func (p *Pool) surplusLocked() int {
	if s := len(p.entries) - p.target; s > 0 {
		return s
	}
	return 0
}

func (p *Pool) availableLocked() int {
	free := 0
	for _, e := range p.entries {
		if p.freeLocked(e) {
			free++
		}
	}
	if n := free - p.surplusLocked(); n > 0 {
		return n
	}
	return 0
}

// GetConnectionAndLock locks and returns a free open connection, or nil.
//
// When the pool holds more connections than its target, that many free
// entries are left unassigned so the next refresh can close them instead of
// reusing them.
func (p *Pool) GetConnectionAndLock() remote.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	reserve := p.surplusLocked()
	for _, e := range p.entries {
		if !p.freeLocked(e) {
			continue
		}
		if reserve > 0 {
			reserve--
			continue
		}
		e.locked = true
		return e.conn
	}
	return nil
}

// UnlockConnection returns a connection to the pool and signals capacity.
func (p *Pool) UnlockConnection(c remote.Connection) {
	p.mu.Lock()
	for _, e := range p.entries {
		if e.conn == c {
			e.locked = false
			break
		}
	}
	p.mu.Unlock()

	p.available.Emit(struct{}{})
}

// DiscardConnection removes a connection that may be broken and closes it.
// A replacement is requested right away.
func (p *Pool) DiscardConnection(c remote.Connection) {
	p.mu.Lock()
	for i, e := range p.entries {
		if e.conn == c {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	ctx := p.baseCtx
	p.mu.Unlock()

	if err := c.Close(); err != nil {
		p.logger.Debug().Err(err).Msg("close discarded connection")
	}
	p.logger.Debug().Msg("connection discarded")
	p.emitChanged()

	p.RefreshConnections(ctx)
	if p.AvailableCount() > 0 {
		p.available.Emit(struct{}{})
	}
}

// RefreshConnections reconciles the pool with its target: it closes free
// surplus connections, drops closed ones, and starts at most one creation
// when below target and the backoff policy allows it.
func (p *Pool) RefreshConnections(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	now := p.now()
	var toClose []remote.Connection
	changed := false

	surplus := p.surplusLocked()
	for i := len(p.entries) - 1; i >= 0 && surplus > 0; i-- {
		e := p.entries[i]
		if p.freeLocked(e) {
			toClose = append(toClose, e.conn)
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			surplus--
			changed = true
		}
	}

	kept := p.entries[:0]
	for _, e := range p.entries {
		switch {
		case e.state == stateOpen && !e.conn.IsConnected():
			changed = true
		case e.state == stateOpening && now.Sub(e.openedAt) >= constants.ConnectionAttemptTimeout:
			toClose = append(toClose, e.conn)
			changed = true
		default:
			kept = append(kept, e)
		}
	}
	p.entries = kept

	gaveUp := false
	if len(p.entries) < p.target && p.canAttemptLocked(now) {
		if p.creating {
			gaveUp = p.abandonLocked()
		}
		if !p.gaveUp {
			p.startCreationLocked(ctx, now)
		}
	}
	failures := p.failures
	p.mu.Unlock()

	for _, c := range toClose {
		c.Close()
	}
	if changed {
		p.emitChanged()
	}
	if gaveUp {
		p.logger.Error().Err(ErrAttemptTimeout).Msg("giving up on new connections")
		p.failed.Emit(fmt.Errorf("%d consecutive connection failures: %w", failures, ErrAttemptTimeout))
	}
}

// abandonLocked counts an in-flight creation older than
// constants.ConnectionAttemptTimeout as a failed attempt. A late result from
// it is not counted again. It reports whether the pool just gave up.
func (p *Pool) abandonLocked() bool {
	p.creating = false
	p.generation++
	p.failures++
	p.logger.Warn().Int("failures", p.failures).Msg("connection attempt timed out")
	if p.failures >= constants.MaxConnectionFailures && !p.gaveUp {
		p.gaveUp = true
		return true
	}
	return false
}

func (p *Pool) canAttemptLocked(now time.Time) bool {
	if p.gaveUp {
		return false
	}
	if p.lastAttempt.IsZero() {
		return true
	}
	since := now.Sub(p.lastAttempt)
	if p.creating {
		return since >= constants.ConnectionAttemptTimeout
	}
	return since >= constants.ConnectionRetryInterval
}

func (p *Pool) startCreationLocked(ctx context.Context, now time.Time) {
	p.creating = true
	p.generation++
	p.lastAttempt = now
	go p.create(ctx, p.generation)
}

func (p *Pool) create(ctx context.Context, gen int) {
	conn, err := p.factory(ctx)
	var e *entry
	if err == nil {
		p.mu.Lock()
		e = &entry{conn: conn, state: stateOpening, openedAt: p.now()}
		p.entries = append(p.entries, e)
		p.mu.Unlock()

		err = conn.Connect(ctx)
	}

	p.mu.Lock()
	current := gen == p.generation
	if current {
		p.creating = false
	}

	if err != nil {
		if e != nil {
			p.removeLocked(e)
		}
		gaveUp := false
		if current {
			p.failures++
			if p.failures >= constants.MaxConnectionFailures && !p.gaveUp {
				p.gaveUp = true
				gaveUp = true
			}
		}
		failures := p.failures
		p.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		p.logger.Warn().Err(err).Int("failures", failures).Msg("connection attempt failed")
		if gaveUp {
			p.logger.Error().Err(err).Msg("giving up on new connections")
			p.failed.Emit(fmt.Errorf("%d consecutive connection failures: %w", failures, err))
		}
		return
	}

	if p.closed || !p.containsLocked(e) {
		p.removeLocked(e)
		p.mu.Unlock()
		conn.Close()
		return
	}
	e.state = stateOpen
	p.failures = 0
	p.mu.Unlock()

	p.logger.Debug().Msg("connection opened")
	p.emitChanged()
	p.available.Emit(struct{}{})
	p.RefreshConnections(ctx)
}

func (p *Pool) containsLocked(e *entry) bool {
	for _, x := range p.entries {
		if x == e {
			return true
		}
	}
	return false
}

func (p *Pool) removeLocked(e *entry) {
	for i, x := range p.entries {
		if x == e {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}

// SetTargetConnectionCount sets the target, clamped to 1..10, and refreshes.
func (p *Pool) SetTargetConnectionCount(n int) {
	n = clampTarget(n)
	p.mu.Lock()
	old := p.target
	p.target = n
	ctx := p.baseCtx
	p.mu.Unlock()

	if old == n {
		return
	}
	p.logger.Debug().Int("from", old).Int("to", n).Msg("target connection count changed")
	p.emitChanged()
	p.RefreshConnections(ctx)
	if n > old {
		p.available.Emit(struct{}{})
	}
}

// TargetConnectionCount returns the current target.
func (p *Pool) TargetConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// DonateConnection admits an externally created, already connected connection.
func (p *Pool) DonateConnection(c remote.Connection) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Close()
		return
	}
	p.entries = append(p.entries, &entry{conn: c, state: stateOpen, openedAt: p.now()})
	p.failures = 0
	p.gaveUp = false
	p.mu.Unlock()

	p.emitChanged()
	p.available.Emit(struct{}{})
}

// CreateInitialConnection opens one connection synchronously and admits it.
// It lets a caller validate the server before starting any batch.
func (p *Pool) CreateInitialConnection(ctx context.Context) error {
	conn, err := p.factory(ctx)
	if err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	if err := conn.Connect(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("connect: %w", err)
	}
	p.DonateConnection(conn)
	return nil
}

// ResetFailures clears the give-up state so the pool tries again.
func (p *Pool) ResetFailures() {
	p.mu.Lock()
	p.failures = 0
	p.gaveUp = false
	p.lastAttempt = time.Time{}
	ctx := p.baseCtx
	p.mu.Unlock()

	p.RefreshConnections(ctx)
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Target:      p.target,
		Connections: len(p.entries),
		Available:   p.availableLocked(),
		Failures:    p.failures,
		Creating:    p.creating,
		GaveUp:      p.gaveUp,
	}
	for _, e := range p.entries {
		if e.state == stateOpen {
			s.Open++
		}
		if e.locked {
			s.Locked++
		}
	}
	return s
}

func (p *Pool) emitChanged() {
	p.changed.Emit(p.Stats())
}

// Close closes every connection. The pool hands out nothing afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = nil
	p.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		conn := e.conn
		g.Go(conn.Close)
	}
	return g.Wait()
}
