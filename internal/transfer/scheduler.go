package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/rescale/rescale-bulk/internal/constants"
	"github.com/rescale/rescale-bulk/internal/dispatch"
	"github.com/rescale/rescale-bulk/internal/events"
	"github.com/rescale/rescale-bulk/internal/logging"
	"github.com/rescale/rescale-bulk/internal/remote"
	"github.com/rescale/rescale-bulk/internal/tree"
)

// Submitter accepts jobs for execution on a pool connection.
type Submitter interface {
	Submit(priority int, job dispatch.Job) *dispatch.Future
}

// Scheduler turns frontier units into dispatch jobs and records their outcome.
type Scheduler struct {
	queue  Submitter
	logger *logging.Logger
	bus    *events.EventBus
}

// NewScheduler creates a scheduler submitting to queue. bus may be nil.
func NewScheduler(queue Submitter, logger *logging.Logger, bus *events.EventBus) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{queue: queue, logger: logger, bus: bus}
}

// Dispatch claims the next unit of op and submits it. It is meant to be
// called once per capacity signal and reports whether a unit was claimed.
// Units without real work are completed on the spot.
func (s *Scheduler) Dispatch(op *Operation) bool {
	if op.State().IsTerminal() || op.Paused() {
		return false
	}
	if op.Cancelled() {
		op.idle()
		return false
	}

	for i := 0; i < constants.MaxClaimRetries; i++ {
		u, ok := op.NextUnit()
		if !ok {
			op.idle()
			return false
		}
		if !u.claim() {
			// Lost the race to another dispatcher; rescan.
			continue
		}
		op.markStarted()

		if op.trivial(u) {
			s.complete(op, u, nil)
			return true
		}

		op.track(u)
		priority := op.priority
		if u.Kind == UnitBeforeDirectory {
			priority += constants.BeforeHookPriorityBoost
		}
		s.logger.Debug().Str("unit", u.String()).Int("priority", priority).Msg("dispatching")

		f := s.queue.Submit(priority, s.job(op, u))
		if errors.Is(f.Err(), dispatch.ErrQueueClosed) {
			s.complete(op, u, context.Canceled)
			return false
		}
		return true
	}
	return false
}

// job wraps the unit's handler. Completion is recorded before the queue
// releases the connection, so the capacity signal that follows always sees it.
func (s *Scheduler) job(op *Operation, u Unit) dispatch.Job {
	return func(ctx context.Context, conn remote.Connection) error {
		err := s.run(ctx, op, u, conn)
		if s.complete(op, u, err) {
			// A counted attempt never leaves its connection in the pool.
			return dispatch.Discard(err)
		}
		return err
	}
}

func (s *Scheduler) run(ctx context.Context, op *Operation, u Unit, conn remote.Connection) error {
	switch u.Kind {
	case UnitBeforeDirectory:
		return op.handlers.BeforeDirectory(ctx, op, u.Dir, conn)
	case UnitAfterDirectory:
		return op.handlers.AfterDirectory(ctx, op, u.Dir, conn)
	default:
		return op.handlers.File(ctx, op, u.File, conn)
	}
}

// complete feeds the result of u back into the tree. It reports whether err
// counted as a failed attempt.
func (s *Scheduler) complete(op *Operation, u Unit, err error) (failed bool) {
	switch {
	case err == nil:
		s.succeed(op, u)
	case errors.Is(err, remote.ErrCancelled) || op.Cancelled():
		cancelUnit(u)
	case errors.Is(err, remote.ErrPaused) || errors.Is(err, context.Canceled):
		s.logger.Debug().Str("unit", u.String()).Err(err).Msg("interrupted, will resume")
		interruptUnit(u)
	default:
		s.fail(op, u, err)
		failed = true
	}
	op.finishUnit(u)
	return failed
}

func (s *Scheduler) succeed(op *Operation, u Unit) {
	switch u.Kind {
	case UnitBeforeDirectory:
		u.Dir.SetBeforeStatus(tree.StatusDone)
		if op.Cancelled() {
			// Children discovered by a hook that finished after Cancel.
			u.Dir.CancelPending()
		}
	case UnitAfterDirectory:
		if !u.Dir.CompleteAfter() {
			s.logger.Debug().Str("unit", u.String()).Msg("children changed, after-hook will run again")
		}
	default:
		u.File.SetResume(false)
		u.File.SetStatus(tree.StatusDone)
	}
}

func (s *Scheduler) fail(op *Operation, u Unit, err error) {
	var attempt int
	var blocked bool
	switch u.Kind {
	case UnitBeforeDirectory:
		attempt, blocked = u.Dir.Fail(tree.PhaseBefore, err)
	case UnitAfterDirectory:
		attempt, blocked = u.Dir.Fail(tree.PhaseAfter, err)
	default:
		if errors.Is(err, remote.ErrIntegrity) {
			u.File.SetResume(true)
		}
		attempt, blocked = u.File.Fail(err)
	}

	s.logger.Warn().Err(err).Str("unit", u.String()).Int("attempt", attempt).
		Str("class", remote.ErrorTypeName(remote.Classify(err))).Msg("Unit failed")
	if !blocked {
		return
	}

	s.logger.Error().Err(err).Str("path", u.Path()).Int("attempts", attempt-1).Msg("Blocked after too many attempts")
	if s.bus != nil {
		s.bus.Publish(&events.NodeBlockedEvent{
			BaseEvent:   events.BaseEvent{EventType: events.EventNodeBlocked, Time: time.Now()},
			OperationID: op.id,
			Path:        u.Path(),
			Attempt:     attempt,
			Error:       err,
		})
	}
}

func cancelUnit(u Unit) {
	switch u.Kind {
	case UnitBeforeDirectory:
		u.Dir.SetBeforeStatus(tree.StatusCancelled)
		u.Dir.CancelPending()
	case UnitAfterDirectory:
		u.Dir.SetAfterStatus(tree.StatusCancelled)
	default:
		u.File.SetStatus(tree.StatusCancelled)
	}
}

func interruptUnit(u Unit) {
	switch u.Kind {
	case UnitBeforeDirectory:
		u.Dir.SetBeforeStatus(tree.StatusPending)
	case UnitAfterDirectory:
		u.Dir.SetAfterStatus(tree.StatusPending)
	default:
		u.File.SetResume(true)
		u.File.SetStatus(tree.StatusPending)
	}
}
