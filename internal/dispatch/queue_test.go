package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rescale/rescale-bulk/internal/events"
	"github.com/rescale/rescale-bulk/internal/remote"
)

type stubConn struct {
	remote.Connection
	name string
}

// stubSource is a minimal ConnectionSource with a fixed set of connections.
type stubSource struct {
	mu        sync.Mutex
	free      []remote.Connection
	discarded []remote.Connection
	available events.Listeners[struct{}]
}

func (s *stubSource) add(c remote.Connection) {
	s.mu.Lock()
	s.free = append(s.free, c)
	s.mu.Unlock()
	s.available.Emit(struct{}{})
}

func (s *stubSource) GetConnectionAndLock() remote.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.free) == 0 {
		return nil
	}
	c := s.free[0]
	s.free = s.free[1:]
	return c
}

func (s *stubSource) UnlockConnection(c remote.Connection) {
	s.add(c)
}

func (s *stubSource) DiscardConnection(c remote.Connection) {
	s.mu.Lock()
	s.discarded = append(s.discarded, c)
	s.mu.Unlock()
}

func (s *stubSource) AvailableCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}

func (s *stubSource) OnConnectionAvailable(fn func()) func() {
	return s.available.Subscribe(func(struct{}) { fn() })
}

func waitAll(t *testing.T, futures ...*Future) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, f := range futures {
		select {
		case <-f.Done():
		case <-ctx.Done():
			t.Fatal("Timeout waiting for job")
		}
	}
}

func TestQueue_PriorityThenSubmissionOrder(t *testing.T) {
	src := &stubSource{}
	q := New(context.Background(), src, nil)
	defer q.Close()

	var mu sync.Mutex
	var order []string
	job := func(name string) Job {
		return func(ctx context.Context, conn remote.Connection) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	futures := []*Future{
		q.Submit(1, job("low")),
		q.Submit(5, job("high-1")),
		q.Submit(3, job("mid")),
		q.Submit(5, job("high-2")),
	}
	if q.Len() != 4 {
		t.Fatalf("Expected 4 waiting jobs, got %d", q.Len())
	}

	src.add(&stubConn{name: "only"})
	waitAll(t, futures...)

	want := []string{"high-1", "high-2", "mid", "low"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, order)
		}
	}
}

func TestQueue_DrainedSignal(t *testing.T) {
	src := &stubSource{}
	q := New(context.Background(), src, nil)
	defer q.Close()

	drained := make(chan struct{}, 10)
	q.OnDrained(func() { drained <- struct{}{} })

	f := q.Submit(0, func(ctx context.Context, conn remote.Connection) error { return nil })
	src.add(&stubConn{})
	waitAll(t, f)

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("Expected a drained signal once the queue emptied")
	}
}

func TestQueue_FailedJobDiscardsConnection(t *testing.T) {
	src := &stubSource{}
	conn := &stubConn{name: "flaky"}
	src.add(conn)
	q := New(context.Background(), src, nil)
	defer q.Close()

	boom := errors.New("connection reset by peer")
	f := q.Submit(0, func(ctx context.Context, c remote.Connection) error { return boom })
	waitAll(t, f)

	if !errors.Is(f.Err(), boom) {
		t.Errorf("Expected job error, got %v", f.Err())
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.discarded) != 1 || src.discarded[0] != conn {
		t.Errorf("Expected the connection to be discarded, got %v", src.discarded)
	}
	if len(src.free) != 0 {
		t.Errorf("Expected no free connections, got %d", len(src.free))
	}
}

func TestQueue_IdempotentErrorKeepsConnection(t *testing.T) {
	src := &stubSource{}
	src.add(&stubConn{})
	q := New(context.Background(), src, nil)
	defer q.Close()

	f := q.Submit(0, func(ctx context.Context, c remote.Connection) error { return remote.ErrNotFound })
	waitAll(t, f)

	if src.AvailableCount() != 1 {
		t.Errorf("Expected connection back in the pool, got %d free", src.AvailableCount())
	}
}

func TestQueue_DiscardOverridesErrorClass(t *testing.T) {
	src := &stubSource{}
	conn := &stubConn{name: "raced"}
	src.add(conn)
	q := New(context.Background(), src, nil)
	defer q.Close()

	f := q.Submit(0, func(ctx context.Context, c remote.Connection) error {
		return Discard(fmt.Errorf("rmdir /d: %w", remote.ErrNotEmpty))
	})
	waitAll(t, f)

	if !errors.Is(f.Err(), remote.ErrNotEmpty) {
		t.Errorf("Expected the wrapped error to stay visible, got %v", f.Err())
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.discarded) != 1 || src.discarded[0] != conn {
		t.Errorf("Expected the connection to be discarded, got %v", src.discarded)
	}
	if Discard(nil) != nil {
		t.Error("Expected Discard(nil) to be nil")
	}
}

func TestQueue_PanicBecomesError(t *testing.T) {
	src := &stubSource{}
	src.add(&stubConn{})
	q := New(context.Background(), src, nil)
	defer q.Close()

	f := q.Submit(0, func(ctx context.Context, c remote.Connection) error { panic("bad handler") })
	waitAll(t, f)

	if f.Err() == nil {
		t.Error("Expected panic to surface as an error")
	}
}

func TestQueue_CloseFailsWaitingJobs(t *testing.T) {
	src := &stubSource{}
	q := New(context.Background(), src, nil)

	f := q.Submit(0, func(ctx context.Context, c remote.Connection) error { return nil })
	q.Close()

	if err := f.Wait(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
	if err := q.Submit(0, nil).Wait(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed after Close, got %v", err)
	}
}
