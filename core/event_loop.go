package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// TaskRunner accepts steps for cooperative execution. InvokeAsyncOn posts its
// poll steps to one.
type TaskRunner interface {
	// PostTask queues c to run as soon as the runner is free.
	PostTask(c Closure)

	// PostDelayedTask queues c to run after delay.
	PostDelayedTask(c Closure, delay time.Duration)

	// IsClosed reports whether posted work will be dropped.
	IsClosed() bool
}

// ReplyWithResult receives the result of an async invocation on a TaskRunner.
type ReplyWithResult[R any] func(ctx context.Context, result R, err error)

type eventLoopKeyType struct{}

var eventLoopKey eventLoopKeyType

// CurrentEventLoop returns the loop running the calling closure, or nil.
func CurrentEventLoop(ctx context.Context) *EventLoop {
	if loop, ok := ctx.Value(eventLoopKey).(*EventLoop); ok {
		return loop
	}
	return nil
}

// EventLoop runs closures one at a time on a dedicated goroutine.
//
// A closure that waits must not block the loop: it re-posts itself with
// PostDelayedTask and returns, so other closures interleave between its steps.
type EventLoop struct {
	workQueue chan Closure

	ctx    context.Context
	cancel context.CancelFunc

	stopped      chan struct{}
	once         sync.Once
	closed       atomic.Bool
	shutdownChan chan struct{}
	shutdownOnce sync.Once

	panicHandler PanicHandler
	delays       *DelayManager
	executed     atomic.Int64
	pending      atomic.Int32

	name string
	mu   sync.Mutex
}

// NewEventLoop creates and starts an event loop.
func NewEventLoop(name string, panicHandler PanicHandler) *EventLoop {
	if panicHandler == nil {
		panicHandler = &DefaultPanicHandler{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &EventLoop{
		workQueue:    make(chan Closure, 100),
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
		shutdownChan: make(chan struct{}),
		panicHandler: panicHandler,
		delays:       NewDelayManager(),
		name:         name,
	}

	go l.runLoop()

	return l
}

// Name returns the name of the loop
func (l *EventLoop) Name() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name
}

// SetName sets the name of the loop
func (l *EventLoop) SetName(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.name = name
}

// PostTask queues c. Closures posted after Shutdown are dropped.
func (l *EventLoop) PostTask(c Closure) {
	if l.closed.Load() {
		return
	}

	l.pending.Add(1)
	select {
	case <-l.ctx.Done():
		l.pending.Add(-1)
	case l.workQueue <- c:
	}
}

// PostDelayedTask queues c after delay. The wait happens on the loop's
// DelayManager, never on the loop itself.
func (l *EventLoop) PostDelayedTask(c Closure, delay time.Duration) {
	if l.closed.Load() {
		return
	}
	l.delays.AddDelayedTask(c, delay, l)
}

// Shutdown marks the loop closed and signals WaitShutdown. It is safe to call
// from a closure running on the loop.
func (l *EventLoop) Shutdown() {
	l.shutdownOnce.Do(func() {
		l.closed.Store(true)
		l.cancel()
		l.delays.Stop()
		close(l.shutdownChan)
	})
}

// IsClosed returns true once Shutdown or Stop was called.
func (l *EventLoop) IsClosed() bool {
	return l.closed.Load()
}

// Stop closes the loop and waits for the running closure to return.
// It must not be called from a closure on the loop.
func (l *EventLoop) Stop() {
	l.once.Do(func() {
		l.Shutdown()
		<-l.stopped
	})
}

// Done is closed once Shutdown or Stop was called.
func (l *EventLoop) Done() <-chan struct{} {
	return l.shutdownChan
}

// WaitShutdown blocks until Shutdown is called or ctx is done.
func (l *EventLoop) WaitShutdown(ctx context.Context) error {
	select {
	case <-l.shutdownChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitIdle returns once every closure posted before the call has run.
func (l *EventLoop) WaitIdle(ctx context.Context) error {
	if l.IsClosed() {
		return fmt.Errorf("event loop %s: %w", l.Name(), ErrRunnerClosed)
	}

	done := make(chan struct{})
	l.PostTask(func(context.Context) {
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return fmt.Errorf("event loop %s: %w", l.Name(), ErrRunnerClosed)
	}
}

// Stats reports the loop's current state.
func (l *EventLoop) Stats() RunnerStats {
	return RunnerStats{
		Name:     l.Name(),
		Pending:  int(l.pending.Load()),
		Delayed:  l.delays.TaskCount(),
		Executed: l.executed.Load(),
		Closed:   l.IsClosed(),
	}
}

func (l *EventLoop) runLoop() {
	defer close(l.stopped)

	runCtx := context.WithValue(l.ctx, eventLoopKey, l)

	for {
		select {
		case c := <-l.workQueue:
			l.pending.Add(-1)
			l.run(runCtx, c)
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *EventLoop) run(ctx context.Context, c Closure) {
	defer func() {
		if rec := recover(); rec != nil {
			l.panicHandler.HandlePanic(ctx, l.Name(), -1, rec, debug.Stack())
		}
	}()
	l.executed.Add(1)
	c(ctx)
}
