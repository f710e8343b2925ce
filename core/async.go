package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Future is the pending result of an async invocation.
type Future[R any] struct {
	done   chan struct{}
	once   sync.Once
	result R
	err    error
}

func newFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

func (f *Future[R]) resolve(result R, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the future is resolved.
func (f *Future[R]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future resolves or ctx is done. Giving up on ctx
// leaves the invocation running.
func (f *Future[R]) Await(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// InvokeAsync dispatches one task and polls it from the scheduler's event loop.
func InvokeAsync[P, R any](ctx context.Context, s *Scheduler, task Task[P, R]) *Future[R] {
	return InvokeAsyncOn(ctx, s, s.EventLoop(), task)
}

// InvokeAsyncOn is InvokeAsync on a caller-supplied runner. Every step is a
// closure posted to runner; between polls the runner is free for other work.
func InvokeAsyncOn[P, R any](ctx context.Context, s *Scheduler, runner TaskRunner, task Task[P, R]) *Future[R] {
	return invokeAsync(ctx, s, runner, task, nil)
}

// InvokeAsyncAndReply is InvokeAsyncOn that also posts reply to runner once
// the future resolves. The reply is skipped if the runner is closed by then.
func InvokeAsyncAndReply[P, R any](ctx context.Context, s *Scheduler, runner TaskRunner, task Task[P, R], reply ReplyWithResult[R]) *Future[R] {
	return invokeAsync(ctx, s, runner, task, reply)
}

func invokeAsync[P, R any](ctx context.Context, s *Scheduler, runner TaskRunner, task Task[P, R], reply ReplyWithResult[R]) *Future[R] {
	op := &asyncOp[P, R]{
		ctx:    ctx,
		s:      s,
		runner: runner,
		task:   task,
		reply:  reply,
		future: newFuture[R](),
	}

	if runner == nil || runner.IsClosed() {
		op.future.resolve(op.zero(), fmt.Errorf("invoke task %s: %w", task.ID(), ErrRunnerClosed))
		return op.future
	}

	if closer, ok := runner.(interface{ Done() <-chan struct{} }); ok {
		go func() {
			select {
			case <-op.future.Done():
			case <-closer.Done():
				op.cancel(fmt.Errorf("invoke task %s: %w", task.ID(), ErrRunnerClosed))
			}
		}()
	}

	runner.PostTask(op.start)
	return op.future
}

// asyncOp carries one async invocation across its posted steps.
type asyncOp[P, R any] struct {
	ctx    context.Context
	s      *Scheduler
	runner TaskRunner
	task   Task[P, R]
	reply  ReplyWithResult[R]
	future *Future[R]

	mu        sync.Mutex
	handle    Handle
	submitted time.Time
	finished  bool
}

func (op *asyncOp[P, R]) zero() R {
	var zero R
	return zero
}

func (op *asyncOp[P, R]) start(context.Context) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.finished {
		return
	}
	if err := op.ctx.Err(); err != nil {
		op.finishLocked(op.zero(), err)
		return
	}
	if err := op.s.Validate(); err != nil {
		op.finishLocked(op.zero(), err)
		return
	}

	data, err := encodeTask(op.s.registry.Codec(), op.task)
	if err != nil {
		op.finishLocked(op.zero(), err)
		return
	}
	h, err := op.s.pool.Submit(op.ctx, data)
	if err != nil {
		op.finishLocked(op.zero(), fmt.Errorf("submit task %s: %w", op.task.ID(), err))
		return
	}
	op.handle = h
	op.submitted = time.Now()
	op.s.metrics.RecordPending(ModeAsync, 1)
	op.s.logger.Debug("async task submitted", F("task", op.task.ID()), F("handle", h.String()))

	op.postLocked(op.poll, 0)
}

func (op *asyncOp[P, R]) poll(context.Context) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.finished {
		return
	}
	if err := op.ctx.Err(); err != nil {
		op.abandonLocked(err)
		return
	}

	ready, err := op.s.pool.Poll(op.handle)
	if err != nil {
		op.handle = Handle{}
		op.finishLocked(op.zero(), fmt.Errorf("poll task %s: %w", op.task.ID(), err))
		return
	}
	if !ready {
		op.postLocked(op.poll, op.s.asyncPollInterval)
		return
	}

	outcome, err := op.s.pool.Fetch(op.handle, FetchRelease)
	op.handle = Handle{}
	if err != nil {
		op.finishLocked(op.zero(), fmt.Errorf("fetch task %s: %w", op.task.ID(), err))
		return
	}
	op.s.metrics.RecordOutcome(ModeAsync, outcome.StatusCode, time.Since(op.submitted))

	if !outcome.OK() {
		op.finishLocked(op.zero(), &TaskExecutionError{StatusCode: outcome.StatusCode, Message: outcome.Message})
		return
	}

	result, err := decodeResult[R](op.s.registry.Codec(), outcome.Payload)
	if err != nil {
		op.finishLocked(op.zero(), fmt.Errorf("task %s: %w", op.task.ID(), err))
		return
	}
	op.finishLocked(result, nil)
}

// cancel resolves the future from outside the runner.
func (op *asyncOp[P, R]) cancel(err error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if !op.finished {
		op.abandonLocked(err)
	}
}

// postLocked schedules the next step. PostDelayedTask keeps a step from
// blocking on its own runner's full queue.
func (op *asyncOp[P, R]) postLocked(step Closure, delay time.Duration) {
	if op.runner.IsClosed() {
		op.abandonLocked(fmt.Errorf("invoke task %s: %w", op.task.ID(), ErrRunnerClosed))
		return
	}
	op.runner.PostDelayedTask(step, delay)
}

func (op *asyncOp[P, R]) abandonLocked(err error) {
	if !op.handle.IsZero() {
		op.s.detach([]Handle{op.handle})
		op.handle = Handle{}
	}
	op.finishLocked(op.zero(), err)
}

func (op *asyncOp[P, R]) finishLocked(result R, err error) {
	op.finished = true
	if !op.submitted.IsZero() {
		op.s.metrics.RecordPending(ModeAsync, 0)
	}
	if err != nil {
		op.s.logger.Debug("async task failed", F("task", op.task.ID()), F("error", err))
	}
	op.future.resolve(result, err)

	if op.reply != nil && !op.runner.IsClosed() {
		reply := op.reply
		op.runner.PostDelayedTask(func(ctx context.Context) {
			reply(ctx, result, err)
		}, 0)
	}
}
