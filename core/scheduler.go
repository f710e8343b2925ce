package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Mode labels the two dispatch modes in logs and metrics.
type Mode string

const (
	ModeParallel Mode = "parallel"
	ModeAsync    Mode = "async"
)

// FailurePolicy decides what happens to still-pending handles when an
// invocation aborts.
type FailurePolicy int

const (
	// FailureDetach returns at once and lets a background reaper release the
	// remaining handles as they finish.
	FailureDetach FailurePolicy = iota

	// FailureDrain waits for the remaining handles to finish, discards their
	// outcomes and only then returns.
	FailureDrain
)

func (p FailurePolicy) String() string {
	switch p {
	case FailureDetach:
		return "detach"
	case FailureDrain:
		return "drain"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy maps "detach" or "drain" to a FailurePolicy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "detach":
		return FailureDetach, nil
	case "drain":
		return FailureDrain, nil
	default:
		return FailureDetach, fmt.Errorf("unknown failure policy %q", s)
	}
}

const (
	DefaultSweepInterval     = time.Millisecond
	DefaultAsyncPollInterval = 10 * time.Millisecond
)

// Scheduler dispatches tasks to a WorkerPool. It checks the pool's settings
// before every dispatch and never queues or throttles work itself.
type Scheduler struct {
	pool         WorkerPool
	registry     *Registry
	validator    *Validator
	initHook     string
	logger       Logger
	metrics      Metrics
	panicHandler PanicHandler

	sweepInterval     time.Duration
	asyncPollInterval time.Duration
	policy            FailurePolicy

	loopOnce sync.Once
	loop     *EventLoop

	reapers  sync.WaitGroup
	detached atomic.Int64
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRegistry sets the registry whose codec and entry point the scheduler uses.
func WithRegistry(r *Registry) SchedulerOption {
	return func(s *Scheduler) { s.registry = r }
}

func WithSchedulerLogger(l Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

func WithSchedulerMetrics(m Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

func WithSchedulerPanicHandler(h PanicHandler) SchedulerOption {
	return func(s *Scheduler) { s.panicHandler = h }
}

// WithSweepInterval sets the pause between batch sweeps.
func WithSweepInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithAsyncPollInterval sets the delay between async polls.
func WithAsyncPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.asyncPollInterval = d
		}
	}
}

func WithFailurePolicy(p FailurePolicy) SchedulerOption {
	return func(s *Scheduler) { s.policy = p }
}

// WithExpectedInitHook overrides the init hook name the pool must report.
func WithExpectedInitHook(name string) SchedulerOption {
	return func(s *Scheduler) { s.initHook = name }
}

// NewScheduler creates a scheduler for pool.
func NewScheduler(pool WorkerPool, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		pool:              pool,
		registry:          DefaultRegistry,
		initHook:          InitHookName,
		sweepInterval:     DefaultSweepInterval,
		asyncPollInterval: DefaultAsyncPollInterval,
		policy:            FailureDetach,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = NewZapLogger(nil)
	}
	if s.metrics == nil {
		s.metrics = &NilMetrics{}
	}
	if s.panicHandler == nil {
		s.panicHandler = &DefaultPanicHandler{Logger: s.logger}
	}
	s.validator = NewValidator(s.registry)
	s.validator.InitHook = s.initHook
	return s
}

// Pool returns the pool the scheduler submits to.
func (s *Scheduler) Pool() WorkerPool { return s.pool }

// Registry returns the registry used for encoding.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Policy returns the failure policy.
func (s *Scheduler) Policy() FailurePolicy { return s.policy }

// Validate checks the pool's current settings.
func (s *Scheduler) Validate() error {
	if err := s.validator.Validate(s.pool.Settings()); err != nil {
		s.logger.Warn("pool preflight failed", F("setting", Setting(err)), F("error", err))
		return err
	}
	return nil
}

// EventLoop returns the loop InvokeAsync runs on, starting it on first use.
func (s *Scheduler) EventLoop() *EventLoop {
	s.loopOnce.Do(func() {
		s.loop = NewEventLoop("offload-scheduler", s.panicHandler)
	})
	return s.loop
}

// DetachedCount returns the number of handles the reaper still holds.
func (s *Scheduler) DetachedCount() int {
	return int(s.detached.Load())
}

// WaitDetached blocks until every detached handle has been released.
func (s *Scheduler) WaitDetached(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.reapers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the event loop. Pending async invocations resolve with
// ErrRunnerClosed; detached handles keep being reaped.
func (s *Scheduler) Close() {
	s.EventLoop().Stop()
}

// =============================================================================
// Batch dispatch
// =============================================================================

type pendingTask[K comparable] struct {
	key       K
	handle    Handle
	submitted time.Time
}

func handlesOf[K comparable](pending []pendingTask[K]) []Handle {
	handles := make([]Handle, len(pending))
	for i, p := range pending {
		handles[i] = p.handle
	}
	return handles
}

// InvokeParallel submits every task, polls until all finish and returns the
// results under the callers' keys. The first non-200 outcome aborts the batch
// with a *TaskExecutionError naming its key; no partial map is returned.
// Cancelling ctx stops the wait but not the pool's work.
func InvokeParallel[K comparable, P, R any](ctx context.Context, s *Scheduler, tasks map[K]Task[P, R]) (map[K]R, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	results := make(map[K]R, len(tasks))
	if len(tasks) == 0 {
		return results, nil
	}

	codec := s.registry.Codec()
	pending := make([]pendingTask[K], 0, len(tasks))

	abort := func(remaining []pendingTask[K], err error) (map[K]R, error) {
		s.logger.Warn("batch aborted",
			F("error", err),
			F("completed", len(results)),
			F("abandoned", len(remaining)),
			F("policy", s.policy.String()),
		)
		s.release(ctx, handlesOf(remaining))
		s.metrics.RecordPending(ModeParallel, 0)
		return nil, err
	}

	for key, task := range tasks {
		data, err := encodeTask(codec, task)
		if err != nil {
			return abort(pending, fmt.Errorf("task %v: %w", key, err))
		}
		h, err := s.pool.Submit(ctx, data)
		if err != nil {
			return abort(pending, fmt.Errorf("submit task %v: %w", key, err))
		}
		pending = append(pending, pendingTask[K]{key: key, handle: h, submitted: time.Now()})
	}
	s.logger.Debug("batch submitted", F("tasks", len(pending)))
	s.metrics.RecordPending(ModeParallel, len(pending))

	pause := time.NewTimer(s.sweepInterval)
	defer pause.Stop()

	for {
		next := make([]pendingTask[K], 0, len(pending))
		for i, p := range pending {
			rest := func() []pendingTask[K] {
				return append(next, pending[i+1:]...)
			}

			ready, err := s.pool.Poll(p.handle)
			if err != nil {
				return abort(rest(), fmt.Errorf("poll task %v: %w", p.key, err))
			}
			if !ready {
				next = append(next, p)
				continue
			}

			outcome, err := s.pool.Fetch(p.handle, FetchRelease)
			if err != nil {
				return abort(append(rest(), p), fmt.Errorf("fetch task %v: %w", p.key, err))
			}
			s.metrics.RecordOutcome(ModeParallel, outcome.StatusCode, time.Since(p.submitted))

			if !outcome.OK() {
				return abort(rest(), &TaskExecutionError{
					Key:        p.key,
					StatusCode: outcome.StatusCode,
					Message:    outcome.Message,
				})
			}

			result, err := decodeResult[R](codec, outcome.Payload)
			if err != nil {
				return abort(rest(), fmt.Errorf("task %v: %w", p.key, err))
			}
			results[p.key] = result
		}

		pending = next
		s.metrics.RecordPending(ModeParallel, len(pending))
		if len(pending) == 0 {
			s.logger.Debug("batch completed", F("tasks", len(results)))
			return results, nil
		}

		// the pause runs from the end of this sweep, however long it took
		pause.Reset(s.sweepInterval)
		select {
		case <-ctx.Done():
			return abort(pending, ctx.Err())
		case <-pause.C:
		}
	}
}

// =============================================================================
// Abandoned handles
// =============================================================================

// release applies the failure policy to handles an aborted invocation still owns.
func (s *Scheduler) release(ctx context.Context, handles []Handle) {
	if len(handles) == 0 {
		return
	}
	if s.policy == FailureDrain && ctx.Err() == nil {
		handles = s.drain(ctx, handles)
		if len(handles) == 0 {
			return
		}
	}
	s.detach(handles)
}

// drain discards outcomes until every handle is released or ctx is done.
// It returns the handles left over.
func (s *Scheduler) drain(ctx context.Context, handles []Handle) []Handle {
	pause := time.NewTimer(s.sweepInterval)
	defer pause.Stop()

	for {
		handles = s.discardReady(handles)
		if len(handles) == 0 {
			return nil
		}
		pause.Reset(s.sweepInterval)
		select {
		case <-ctx.Done():
			return handles
		case <-pause.C:
		}
	}
}

// detach hands handles to a background reaper.
func (s *Scheduler) detach(handles []Handle) {
	handles = append([]Handle(nil), handles...)
	s.detached.Add(int64(len(handles)))
	s.reapers.Add(1)

	go func() {
		defer s.reapers.Done()

		pause := time.NewTimer(s.sweepInterval)
		defer pause.Stop()

		for {
			before := len(handles)
			handles = s.discardReady(handles)
			s.detached.Add(int64(len(handles) - before))
			if len(handles) == 0 {
				return
			}
			pause.Reset(s.sweepInterval)
			<-pause.C
		}
	}()
}

// discardReady fetches and releases finished handles, returning the rest.
func (s *Scheduler) discardReady(handles []Handle) []Handle {
	rest := handles[:0]
	for _, h := range handles {
		ready, err := s.pool.Poll(h)
		if err != nil {
			s.logger.Debug("dropping abandoned handle", F("handle", h.String()), F("error", err))
			continue
		}
		if !ready {
			rest = append(rest, h)
			continue
		}
		if _, err := s.pool.Fetch(h, FetchRelease); err != nil {
			s.logger.Debug("release abandoned handle", F("handle", h.String()), F("error", err))
		}
	}
	return rest
}
