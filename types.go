package offload

import (
	"context"

	"github.com/Swind/go-task-offload/core"
)

// Re-export commonly used types from core package for convenience.
// This allows users to import only the offload package for most use cases.

// Task is the unit of work shipped to a worker context
type Task[P, R any] = core.Task[P, R]

// Variant is a task kind backed by a function
type Variant[P, R any] = core.Variant[P, R]

// Future is the pending result of InvokeAsync
type Future[R any] = core.Future[R]

// ReplyWithResult receives the result of InvokeAsyncAndReply
type ReplyWithResult[R any] = core.ReplyWithResult[R]

type (
	Scheduler       = core.Scheduler
	SchedulerOption = core.SchedulerOption
	FailurePolicy   = core.FailurePolicy
	Registry        = core.Registry
	Codec           = core.Codec
	WorkerPool      = core.WorkerPool
	PoolSettings    = core.PoolSettings
	Handle          = core.Handle
	Outcome         = core.Outcome
	Envelope        = core.Envelope
	EventLoop       = core.EventLoop
	TaskRunner      = core.TaskRunner

	ConfigurationError = core.ConfigurationError
	TaskExecutionError = core.TaskExecutionError
	StatusError        = core.StatusError
	ExecutionRecord    = core.ExecutionRecord
	PoolStats          = core.PoolStats
)

const (
	FailureDetach = core.FailureDetach
	FailureDrain  = core.FailureDrain
)

// Errors
var (
	ErrMisconfigured = core.ErrMisconfigured
	ErrTaskFailed    = core.ErrTaskFailed
	ErrPoolClosed    = core.ErrPoolClosed
	ErrRunnerClosed  = core.ErrRunnerClosed
)

// Constructors and options
var (
	NewScheduler          = core.NewScheduler
	NewEventLoop          = core.NewEventLoop
	NewStatusError        = core.NewStatusError
	WithRegistry          = core.WithRegistry
	WithFailurePolicy     = core.WithFailurePolicy
	WithSweepInterval     = core.WithSweepInterval
	WithAsyncPollInterval = core.WithAsyncPollInterval
	WithSchedulerLogger   = core.WithSchedulerLogger
	WithSchedulerMetrics  = core.WithSchedulerMetrics
	IsConfigurationError  = core.IsConfigurationError
	IsTaskExecutionError  = core.IsTaskExecutionError
	FailedKey             = core.FailedKey
)

// DefineVariant registers fn under name in the default registry.
func DefineVariant[P, R any](name string, fn func(ctx context.Context, payload P) (R, error)) (*Variant[P, R], error) {
	return core.DefineVariant(core.DefaultRegistry, name, fn)
}

// MustDefineVariant is DefineVariant for package-level declarations.
func MustDefineVariant[P, R any](name string, fn func(ctx context.Context, payload P) (R, error)) *Variant[P, R] {
	return core.MustDefineVariant(core.DefaultRegistry, name, fn)
}

// InvokeParallel runs a batch on s. See core.InvokeParallel.
func InvokeParallel[K comparable, P, R any](ctx context.Context, s *Scheduler, tasks map[K]Task[P, R]) (map[K]R, error) {
	return core.InvokeParallel(ctx, s, tasks)
}

// InvokeAsync runs one task on the scheduler's event loop. See core.InvokeAsync.
func InvokeAsync[P, R any](ctx context.Context, s *Scheduler, task Task[P, R]) *Future[R] {
	return core.InvokeAsync(ctx, s, task)
}
