package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
)

// Handle is an opaque reference to one in-flight submission.
type Handle struct {
	id uuid.UUID
}

// NewHandle returns a fresh handle. Handles are never reused.
func NewHandle() Handle {
	return Handle{id: uuid.New()}
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h.id == uuid.Nil
}

func (h Handle) String() string {
	return h.id.String()
}

// FetchFlags modify Fetch.
type FetchFlags uint8

const (
	// FetchKeep leaves the outcome retrievable after Fetch.
	FetchKeep FetchFlags = 0

	// FetchRelease discards the handle once its outcome is returned.
	FetchRelease FetchFlags = 1
)

// PoolSettings are the environment settings a pool exposes for preflight validation.
type PoolSettings struct {
	// InitHook names the hook run in every worker context before it takes work.
	InitHook string

	// EntryPoint names the DispatchFunc the pool calls for every task.
	EntryPoint string

	// Workers is the number of concurrent worker contexts.
	Workers int
}

// WorkerPool is the runtime hosting worker contexts. The scheduler only
// submits, polls and fetches; queueing and concurrency belong to the pool.
type WorkerPool interface {
	// Settings reports how the pool is wired.
	Settings() PoolSettings

	// Submit enqueues an encoded Envelope and returns its handle.
	Submit(ctx context.Context, task []byte) (Handle, error)

	// Poll reports whether the task behind h has finished. It never blocks.
	Poll(h Handle) (bool, error)

	// Fetch returns the outcome of a finished task.
	Fetch(h Handle, flags FetchFlags) (Outcome, error)
}

// DispatchFunc runs inside a worker context: it decodes the task, executes it
// and returns the encoded result.
type DispatchFunc func(ctx context.Context, task []byte) ([]byte, error)

// RunEntryPoint calls fn and turns its result, error or panic into an Outcome.
func RunEntryPoint(ctx context.Context, fn DispatchFunc, task []byte) (outcome Outcome, panicked any, stack []byte) {
	defer func() {
		if r := recover(); r != nil {
			panicked = r
			stack = debug.Stack()
			outcome = Outcome{
				StatusCode: StatusTaskFailed,
				Message:    fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	result, err := fn(ctx, task)
	if err != nil {
		return outcomeFromError(err), nil, nil
	}
	return Outcome{StatusCode: StatusOK, Payload: result}, nil, nil
}

func outcomeFromError(err error) Outcome {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.Code
		if code == StatusOK {
			code = StatusTaskFailed
		}
		return Outcome{StatusCode: code, Message: statusErr.Message}
	}
	return Outcome{StatusCode: StatusTaskFailed, Message: err.Error()}
}
