package core

import (
	"errors"
	"fmt"
)

var (
	// ErrMisconfigured is matched by every ConfigurationError.
	ErrMisconfigured = errors.New("worker pool misconfigured")

	// ErrTaskFailed is matched by every TaskExecutionError.
	ErrTaskFailed = errors.New("task failed")

	// ErrUnknownHandle is returned for a handle the pool never issued or already released.
	ErrUnknownHandle = errors.New("unknown handle")

	// ErrNotReady is returned by Fetch before Poll reported completion.
	ErrNotReady = errors.New("outcome not ready")

	// ErrPoolClosed is returned when submitting to a stopped pool.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrPoolNotRunning is returned when submitting to a pool that was never started.
	ErrPoolNotRunning = errors.New("worker pool is not running")

	// ErrUnknownVariant is returned by the dispatch entry point for an unregistered tag.
	ErrUnknownVariant = errors.New("unknown task variant")

	// ErrRunnerClosed resolves async invocations whose runner shut down.
	ErrRunnerClosed = errors.New("task runner is closed")

	// ErrUnknownHook is returned when an init hook name is not registered.
	ErrUnknownHook = errors.New("unknown init hook")

	// ErrUnknownEntryPoint is returned when an entry point name is not registered.
	ErrUnknownEntryPoint = errors.New("unknown dispatch entry point")
)

// ConfigurationError reports a pool setting that makes dispatch impossible.
type ConfigurationError struct {
	Setting string
	Got     string
	Want    string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Want != "" {
		return fmt.Sprintf("misconfigured %s: got %q, want %q: %s", e.Setting, e.Got, e.Want, e.Reason)
	}
	return fmt.Sprintf("misconfigured %s: got %q: %s", e.Setting, e.Got, e.Reason)
}

// Is makes errors.Is(err, ErrMisconfigured) hold.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrMisconfigured
}

// TaskExecutionError reports a non-200 outcome.
// Key is nil for single-task invocations.
type TaskExecutionError struct {
	Key        any
	StatusCode int
	Message    string
}

func (e *TaskExecutionError) Error() string {
	if e.Key == nil {
		return fmt.Sprintf("task failed with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("task %v failed with status %d: %s", e.Key, e.StatusCode, e.Message)
}

// Is makes errors.Is(err, ErrTaskFailed) hold.
func (e *TaskExecutionError) Is(target error) bool {
	return target == ErrTaskFailed
}

// IsConfigurationError checks if an error is a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// IsTaskExecutionError checks if an error is a TaskExecutionError
func IsTaskExecutionError(err error) bool {
	var taskErr *TaskExecutionError
	return errors.As(err, &taskErr)
}

// FailedKey returns the batch key carried by a TaskExecutionError.
func FailedKey(err error) (any, bool) {
	var taskErr *TaskExecutionError
	if errors.As(err, &taskErr) && taskErr.Key != nil {
		return taskErr.Key, true
	}
	return nil, false
}
