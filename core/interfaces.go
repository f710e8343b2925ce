package core

import (
	"context"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics inside a worker context or a
// closure panics on an event loop.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context of the panicked task (carries the worker id for pool workers)
	// - runnerName: The name of the pool or event loop where the panic occurred
	// - workerID: The ID of the worker (-1 for event loops)
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler logs panics at error level.
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs the panic and its stack trace.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewZapLogger(nil)
	}
	logger.Error("task panic",
		F("runner", runnerName),
		F("worker", workerID),
		F("panic", panicInfo),
		F("stack", string(stackTrace)),
	)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics collects pool and scheduler measurements.
// Methods should be non-blocking and fast to avoid impacting task execution.
type Metrics interface {
	// RecordTaskDuration records how long a task executed inside a worker.
	RecordTaskDuration(poolName string, variant string, duration time.Duration)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(poolName string, panicInfo any)

	// RecordQueueDepth records the number of submissions waiting for a worker.
	RecordQueueDepth(poolName string, depth int)

	// RecordTaskRejected records that a submission was rejected (e.g., pool stopped).
	RecordTaskRejected(poolName string, reason string)

	// RecordOutcome records a fetched outcome and the submit-to-fetch latency.
	RecordOutcome(mode Mode, statusCode int, latency time.Duration)

	// RecordPending records how many handles an invocation is still polling.
	RecordPending(mode Mode, pending int)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(poolName string, variant string, duration time.Duration) {}
func (m *NilMetrics) RecordTaskPanic(poolName string, panicInfo any)                               {}
func (m *NilMetrics) RecordQueueDepth(poolName string, depth int)                                  {}
func (m *NilMetrics) RecordTaskRejected(poolName string, reason string)                            {}
func (m *NilMetrics) RecordOutcome(mode Mode, statusCode int, latency time.Duration)               {}
func (m *NilMetrics) RecordPending(mode Mode, pending int)                                         {}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when the pool refuses a submission.
//
// Implementations should be thread-safe as they may be called concurrently.
type RejectedTaskHandler interface {
	// HandleRejectedTask is called when a task is rejected.
	//
	// Parameters:
	// - poolName: The name of the pool
	// - reason: Why the task was rejected (e.g., "shutting down")
	HandleRejectedTask(poolName string, reason string)
}

// DefaultRejectedTaskHandler logs rejected submissions at warn level.
type DefaultRejectedTaskHandler struct {
	Logger Logger
}

// HandleRejectedTask logs the rejected task.
func (h *DefaultRejectedTaskHandler) HandleRejectedTask(poolName string, reason string) {
	logger := h.Logger
	if logger == nil {
		logger = NewZapLogger(nil)
	}
	logger.Warn("task rejected", F("pool", poolName), F("reason", reason))
}

// =============================================================================
// WorkSourceConfig: Configuration for WorkSource
// =============================================================================

// WorkSourceConfig holds the handlers a WorkSource reports to.
// All handlers are optional; if not provided, default implementations will be used.
type WorkSourceConfig struct {
	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record task execution metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler
}

// DefaultWorkSourceConfig returns a config with default handlers.
func DefaultWorkSourceConfig() *WorkSourceConfig {
	return &WorkSourceConfig{
		PanicHandler:        &DefaultPanicHandler{},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &DefaultRejectedTaskHandler{},
	}
}
