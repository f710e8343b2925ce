package core

import (
	"fmt"
	"sync/atomic"
	"time"
)

// WorkSource feeds pool workers. Submissions are queued FIFO without a bound;
// workers block in GetWork until something arrives or they are stopped.
type WorkSource struct {
	name        string
	queue       *WorkQueue
	signal      chan struct{}
	workerCount int

	metricQueued int32 // Waiting in queue
	metricActive int32 // Executing in a worker

	// Handlers and Metrics
	panicHandler        PanicHandler
	metrics             Metrics
	rejectedTaskHandler RejectedTaskHandler

	// Lifecycle
	shuttingDown int32 // atomic flag
}

func NewWorkSource(name string, workerCount int) *WorkSource {
	return NewWorkSourceWithConfig(name, workerCount, DefaultWorkSourceConfig())
}

func NewWorkSourceWithConfig(name string, workerCount int, config *WorkSourceConfig) *WorkSource {
	s := &WorkSource{
		name:        name,
		queue:       NewWorkQueue(),
		signal:      make(chan struct{}, workerCount*2),
		workerCount: workerCount,
	}

	if config != nil {
		s.panicHandler = config.PanicHandler
		s.metrics = config.Metrics
		s.rejectedTaskHandler = config.RejectedTaskHandler
	}

	// Use defaults if not provided
	if s.panicHandler == nil {
		s.panicHandler = &DefaultPanicHandler{}
	}
	if s.metrics == nil {
		s.metrics = &NilMetrics{}
	}
	if s.rejectedTaskHandler == nil {
		s.rejectedTaskHandler = &DefaultRejectedTaskHandler{}
	}

	return s
}

// Post queues c for the next free worker. It returns false if the source is
// shutting down and the closure was rejected.
func (s *WorkSource) Post(c Closure) bool {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		s.rejectedTaskHandler.HandleRejectedTask(s.name, "shutting down")
		s.metrics.RecordTaskRejected(s.name, "shutting down")
		return false
	}

	s.queue.Push(c)
	queued := atomic.AddInt32(&s.metricQueued, 1)
	s.metrics.RecordQueueDepth(s.name, int(queued))

	select {
	case s.signal <- struct{}{}:
	default:
		// Signal channel full, but the closure is already queued
	}
	return true
}

// GetWork (Called by Worker)
func (s *WorkSource) GetWork(stopCh <-chan struct{}) (Closure, bool) {
	for {
		if item, ok := s.queue.Pop(); ok {
			queued := atomic.AddInt32(&s.metricQueued, -1)
			s.metrics.RecordQueueDepth(s.name, int(queued))
			return item, true
		}

		select {
		case <-s.signal:
			continue
		case <-stopCh:
			return nil, false
		}
	}
}

// Shutdown stops accepting work and drops whatever is still queued.
// It returns the number of dropped closures.
func (s *WorkSource) Shutdown() int {
	atomic.StoreInt32(&s.shuttingDown, 1)

	dropped := s.queue.Clear()
	atomic.StoreInt32(&s.metricQueued, 0)
	s.metrics.RecordQueueDepth(s.name, 0)
	return dropped
}

// ShutdownGraceful waits for queued and active work to complete.
// Returns error if timeout is exceeded before the queue drains.
func (s *WorkSource) ShutdownGraceful(timeout time.Duration) error {
	atomic.StoreInt32(&s.shuttingDown, 1)

	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			dropped := s.queue.Clear()
			atomic.StoreInt32(&s.metricQueued, 0)
			return fmt.Errorf("graceful shutdown timed out after %v, dropped %d queued tasks", timeout, dropped)
		case <-ticker.C:
			if s.QueuedTaskCount() == 0 && s.ActiveTaskCount() == 0 {
				return nil
			}
		}
	}
}

// IsShuttingDown reports whether Shutdown or ShutdownGraceful was called.
func (s *WorkSource) IsShuttingDown() bool {
	return atomic.LoadInt32(&s.shuttingDown) == 1
}

// Metrics
func (s *WorkSource) WorkerCount() int     { return s.workerCount }
func (s *WorkSource) QueuedTaskCount() int { return int(atomic.LoadInt32(&s.metricQueued)) }
func (s *WorkSource) ActiveTaskCount() int { return int(atomic.LoadInt32(&s.metricActive)) }

func (s *WorkSource) OnTaskStart() {
	atomic.AddInt32(&s.metricActive, 1)
}

func (s *WorkSource) OnTaskEnd() {
	atomic.AddInt32(&s.metricActive, -1)
}

// GetPanicHandler returns the panic handler for this source
func (s *WorkSource) GetPanicHandler() PanicHandler {
	return s.panicHandler
}

// GetMetrics returns the metrics collector for this source
func (s *WorkSource) GetMetrics() Metrics {
	return s.metrics
}
