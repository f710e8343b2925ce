package core

import "time"

// ExecutionRecord captures one task a pool worker finished.
type ExecutionRecord struct {
	Handle     Handle
	TaskID     string
	Variant    string
	WorkerID   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	StatusCode int
}

// RunnerStats represents runtime state for an event loop.
type RunnerStats struct {
	Name     string
	Pending  int
	Delayed  int
	Executed int64
	Closed   bool
}

// PoolStats represents runtime state for a worker pool.
type PoolStats struct {
	ID       string
	Workers  int
	Queued   int
	Active   int
	InFlight int
	Running  bool
}
