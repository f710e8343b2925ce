package offload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Swind/go-task-offload/core"
)

// GoroutineThreadPool is an in-process WorkerPool. Each worker goroutine runs
// the configured init hook once, then pulls submissions from a FIFO
// WorkSource and passes them to the configured dispatch entry point.
type GoroutineThreadPool struct {
	id       string
	settings core.PoolSettings

	source       *core.WorkSource
	handles      core.HandleStore
	history      *core.ExecutionHistory
	codec        core.Codec
	logger       core.Logger
	metrics      core.Metrics
	panicHandler core.PanicHandler

	hook  core.InitHook
	entry core.DispatchFunc

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	stopped   bool
	runningMu sync.RWMutex
}

// PoolOption configures a GoroutineThreadPool.
type PoolOption func(*GoroutineThreadPool)

func WithLogger(l core.Logger) PoolOption {
	return func(p *GoroutineThreadPool) { p.logger = l }
}

func WithMetrics(m core.Metrics) PoolOption {
	return func(p *GoroutineThreadPool) { p.metrics = m }
}

func WithPanicHandler(h core.PanicHandler) PoolOption {
	return func(p *GoroutineThreadPool) { p.panicHandler = h }
}

// WithHandleStore replaces the in-memory handle table.
func WithHandleStore(s core.HandleStore) PoolOption {
	return func(p *GoroutineThreadPool) { p.handles = s }
}

// WithHistoryCapacity sets how many execution records RecentTasks keeps.
func WithHistoryCapacity(n int) PoolOption {
	return func(p *GoroutineThreadPool) { p.history = core.NewExecutionHistory(n) }
}

// WithEnvelopeCodec sets the codec used to label handles with task id and
// variant. It must match the registry behind the entry point.
func WithEnvelopeCodec(c core.Codec) PoolOption {
	return func(p *GoroutineThreadPool) { p.codec = c }
}

// NewGoroutineThreadPool creates a pool; call Start before submitting.
func NewGoroutineThreadPool(id string, settings core.PoolSettings, opts ...PoolOption) *GoroutineThreadPool {
	p := &GoroutineThreadPool{
		id:       id,
		settings: settings,
		handles:  core.NewMemoryHandleStore(),
		history:  core.NewExecutionHistory(0),
		codec:    core.DefaultRegistry.Codec(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = core.NewZapLogger(nil)
	}
	if p.metrics == nil {
		p.metrics = &core.NilMetrics{}
	}
	if p.panicHandler == nil {
		p.panicHandler = &core.DefaultPanicHandler{Logger: p.logger}
	}

	p.source = core.NewWorkSourceWithConfig(id, max(settings.Workers, 1), &core.WorkSourceConfig{
		PanicHandler:        p.panicHandler,
		Metrics:             p.metrics,
		RejectedTaskHandler: &core.DefaultRejectedTaskHandler{Logger: p.logger},
	})
	return p
}

// DefaultPoolSettings wires the default init hook and registry.
func DefaultPoolSettings(workers int) core.PoolSettings {
	return core.PoolSettings{
		InitHook:   core.InitHookName,
		EntryPoint: core.EntryPointName,
		Workers:    workers,
	}
}

// Start resolves the init hook and entry point and starts the workers.
func (p *GoroutineThreadPool) Start(ctx context.Context) error {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()

	if p.running {
		return nil
	}
	if p.stopped {
		return fmt.Errorf("pool %s: %w", p.id, core.ErrPoolClosed)
	}
	if p.settings.Workers < 1 {
		return fmt.Errorf("pool %s: workers must be at least 1, got %d", p.id, p.settings.Workers)
	}

	hook, err := core.LookupInitHook(p.settings.InitHook)
	if err != nil {
		return fmt.Errorf("pool %s: %w", p.id, err)
	}
	entry, err := core.LookupEntryPoint(p.settings.EntryPoint)
	if err != nil {
		return fmt.Errorf("pool %s: %w", p.id, err)
	}
	p.hook = hook
	p.entry = entry

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for i := 0; i < p.settings.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i, p.ctx)
	}

	p.logger.Info("worker pool started",
		core.F("pool", p.id),
		core.F("workers", p.settings.Workers),
		core.F("init_hook", p.settings.InitHook),
		core.F("entry_point", p.settings.EntryPoint),
	)
	return nil
}

// Stop drops queued submissions, waits for running ones and completes every
// handle that never ran with status 503.
func (p *GoroutineThreadPool) Stop() {
	dropped := p.source.Shutdown()

	p.runningMu.Lock()
	p.stopped = true
	if !p.running {
		p.runningMu.Unlock()
		p.failUnstarted()
		return
	}
	p.runningMu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.Join()

	p.runningMu.Lock()
	p.running = false
	p.runningMu.Unlock()

	p.failUnstarted()
	p.logger.Info("worker pool stopped", core.F("pool", p.id), core.F("dropped", dropped))
}

// StopGraceful waits for queued submissions to run before stopping. On timeout
// the rest are dropped as in Stop and the timeout error is returned.
func (p *GoroutineThreadPool) StopGraceful(timeout time.Duration) error {
	p.runningMu.Lock()
	p.stopped = true
	if !p.running {
		p.runningMu.Unlock()
		p.source.Shutdown()
		p.failUnstarted()
		return nil
	}
	p.runningMu.Unlock()

	err := p.source.ShutdownGraceful(timeout)

	if p.cancel != nil {
		p.cancel()
	}
	p.Join()

	p.runningMu.Lock()
	p.running = false
	p.runningMu.Unlock()

	p.failUnstarted()
	if err != nil {
		p.logger.Warn("worker pool stopped with queued work", core.F("pool", p.id), core.F("error", err))
		return err
	}
	p.logger.Info("worker pool drained", core.F("pool", p.id))
	return nil
}

// failUnstarted completes handles whose closure was dropped from the queue.
func (p *GoroutineThreadPool) failUnstarted() {
	ctx := context.Background()
	entries, err := p.handles.ListHandles(ctx, core.HandleFilter{Status: core.HandleStatusPending})
	if err != nil {
		p.logger.Error("list pending handles", core.F("pool", p.id), core.F("error", err))
		return
	}
	for _, e := range entries {
		_ = p.handles.Complete(ctx, e.Handle, core.Outcome{
			StatusCode: core.StatusUnavailable,
			Message:    "worker pool stopped before the task ran",
		})
	}
}

// ID returns the ID of the pool
func (p *GoroutineThreadPool) ID() string {
	return p.id
}

// IsRunning returns whether the pool is running
func (p *GoroutineThreadPool) IsRunning() bool {
	p.runningMu.RLock()
	defer p.runningMu.RUnlock()
	return p.running
}

// =============================================================================
// core.WorkerPool
// =============================================================================

// Settings reports the settings the pool was created with.
func (p *GoroutineThreadPool) Settings() core.PoolSettings {
	return p.settings
}

// Submit queues an encoded envelope. The pool accepts without bound.
func (p *GoroutineThreadPool) Submit(ctx context.Context, task []byte) (core.Handle, error) {
	p.runningMu.RLock()
	running, stopped := p.running, p.stopped
	p.runningMu.RUnlock()
	if stopped {
		return core.Handle{}, fmt.Errorf("pool %s: %w", p.id, core.ErrPoolClosed)
	}
	if !running {
		return core.Handle{}, fmt.Errorf("pool %s: %w", p.id, core.ErrPoolNotRunning)
	}

	entry := &core.HandleEntry{Handle: core.NewHandle()}
	var env core.Envelope
	if err := p.codec.Unmarshal(task, &env); err == nil {
		entry.TaskID = env.ID
		entry.Variant = env.Variant
	}
	if err := p.handles.CreateHandle(ctx, entry); err != nil {
		return core.Handle{}, fmt.Errorf("pool %s: %w", p.id, err)
	}

	data := append([]byte(nil), task...)
	h := entry.Handle
	accepted := p.source.Post(func(workerCtx context.Context) {
		p.execute(workerCtx, entry, data)
	})
	if !accepted {
		_ = p.handles.ReleaseHandle(ctx, h)
		return core.Handle{}, fmt.Errorf("pool %s: %w", p.id, core.ErrPoolClosed)
	}
	return h, nil
}

// Poll reports whether the task behind h has finished.
func (p *GoroutineThreadPool) Poll(h core.Handle) (bool, error) {
	entry, err := p.handles.GetHandle(context.Background(), h)
	if err != nil {
		return false, err
	}
	return entry.Status == core.HandleStatusCompleted, nil
}

// Fetch returns the outcome of a finished task.
func (p *GoroutineThreadPool) Fetch(h core.Handle, flags core.FetchFlags) (core.Outcome, error) {
	ctx := context.Background()
	entry, err := p.handles.GetHandle(ctx, h)
	if err != nil {
		return core.Outcome{}, err
	}
	if entry.Status != core.HandleStatusCompleted {
		return core.Outcome{}, fmt.Errorf("handle %s: %w", h, core.ErrNotReady)
	}
	if flags&core.FetchRelease != 0 {
		if err := p.handles.ReleaseHandle(ctx, h); err != nil && !errors.Is(err, core.ErrUnknownHandle) {
			return core.Outcome{}, err
		}
	}
	return entry.Outcome, nil
}

// =============================================================================
// Workers
// =============================================================================

type initErrKeyType struct{}

var initErrKey initErrKeyType

// workerLoop is the main loop for each worker
func (p *GoroutineThreadPool) workerLoop(id int, ctx context.Context) {
	defer p.wg.Done()
	stopCh := ctx.Done()

	workerCtx, err := p.hook(ctx, id)
	if err != nil {
		p.logger.Error("worker init hook failed",
			core.F("pool", p.id),
			core.F("worker", id),
			core.F("hook", p.settings.InitHook),
			core.F("error", err),
		)
		workerCtx = context.WithValue(ctx, initErrKey, err)
	} else if workerCtx == nil {
		workerCtx = ctx
	}

	for {
		work, ok := p.source.GetWork(stopCh)
		if !ok {
			return
		}

		p.source.OnTaskStart()
		func() {
			defer p.source.OnTaskEnd()
			work(workerCtx)
		}()
	}
}

func (p *GoroutineThreadPool) execute(ctx context.Context, entry *core.HandleEntry, data []byte) {
	_ = p.handles.MarkRunning(ctx, entry.Handle)

	workerID, ok := core.WorkerID(ctx)
	if !ok {
		workerID = -1
	}

	start := time.Now()
	var outcome core.Outcome
	if initErr, failed := ctx.Value(initErrKey).(error); failed {
		outcome = core.Outcome{
			StatusCode: core.StatusUnavailable,
			Message:    fmt.Sprintf("worker init failed: %v", initErr),
		}
	} else {
		var panicked any
		var stack []byte
		outcome, panicked, stack = core.RunEntryPoint(ctx, p.entry, data)
		if panicked != nil {
			p.metrics.RecordTaskPanic(p.id, panicked)
			p.panicHandler.HandlePanic(ctx, p.id, workerID, panicked, stack)
		}
	}
	finished := time.Now()

	p.metrics.RecordTaskDuration(p.id, entry.Variant, finished.Sub(start))
	p.history.Add(core.ExecutionRecord{
		Handle:     entry.Handle,
		TaskID:     entry.TaskID,
		Variant:    entry.Variant,
		WorkerID:   workerID,
		StartedAt:  start,
		FinishedAt: finished,
		Duration:   finished.Sub(start),
		StatusCode: outcome.StatusCode,
	})

	if err := p.handles.Complete(ctx, entry.Handle, outcome); err != nil {
		p.logger.Debug("outcome dropped", core.F("handle", entry.Handle.String()), core.F("error", err))
	}
}

// Join waits for all worker goroutines to finish
func (p *GoroutineThreadPool) Join() {
	p.wg.Wait()
}

// =============================================================================
// Observability
// =============================================================================

// WorkerCount returns the number of workers
func (p *GoroutineThreadPool) WorkerCount() int {
	return p.settings.Workers
}

func (p *GoroutineThreadPool) QueuedTaskCount() int {
	return p.source.QueuedTaskCount()
}

func (p *GoroutineThreadPool) ActiveTaskCount() int {
	return p.source.ActiveTaskCount()
}

// InFlightCount returns the number of handles not yet released.
func (p *GoroutineThreadPool) InFlightCount() int {
	entries, err := p.handles.ListHandles(context.Background(), core.HandleFilter{})
	if err != nil {
		return 0
	}
	return len(entries)
}

// RecentTasks returns up to limit execution records, newest first.
func (p *GoroutineThreadPool) RecentTasks(limit int) []core.ExecutionRecord {
	return p.history.Recent(limit)
}

// Stats returns a snapshot of the pool's state.
func (p *GoroutineThreadPool) Stats() core.PoolStats {
	return core.PoolStats{
		ID:       p.id,
		Workers:  p.WorkerCount(),
		Queued:   p.QueuedTaskCount(),
		Active:   p.ActiveTaskCount(),
		InFlight: p.InFlightCount(),
		Running:  p.IsRunning(),
	}
}

// =============================================================================
// Global Pool Helper (Singleton)
// =============================================================================

var (
	globalPool      *GoroutineThreadPool
	globalScheduler *core.Scheduler
	globalMu        sync.Mutex
)

// InitGlobalPool creates and starts the global pool with the default init
// hook and entry point. Calling it again is a no-op.
func InitGlobalPool(workers int) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool != nil {
		return nil
	}

	pool := NewGoroutineThreadPool("global-pool", DefaultPoolSettings(workers))
	if err := pool.Start(context.Background()); err != nil {
		return err
	}
	globalPool = pool
	return nil
}

// GetGlobalPool returns the global pool instance.
// It panics if InitGlobalPool has not been called.
func GetGlobalPool() *GoroutineThreadPool {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool == nil {
		panic("global pool not initialized. Call InitGlobalPool() first.")
	}
	return globalPool
}

// GlobalScheduler returns a scheduler bound to the global pool.
// It panics if InitGlobalPool has not been called.
func GlobalScheduler() *core.Scheduler {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool == nil {
		panic("global pool not initialized. Call InitGlobalPool() first.")
	}
	if globalScheduler == nil {
		globalScheduler = core.NewScheduler(globalPool)
	}
	return globalScheduler
}

// ShutdownGlobalPool closes the global scheduler and stops the global pool.
func ShutdownGlobalPool() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalScheduler != nil {
		globalScheduler.Close()
		globalScheduler = nil
	}
	if globalPool != nil {
		globalPool.Stop()
		globalPool = nil
	}
}
