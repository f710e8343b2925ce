package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-task-offload/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// LoopSnapshotProvider provides event loop stats snapshots.
type LoopSnapshotProvider interface {
	Stats() core.RunnerStats
}

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// SnapshotPoller periodically exports event loop and pool Stats() snapshots
// into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	loopsMu sync.RWMutex
	loops   map[string]LoopSnapshotProvider

	poolsMu sync.RWMutex
	pools   map[string]PoolSnapshotProvider

	loopPending  *prom.GaugeVec
	loopDelayed  *prom.GaugeVec
	loopExecuted *prom.GaugeVec
	loopClosed   *prom.GaugeVec

	poolQueued   *prom.GaugeVec
	poolActive   *prom.GaugeVec
	poolInFlight *prom.GaugeVec
	poolWorkers  *prom.GaugeVec
	poolRunning  *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if namespace == "" {
		namespace = "offload"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	loopPending := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "loop_pending",
		Help:      "Closures waiting on an event loop.",
	}, []string{"loop"})
	loopDelayed := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "loop_delayed",
		Help:      "Delayed closures not yet due on an event loop.",
	}, []string{"loop"})
	loopExecuted := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "loop_executed",
		Help:      "Closures an event loop has run, snapshot.",
	}, []string{"loop"})
	loopClosed := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "loop_closed",
		Help:      "Event loop closed state (1=closed, 0=open).",
	}, []string{"loop"})

	poolQueued := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_queued",
		Help:      "Queued submissions per pool.",
	}, []string{"pool"})
	poolActive := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_active",
		Help:      "Active tasks per pool.",
	}, []string{"pool"})
	poolInFlight := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_in_flight",
		Help:      "Handles issued and not yet released per pool.",
	}, []string{"pool"})
	poolWorkers := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_workers",
		Help:      "Worker count per pool.",
	}, []string{"pool"})
	poolRunning := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_running",
		Help:      "Pool running state (1=running, 0=stopped).",
	}, []string{"pool"})

	var err error
	if loopPending, err = registerCollector(reg, loopPending); err != nil {
		return nil, err
	}
	if loopDelayed, err = registerCollector(reg, loopDelayed); err != nil {
		return nil, err
	}
	if loopExecuted, err = registerCollector(reg, loopExecuted); err != nil {
		return nil, err
	}
	if loopClosed, err = registerCollector(reg, loopClosed); err != nil {
		return nil, err
	}
	if poolQueued, err = registerCollector(reg, poolQueued); err != nil {
		return nil, err
	}
	if poolActive, err = registerCollector(reg, poolActive); err != nil {
		return nil, err
	}
	if poolInFlight, err = registerCollector(reg, poolInFlight); err != nil {
		return nil, err
	}
	if poolWorkers, err = registerCollector(reg, poolWorkers); err != nil {
		return nil, err
	}
	if poolRunning, err = registerCollector(reg, poolRunning); err != nil {
		return nil, err
	}

	return &SnapshotPoller{
		interval:     interval,
		loops:        make(map[string]LoopSnapshotProvider),
		pools:        make(map[string]PoolSnapshotProvider),
		loopPending:  loopPending,
		loopDelayed:  loopDelayed,
		loopExecuted: loopExecuted,
		loopClosed:   loopClosed,
		poolQueued:   poolQueued,
		poolActive:   poolActive,
		poolInFlight: poolInFlight,
		poolWorkers:  poolWorkers,
		poolRunning:  poolRunning,
	}, nil
}

// AddLoop adds or replaces an event loop snapshot provider by name.
func (p *SnapshotPoller) AddLoop(name string, provider LoopSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "loop")
	p.loopsMu.Lock()
	p.loops[name] = provider
	p.loopsMu.Unlock()
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.loopsMu.RLock()
	for name, provider := range p.loops {
		stats := provider.Stats()
		p.loopPending.WithLabelValues(name).Set(float64(stats.Pending))
		p.loopDelayed.WithLabelValues(name).Set(float64(stats.Delayed))
		p.loopExecuted.WithLabelValues(name).Set(float64(stats.Executed))
		if stats.Closed {
			p.loopClosed.WithLabelValues(name).Set(1)
		} else {
			p.loopClosed.WithLabelValues(name).Set(0)
		}
	}
	p.loopsMu.RUnlock()

	p.poolsMu.RLock()
	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolInFlight.WithLabelValues(name).Set(float64(stats.InFlight))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		if stats.Running {
			p.poolRunning.WithLabelValues(name).Set(1)
		} else {
			p.poolRunning.WithLabelValues(name).Set(0)
		}
	}
	p.poolsMu.RUnlock()
}
