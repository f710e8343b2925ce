// Command offload demonstrates dispatching CPU-bound tasks to a local worker pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	offload "github.com/Swind/go-task-offload"
	"github.com/Swind/go-task-offload/config"
	"github.com/Swind/go-task-offload/core"
	"github.com/Swind/go-task-offload/observability/logging"
	obs "github.com/Swind/go-task-offload/observability/prometheus"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "offload",
		Usage: "dispatch CPU-bound tasks to a worker pool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML config file",
				EnvVars: []string{"OFFLOAD_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log.level",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve Prometheus metrics on this address",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "override pool.workers",
			},
		},
		Commands: []*cli.Command{
			batchCommand(),
			asyncCommand(),
			failCommand(),
		},
	}
}

// env is everything a command needs, built from config and global flags.
type env struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *core.Registry
	tasks     *taskSet
	pool      *offload.GoroutineThreadPool
	scheduler *core.Scheduler
	closers   []func()
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if addr := c.String("metrics-addr"); addr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = addr
	}
	if n := c.Int("workers"); n > 0 {
		cfg.Pool.Workers = n
	}

	logger, closeLog, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger}
	e.closers = append(e.closers, closeLog)

	var restore func()
	e.registry, restore, err = registryFor(cfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.closers = append(e.closers, restore)
	e.tasks, err = tasksFor(e.registry)
	if err != nil {
		e.Close()
		return nil, err
	}

	var metrics core.Metrics = &core.NilMetrics{}
	var promReg *prom.Registry
	if cfg.Metrics.Enabled {
		promReg = prom.NewRegistry()
		exporter, err := obs.NewMetricsExporter(cfg.Metrics.Namespace, promReg, obs.ExporterOptions{})
		if err != nil {
			e.Close()
			return nil, err
		}
		metrics = exporter
	}

	log := core.NewZapLogger(logger)
	e.pool = offload.NewGoroutineThreadPool(cfg.Pool.ID, cfg.PoolSettings(),
		offload.WithLogger(log),
		offload.WithMetrics(metrics),
		offload.WithHistoryCapacity(cfg.Pool.HistoryCapacity),
		offload.WithEnvelopeCodec(e.registry.Codec()),
	)
	if err := e.pool.Start(c.Context); err != nil {
		e.Close()
		return nil, err
	}
	e.closers = append(e.closers, e.pool.Stop)

	opts := append(cfg.SchedulerOptions(),
		core.WithRegistry(e.registry),
		core.WithSchedulerLogger(log),
		core.WithSchedulerMetrics(metrics),
	)
	e.scheduler = core.NewScheduler(e.pool, opts...)
	e.closers = append(e.closers, e.scheduler.Close)

	if promReg != nil {
		if err := e.serveMetrics(c.Context, promReg); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

// registryFor returns the default CBOR registry, or a registry for the
// configured codec that takes over the pool's entry point. restore hands the
// entry point back to whatever served it before.
func registryFor(cfg *config.Config) (reg *core.Registry, restore func(), err error) {
	codec, err := core.CodecByName(cfg.Scheduler.Codec)
	if err != nil {
		return nil, nil, err
	}
	if codec.Name() == core.DefaultRegistry.Codec().Name() {
		return core.DefaultRegistry, func() {}, nil
	}

	name := cfg.Pool.EntryPoint
	owner := core.EntryPointOwner(name)
	previous, lookupErr := core.LookupEntryPoint(name)
	reg, err = core.NewRegistry(name, codec)
	if err != nil {
		return nil, nil, err
	}
	restore = func() {
		switch {
		case owner != nil:
			owner.Register()
		case lookupErr == nil:
			_ = core.RegisterEntryPoint(name, previous)
		default:
			core.UnregisterEntryPoint(name)
		}
	}
	return reg, restore, nil
}

func (e *env) serveMetrics(ctx context.Context, reg *prom.Registry) error {
	poller, err := obs.NewSnapshotPoller(e.cfg.Metrics.Namespace, reg, e.cfg.Metrics.SnapshotInterval)
	if err != nil {
		return err
	}
	poller.AddPool(e.pool.ID(), e.pool)
	poller.AddLoop(e.scheduler.EventLoop().Name(), e.scheduler.EventLoop())
	poller.Start(ctx)
	e.closers = append(e.closers, poller.Stop)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: e.cfg.Metrics.Addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	e.closers = append(e.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	e.logger.Info("serving metrics", zap.String("addr", e.cfg.Metrics.Addr))
	return nil
}

// Close releases resources in reverse order of acquisition.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}
