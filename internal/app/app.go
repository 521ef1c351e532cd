package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"wsched/internal/config"
	"wsched/internal/eventbus"
	"wsched/internal/httpapi"
	promexp "wsched/internal/observability/prom"
	"wsched/internal/runtime/sdnotify"
	rtsup "wsched/internal/runtime/supervisor"
	"wsched/internal/storage"
	"wsched/internal/task/engine"
	"wsched/internal/workload"
	logx "wsched/pkg/logx"
)

const defaultShutdownTimeout = 30 * time.Second

type Option func(*App)

// WithVersion sets the version reported by the status API.
func WithVersion(v string) Option { return func(a *App) { a.version = v } }

// App wires the scheduler to its config, storage, metrics, HTTP API,
// workload driver and systemd.
type App struct {
	version string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry *prom.Registry
	exporter *promexp.Exporter
	notify   *sdnotify.Notifier

	sched *engine.Scheduler
	http  *httpapi.Server
	work  *workload.Driver

	recorderStop context.CancelFunc
	recorderDone chan struct{}

	shutdownTimeout time.Duration
}

// New loads the config and prepares every component. Nothing runs until
// Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(cfg.Logging.LogxConfig())
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      eventbus.New(),
		registry: prom.NewRegistry(),
		notify:   sdnotify.New(config.BoolOr(cfg.Systemd.Notify, true), log.With(logx.String("comp", "systemd"))),
	}
	for _, o := range opts {
		o(a)
	}

	a.shutdownTimeout, err = config.ParseDurationOrDefault("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		return nil, err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	if config.BoolOr(cfg.Metrics.Prometheus, true) {
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.exporter, err = promexp.NewExporter(cfg.Metrics.Namespace, a.registry, promexp.Options{})
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
	}
	return a, nil
}

func (a *App) Scheduler() *engine.Scheduler { return a.sched }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Workload() *workload.Driver { return a.work }

// HTTPAddr returns the bound API address, or "" when the API is disabled.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// The recorder outlives the supervisor so results produced while the
	// scheduler drains are still persisted.
	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.bus, cfg.Storage.Buffer, a.log.With(logx.String("comp", "recorder")))
		recCtx, cancel := context.WithCancel(context.Background())
		a.recorderStop = cancel
		a.recorderDone = make(chan struct{})
		go func() {
			defer close(a.recorderDone)
			_ = rec.Run(recCtx)
		}()
	}

	ec, err := cfg.Scheduler.EngineConfig()
	if err != nil {
		return err
	}
	opts := []engine.Option{
		engine.WithLogger(a.log.With(logx.String("comp", "scheduler"))),
		engine.WithEventBus(a.bus),
		engine.WithContext(a.sup.Context()),
	}
	if a.exporter != nil {
		opts = append(opts, engine.WithResultObserver(a.exporter), engine.WithMetricsObserver(a.exporter))
	}
	a.sched, err = engine.New(ec, opts...)
	if err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if cfg.HTTP.Enabled {
		hc, err := mapHTTPConfig(cfg)
		if err != nil {
			return err
		}
		deps := httpapi.Deps{
			Scheduler: appView{Scheduler: a.sched, a: a},
			Store:     a.store,
			Pprof:     hc.Pprof,
			Version:   a.version,
			Log:       a.log.With(logx.String("comp", "http")),
		}
		if a.exporter != nil {
			deps.Gatherer = a.registry
		}
		a.http = httpapi.NewServer(hc, httpapi.NewRouter(deps), deps.Log)
		if err := a.http.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start http api: %w", err)
		}
	}

	wcfg, err := workload.FromConfig(cfg.Workload)
	if err != nil {
		return err
	}
	a.work = workload.New(wcfg, a.sched, a.log.With(logx.String("comp", "workload")))
	if err := a.work.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(64, eventbus.TypeTaskDiscarded, eventbus.TypeConfigChanged)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.notify.Watchdog)

	a.notify.Ready()
	a.notify.Status(fmt.Sprintf("running %d workers", a.sched.Status().NumWorkers))
	a.log.Info("app started", logx.String("version", a.version))
	return nil
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the latest matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig applies the live-reloadable sections (logging, workload) and
// warns about the rest.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.notify.Reloading()
	defer a.notify.Ready()

	if err := a.logs.Apply(next.Logging.LogxConfig()); err != nil {
		a.log.Warn("logging reload failed; keeping previous sinks", logx.Err(err))
	}

	if wcfg, err := workload.FromConfig(next.Workload); err != nil {
		a.log.Warn("invalid workload config; keeping previous", logx.Err(err))
	} else if err := a.work.Apply(wcfg); err != nil {
		a.log.Warn("workload reload failed", logx.Err(err))
	}

	for _, s := range restart {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigChanged, Data: sections})

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step has its own
// budget; a step that overruns is logged and left to finish in the
// background.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("workload", 2*time.Second, func(c context.Context) error {
		if a.work != nil {
			a.work.Stop(c)
		}
		return nil
	})
	step("scheduler", a.shutdownTimeout, func(c context.Context) error {
		if a.sched == nil {
			return nil
		}
		return a.sched.Shutdown(c)
	})
	step("recorder", 2*time.Second, func(c context.Context) error {
		if a.recorderStop == nil {
			return nil
		}
		a.recorderStop()
		select {
		case <-a.recorderDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})

	a.sup.Cancel()
	step("http", 2*time.Second, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Stop(c)
	})
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// appView adds the app's own supervisors to the scheduler's diagnostics.
type appView struct {
	*engine.Scheduler
	a *App
}

func (v appView) Supervisors() map[string]rtsup.SupervisorSnapshot {
	out := v.Scheduler.Supervisors()
	out["app"] = v.a.sup.Snapshot()
	if v.a.http != nil {
		out["http"] = v.a.http.Supervisor().Snapshot()
	}
	return out
}
