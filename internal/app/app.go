package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pacer/internal/batch"
	"pacer/internal/config"
	"pacer/internal/eventbus"
	"pacer/internal/fetch"
	"pacer/internal/observability/metrics"
	rtsup "pacer/internal/runtime/supervisor"
	"pacer/internal/storage"
	"pacer/internal/task/limiter"
	"pacer/internal/task/trigger"
	logx "pacer/pkg/logx"
)

const batchTrigger = "batch"

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	limiter *limiter.Service
	runner  *batch.Runner
	store   storage.Store
	rec     *storage.Recorder
	metrics *metrics.Server
	trig    *trigger.Service

	batchRunning atomic.Bool
	mu           sync.Mutex
	lastReport   *batch.Report
	schedule     string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	lcfg, err := mapLimiterConfig(cfg)
	if err != nil {
		return nil, err
	}
	lim, err := limiter.New(lcfg,
		limiter.WithLogger(root.With(logx.String("comp", "limiter"))),
		limiter.WithBus(bus),
	)
	if err != nil {
		return nil, err
	}

	fetchTimeout, err := config.ParseDurationField("fetch.timeout", cfg.Fetch.Timeout)
	if err != nil {
		return nil, err
	}
	client := fetch.New(fetchTimeout, cfg.Fetch.UserAgent, cfg.Fetch.MaxBodyBytes)

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		limiter:  lim,
		schedule: strings.TrimSpace(cfg.Batch.Schedule),
		runner: &batch.Runner{
			Limiter: lim,
			Fetch:   client,
			Log:     root.With(logx.String("comp", "batch")),
		},
	}

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.rec = storage.NewRecorder(st, bus, root.With(logx.String("comp", "recorder")))
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	// Metrics (optional)
	mcfg, err := mapMetricsConfig(cfg)
	if err != nil {
		return nil, err
	}
	if mcfg.Enabled {
		fm := metrics.NewFetchMetrics()
		client.Observer = fm
		reg, err := metrics.NewRegistry(metrics.NewCollector(lim), fm, metrics.NewDroppedEvents(bus))
		if err != nil {
			return nil, fmt.Errorf("metrics registry: %w", err)
		}
		a.metrics = metrics.NewServer(mcfg, reg, a.health, root.With(logx.String("comp", "metrics")))
	}

	loc, err := loadLocation(cfg.Batch.Timezone)
	if err != nil {
		return nil, err
	}
	a.trig = trigger.New(loc, root.With(logx.String("comp", "trigger")))
	return a, nil
}

// Limiter exposes the shared limiter.
func (a *App) Limiter() *limiter.Service { return a.limiter }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// startCore launches the pieces both Start and RunOnce need.
func (a *App) startCore(ctx context.Context) {
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)
	if a.rec != nil {
		a.sup.Go("storage.recorder", func(c context.Context) error {
			return a.rec.Run(c)
		})
	}
}

// Start runs the long-lived daemon: triggers, metrics, config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.startCore(ctx)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapLimiterConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTargets(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		_, err := mapMetricsConfig(cfg)
		return err
	})

	// Lifecycle events at debug for troubleshooting.
	events, unsub := a.bus.Subscribe(128)
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

	if a.metrics != nil {
		a.metrics.Start(a.sup.Context())
	}

	if a.schedule != "" {
		if err := a.trig.Add(batchTrigger, a.schedule, a.triggerBatch); err != nil {
			return err
		}
	}
	a.trig.Start(a.sup.Context())

	if a.cfgm.Get().Batch.RunOnStart {
		a.sup.Go0("batch.initial", a.triggerBatch)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("max_concurrent", a.limiter.Config().MaxConcurrent),
		logx.String("schedule", a.schedule),
		logx.Bool("storage", a.store != nil),
		logx.Bool("metrics", a.metrics != nil),
	)
	return nil
}

// applyConfig applies the live sections of a reloaded config. Sections that
// need a restart are only reported.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	var restart []string
	for _, s := range sections {
		if config.RequiresRestart(s) {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	if err := a.logs.Apply(mapLoggingConfig(newCfg)); err != nil {
		a.log.Warn("logging config partially applied", logx.Err(err))
	}

	// Targets are read at each run; only the schedule needs re-registering.
	if spec := strings.TrimSpace(newCfg.Batch.Schedule); spec != a.schedule {
		switch {
		case spec == "":
			a.trig.Remove(batchTrigger)
			a.schedule = spec
			a.log.Info("batch schedule disabled via config")
		default:
			if err := a.trig.Add(batchTrigger, spec, a.triggerBatch); err != nil {
				a.log.Warn("invalid batch schedule; keeping previous", logx.Err(err))
			} else {
				a.schedule = spec
				a.log.Info("batch schedule updated", logx.String("schedule", spec))
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) triggerBatch(ctx context.Context) {
	if _, err := a.runBatch(ctx); err != nil {
		a.log.Warn("batch skipped", logx.Err(err))
	}
}

// errBatchRunning is returned when a run is already in progress.
var errBatchRunning = errors.New("batch already running")

func (a *App) runBatch(ctx context.Context) (batch.Report, error) {
	if !a.batchRunning.CompareAndSwap(false, true) {
		return batch.Report{}, errBatchRunning
	}
	defer a.batchRunning.Store(false)

	targets, err := mapTargets(a.cfgm.Get())
	if err != nil {
		return batch.Report{}, err
	}
	rep := a.runner.Run(ctx, targets)

	a.mu.Lock()
	a.lastReport = &rep
	a.mu.Unlock()
	return rep, nil
}

// RunOnce runs a single batch without triggers, metrics or config watching.
// The caller still calls Stop to flush storage.
func (a *App) RunOnce(ctx context.Context) (batch.Report, error) {
	a.startCore(ctx)
	return a.runBatch(a.sup.Context())
}

// RecentOutcomes reads the outcome journal. It returns storage.ErrDisabled
// when no store is configured.
func (a *App) RecentOutcomes(ctx context.Context, limit int) ([]storage.Outcome, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.RecentOutcomes(ctx, limit)
}

type batchSummary struct {
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	OK       int       `json:"ok"`
	Failed   int       `json:"failed"`
}

type healthBody struct {
	Status     string          `json:"status"`
	Limiter    limiter.Status  `json:"limiter"`
	Supervisor rtsup.Snapshot  `json:"supervisor"`
	Triggers   []trigger.Entry `json:"triggers"`
	LastBatch  *batchSummary   `json:"last_batch,omitempty"`
	Dropped    uint64          `json:"eventbus_dropped"`
}

func (a *App) health() any {
	body := healthBody{
		Status:     "ok",
		Limiter:    a.limiter.Status(),
		Supervisor: a.sup.Snapshot(),
		Triggers:   a.trig.Entries(),
		Dropped:    a.bus.Dropped(),
	}
	if body.Supervisor.FirstError != "" {
		body.Status = "degraded"
	}
	a.mu.Lock()
	if r := a.lastReport; r != nil {
		body.LastBatch = &batchSummary{Started: r.Started, Finished: r.Finished, OK: r.OK, Failed: r.Failed}
	}
	a.mu.Unlock()
	return body
}

// Stop shuts down in dependency order: triggers stop producing work, the
// limiter drains, then background loops exit and storage closes.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.step(ctx, "trigger", 2*time.Second, a.trig.Stop)
	if a.metrics != nil {
		a.step(ctx, "metrics", time.Second, a.metrics.Stop)
	}
	a.step(ctx, "limiter", 10*time.Second, a.limiter.Stop)
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, a.sup.Stop)
	}
	if a.store != nil {
		a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max without extending the caller's
// deadline. A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
