// Package app assembles the full engine: storage, account pool, event bus,
// broadcaster, executor, scheduler, and the HTTP boundary, with a graceful
// lifecycle around them.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/artai8/la/internal/api"
	"github.com/artai8/la/internal/broadcast"
	"github.com/artai8/la/internal/config"
	"github.com/artai8/la/internal/executor"
	"github.com/artai8/la/internal/model"
	"github.com/artai8/la/internal/monitor"
	"github.com/artai8/la/internal/platform"
	"github.com/artai8/la/internal/pool"
	"github.com/artai8/la/internal/scheduler"
	"github.com/artai8/la/internal/storage"
	"github.com/artai8/la/internal/sysinfo"
)

// Options is the process configuration, read from config.yaml by the
// entrypoint. Runtime tuning lives in the settings table instead.
type Options struct {
	ListenAddr string
	SQLitePath string

	// NATS: when Embedded is true an in-process server is started and URL
	// is ignored.
	NATSEmbedded      bool
	NATSURL           string
	NATSName          string
	NATSMaxReconnects int
	NATSReconnectWait time.Duration

	// ShutdownGrace bounds how long running tasks get to release their
	// accounts on shutdown.
	ShutdownGrace time.Duration

	// TaskRetention is how long finished tasks are kept before the daily
	// prune removes them. Zero disables pruning.
	TaskRetention time.Duration

	// Dialer produces platform clients. Required.
	Dialer platform.Dialer
}

// App owns every component and their startup/shutdown ordering.
type App struct {
	logger *zap.Logger
	opts   Options

	natsServer *server.Server
	nc         *nats.Conn

	store     *storage.Store
	pool      *pool.Pool
	emitter   *broadcast.Emitter
	caster    *broadcast.Broadcaster
	hub       *broadcast.Hub
	engine    *executor.Engine
	scheduler *scheduler.Scheduler
	monitor   *monitor.Monitor
	server    *api.Server
	cron      *cron.Cron
}

// New builds the component graph. Nothing is started yet.
func New(logger *zap.Logger, opts Options) (*App, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("app: dialer is required")
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = scheduler.DefaultStopGrace
	}

	a := &App{logger: logger, opts: opts}

	store, err := storage.NewStore(logger, opts.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a.store = store

	if err := a.connectBus(); err != nil {
		store.Close()
		return nil, err
	}

	settings := config.Snapshot(store)
	a.pool = pool.New(logger, settings.MaxErrors)

	a.emitter = broadcast.NewEmitter(a.nc, store, logger)
	a.caster = broadcast.NewBroadcaster(a.nc, store, logger)
	a.hub = broadcast.NewHub(logger)

	a.engine = executor.NewEngine(logger, a.pool, store, opts.Dialer,
		a.emitter, executor.NewWorkingSet(), executor.RemoteSinks{})
	a.caster.SetWorking(a.engine.WorkingSet())
	a.scheduler = scheduler.New(logger, store, a.engine, a.emitter, a.maxConcurrent)
	a.monitor = monitor.New(logger, a.nc, a.scheduler, 30*time.Second, 90)

	a.server = api.NewServer(logger, api.Config{
		Addr:         opts.ListenAddr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, a.scheduler, store, a.pool, a.engine, a.caster, a.hub)
	a.server.SetMonitor(a.monitor)

	a.wireObservers()
	a.cron = cron.New()
	return a, nil
}

// connectBus starts the embedded NATS server when configured, then connects
// with reconnect handling.
func (a *App) connectBus() error {
	url := a.opts.NATSURL
	if a.opts.NATSEmbedded {
		srv, err := server.NewServer(&server.Options{
			Host:   "127.0.0.1",
			Port:   -1,
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return fmt.Errorf("failed to create embedded NATS server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(10 * time.Second) {
			srv.Shutdown()
			return fmt.Errorf("embedded NATS server did not become ready")
		}
		a.natsServer = srv
		url = srv.ClientURL()
		a.logger.Info("Embedded NATS server started", zap.String("url", url))
	}

	nc, err := nats.Connect(url,
		nats.Name(a.opts.NATSName),
		nats.MaxReconnects(a.opts.NATSMaxReconnects),
		nats.ReconnectWait(a.opts.NATSReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			a.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			a.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		if a.natsServer != nil {
			a.natsServer.Shutdown()
		}
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.nc = nc
	return nil
}

// wireObservers connects the event flow: pool changes feed the bus, bus
// state feeds the hub, new observers are greeted with the current snapshot.
func (a *App) wireObservers() {
	a.pool.OnChange(func(model.Account) {
		c := a.pool.Counts()
		a.emitter.Pool(model.PoolEvent{
			Total:       c.Total,
			Online:      c.Online,
			Leased:      c.Leased,
			Cooldown:    c.Cooldown,
			Quarantined: c.Quarantined,
		})
	})
	a.caster.OnState(a.hub.State)
	a.caster.OnLog(a.hub.Log)
	a.hub.Greeter = func() []model.WireMessage {
		return []model.WireMessage{{
			Type: "state",
			Data: a.caster.Snapshot(context.Background()),
		}}
	}
}

// maxConcurrent resolves the task concurrency cap on every scheduling
// decision. An unset setting falls back to the host-derived default; an
// explicit zero means unbounded.
func (a *App) maxConcurrent() int {
	raw, err := a.store.GetSetting(config.KeyMaxConcurrent)
	if err != nil || strings.TrimSpace(raw) == "" {
		return sysinfo.DefaultMaxConcurrent()
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return sysinfo.DefaultMaxConcurrent()
	}
	return n
}

// Run starts everything and blocks until ctx is canceled, then shuts down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accounts, err := a.store.ListAccounts(runCtx)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	for _, acc := range accounts {
		a.pool.Add(acc)
	}
	a.logger.Info("Loaded accounts", zap.Int("count", len(accounts)))

	go a.hub.Run()
	if err := a.caster.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start broadcaster: %w", err)
	}
	if err := a.scheduler.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	a.monitor.Start(runCtx)

	// Maintenance: cooldown sweep keeps lease candidates fresh, the daily
	// prune keeps the task table bounded.
	if _, err := a.cron.AddFunc("@every 1m", a.pool.Sweep); err != nil {
		return err
	}
	if a.opts.TaskRetention > 0 {
		_, err := a.cron.AddFunc("@daily", func() {
			cutoff := time.Now().Add(-a.opts.TaskRetention)
			if err := a.store.DeleteFinishedBefore(context.Background(), cutoff); err != nil {
				a.logger.Error("Failed to prune finished tasks", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
	}
	a.cron.Start()

	serverErr := make(chan error, 1)
	go func() { serverErr <- a.server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			a.shutdown(cancel)
			return err
		}
	}

	a.logger.Info("Shutting down")
	a.shutdown(cancel)
	return nil
}

func (a *App) shutdown(cancel context.CancelFunc) {
	shutdownCtx, done := context.WithTimeout(context.Background(), a.opts.ShutdownGrace)
	defer done()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("API shutdown error", zap.Error(err))
	}

	// Cancel running tasks and wait for their accounts to come back,
	// bounded by the grace period.
	cancel()
	waited := make(chan struct{})
	go func() {
		a.scheduler.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-shutdownCtx.Done():
		a.logger.Warn("Some tasks did not stop within the grace period")
	}

	cronCtx := a.cron.Stop()
	<-cronCtx.Done()

	a.hub.Close()
	a.nc.Close()
	if a.natsServer != nil {
		a.natsServer.Shutdown()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Storage close error", zap.Error(err))
	}
	a.logger.Info("Shutdown complete")
}
