// Package daemon runs the offline core as one process.
//
// On Start the daemon:
// 1. Promotes the legacy project list into the store (once)
// 2. Starts reachability probing
// 3. Starts the sync engine
// 4. Watches the import inbox, if configured
// 5. Serves the live dashboard, if enabled
//
// Stop shuts everything down and closes the store.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/storyforge/storyforge/internal/config"
	"github.com/storyforge/storyforge/internal/netstate"
	"github.com/storyforge/storyforge/internal/notify"
	"github.com/storyforge/storyforge/internal/offline/dashboard"
	"github.com/storyforge/storyforge/internal/offline/db"
	"github.com/storyforge/storyforge/internal/offline/engine"
	"github.com/storyforge/storyforge/internal/offline/inbox"
	"github.com/storyforge/storyforge/internal/offline/migrate"
)

// Options holds collaborators that are normally built from the config.
type Options struct {
	// Remote overrides the services built by BuildRemote.
	Remote engine.Remote

	// Notifier receives every notification in addition to the log and
	// the dashboard.
	Notifier notify.Notifier

	// Clock drives the store, engine and prober. Defaults to the real
	// clock.
	Clock clockwork.Clock

	// LoggerFor returns the logger for a component. Defaults to stderr
	// loggers with a bracketed prefix.
	LoggerFor func(component string) *log.Logger
}

// Daemon owns the store and every background component.
type Daemon struct {
	cfg    *config.Config
	logger *log.Logger

	store     *db.DB
	monitor   *netstate.Monitor
	prober    *netstate.Prober
	engine    *engine.Engine
	migrator  *migrate.Manager
	inbox     *inbox.Inbox
	dashboard *dashboard.Server
	feed      *dashboard.Handler
	notifier  *notify.Fanout
	startedAt time.Time
	ready     chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	errMu sync.Mutex
	err   error
}

// New opens the store and wires every component. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.LoggerFor == nil {
		opts.LoggerFor = func(component string) *log.Logger {
			return log.New(os.Stderr, "["+component+"] ", log.LstdFlags)
		}
	}

	rem := opts.Remote
	if rem == nil {
		var err error
		if rem, err = BuildRemote(cfg); err != nil {
			return nil, err
		}
	}
	mirror, err := BuildMirror(cfg, opts.LoggerFor("assets"))
	if err != nil {
		return nil, err
	}

	store, err := db.OpenWithConfig(cfg.DBPath, db.Config{Clock: opts.Clock})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   opts.LoggerFor("daemon"),
		store:    store,
		notifier: notify.NewFanout(notify.NewLogger(opts.LoggerFor("notify")), opts.Notifier),
		migrator: migrate.NewManager(store, cfg.Legacy.Path, opts.LoggerFor("migrate")),
		ready:    make(chan struct{}),
	}

	// Without a probe URL the monitor stays online.
	d.monitor = netstate.NewMonitor(true)
	if cfg.Network.ProbeURL != "" {
		d.prober = netstate.NewProber(d.monitor, netstate.ProberConfig{
			URL:      cfg.Network.ProbeURL,
			Interval: cfg.Network.ProbeInterval,
			Timeout:  probeTimeout(cfg.Network.ProbeInterval),
			Clock:    opts.Clock,
			Logger:   opts.LoggerFor("netstate"),
		})
	}

	if cfg.Dashboard.Enabled {
		d.dashboard = dashboard.NewServer(&dashboard.Config{
			Host:   cfg.Dashboard.Host,
			Port:   cfg.Dashboard.Port,
			Status: func(ctx context.Context) (any, error) { return d.Status(ctx) },
			Logger: opts.LoggerFor("dashboard"),
		})
		d.feed = dashboard.NewHandler(d.dashboard, store, opts.LoggerFor("dashboard"))
		d.notifier.Add(d.feed)
	}

	engineCfg := EngineConfig(cfg, mirror, opts.LoggerFor("engine"))
	engineCfg.Clock = opts.Clock
	d.engine = engine.NewWithConfig(store, rem, d.monitor, d.notifier, engineCfg)

	if cfg.Inbox.Dir != "" {
		d.inbox, err = inbox.NewWithConfig(cfg.Inbox.Dir, d.migrator, d.notifier, inbox.Config{
			Logger: opts.LoggerFor("inbox"),
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Store returns the daemon's store.
func (d *Daemon) Store() *db.DB {
	return d.store
}

// Monitor returns the reachability monitor the engine follows.
func (d *Daemon) Monitor() *netstate.Monitor {
	return d.monitor
}

// Dashboard returns the dashboard server, or nil when disabled.
func (d *Daemon) Dashboard() *dashboard.Server {
	return d.dashboard
}

// Ready is closed once Start has launched every component.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Start migrates legacy data and runs every component. It blocks until ctx
// is cancelled, Stop is called or a component fails to start, then shuts
// down and returns that failure, if any.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("Starting daemon")
	d.startedAt = time.Now()

	d.runMigration(ctx)

	if d.dashboard != nil {
		if err := d.dashboard.Start(); err != nil {
			_ = d.Stop()
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		d.goRun("dashboard feed", func(ctx context.Context) error {
			d.feed.Run(ctx)
			return nil
		})
	}
	if d.prober != nil {
		d.goRun("prober", func(ctx context.Context) error {
			d.prober.Run(ctx)
			return nil
		})
	}
	d.goRun("engine", d.engine.Run)
	if d.inbox != nil {
		d.logger.Printf("Watching inbox: %s", d.inbox.Dir())
		d.goRun("inbox", d.inbox.Run)
	}
	close(d.ready)

	select {
	case <-ctx.Done():
		d.logger.Println("Shutdown signal received")
	case <-d.ctx.Done():
	}
	return d.Stop()
}

// Stop shuts down every component and closes the store. It is safe to call
// more than once and returns the failure that stopped the daemon, if any.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.logger.Println("Stopping daemon")
		d.cancel()
		d.wg.Wait()

		if d.dashboard != nil {
			if err := d.dashboard.Stop(); err != nil {
				d.logger.Printf("Error stopping dashboard: %v", err)
			}
		}
		if err := d.store.Close(); err != nil {
			d.logger.Printf("Error closing store: %v", err)
		}
		d.logger.Println("Daemon stopped")
	})

	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

// runMigration promotes the legacy store. Any failure is logged and
// reported but does not stop the daemon; the flag stays unset and the next
// start tries again.
func (d *Daemon) runMigration(ctx context.Context) {
	result, err := d.migrator.Run(ctx, migrate.Options{Backup: d.cfg.Legacy.Backup})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		var merr *migrate.Error
		if errors.As(err, &merr) {
			d.logger.Printf("Warning: legacy migration incomplete: %v", merr)
			d.notifier.Notify(notify.Warning, "Some projects could not be migrated and will be retried on next start")
			return
		}
		d.logger.Printf("Warning: legacy migration failed: %v", err)
		d.notifier.Notify(notify.Warning, "Legacy projects could not be migrated and will be retried on next start")
		return
	}

	if result.ProjectsMigrated > 0 {
		d.notifier.Notify(notify.Info, fmt.Sprintf("Migrated %d project(s) to offline storage", result.ProjectsMigrated))
	}
}

// goRun runs fn on the daemon context. An error from fn while the daemon is
// still running stops the daemon.
func (d *Daemon) goRun(name string, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(d.ctx); err != nil && d.ctx.Err() == nil {
			d.logger.Printf("Error: %s stopped: %v", name, err)
			d.errMu.Lock()
			if d.err == nil {
				d.err = fmt.Errorf("%s: %w", name, err)
			}
			d.errMu.Unlock()
			d.cancel()
		}
	}()
}
