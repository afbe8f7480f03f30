// Package daemon assembles the previewd services and runs them until shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/previewd/internal/api"
	"git.home.luguber.info/inful/previewd/internal/archive"
	"git.home.luguber.info/inful/previewd/internal/config"
	"git.home.luguber.info/inful/previewd/internal/eventstore"
	"git.home.luguber.info/inful/previewd/internal/logfields"
	"git.home.luguber.info/inful/previewd/internal/metrics"
	"git.home.luguber.info/inful/previewd/internal/notify"
	"git.home.luguber.info/inful/previewd/internal/ports"
	"git.home.luguber.info/inful/previewd/internal/processor"
	"git.home.luguber.info/inful/previewd/internal/push"
	"git.home.luguber.info/inful/previewd/internal/queue"
	"git.home.luguber.info/inful/previewd/internal/store"
	"git.home.luguber.info/inful/previewd/internal/version"
	"git.home.luguber.info/inful/previewd/internal/worker"
	"git.home.luguber.info/inful/previewd/internal/workspace"
)

// Status represents the current state of the daemon
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// InterruptedReason is recorded on jobs that were in flight when the daemon last exited.
const InterruptedReason = "interrupted by restart"

// Daemon owns every long-lived component.
type Daemon struct {
	config     *config.Config
	configPath string
	level      *slog.LevelVar
	status     atomic.Value
	startTime  time.Time
	mu         sync.Mutex

	store      *store.Store
	events     *eventstore.SQLiteStore
	queue      *queue.Queue
	workspaces *workspace.Manager
	hub        *push.Hub
	mirror     *push.NATSMirror
	notes      *notify.Hub
	worker     *worker.Worker
	processor  *processor.Processor
	api        *api.Server
	watcher    *config.Watcher
}

// New wires the daemon from cfg. configPath enables live reload when non-empty;
// level, when set, is adjusted on reload.
func New(cfg *config.Config, configPath string, level *slog.LevelVar) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	d := &Daemon{config: cfg, configPath: configPath, level: level}
	d.status.Store(StatusStopped)

	ok := false
	defer func() {
		if !ok {
			d.closeStores()
		}
	}()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	d.store = st

	events, err := eventstore.NewSQLiteStore(cfg.EventsDBPath())
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	d.events = events

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := metrics.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(reg)
		metricsHandler = metrics.HTTPHandler(reg)
	}

	d.queue = queue.New(st,
		queue.WithEventEmitter(eventstore.NewEmitter(events)),
		queue.WithRecorder(recorder),
		queue.WithMaxLogs(cfg.Worker.LogLines),
	)

	archives, err := archive.NewFSStore(cfg.ArchivePath())
	if err != nil {
		return nil, fmt.Errorf("open archive store: %w", err)
	}
	d.workspaces = workspace.NewManager(cfg.Workspace.Root, cfg.Workspace.Keep)

	hubOpts := []push.Option{push.WithHeartbeat(cfg.Push.Heartbeat.Std()), push.WithRecorder(recorder)}
	if cfg.Push.NATS.Enabled {
		m, merr := push.NewNATSMirror(cfg.Push.NATS.URL, cfg.Push.NATS.Subject)
		if merr != nil {
			// The live channel works without the mirror.
			slog.Warn("NATS mirror disabled", logfields.URL(cfg.Push.NATS.URL), logfields.Error(merr))
		} else {
			d.mirror = m
			hubOpts = append(hubOpts, push.WithMirror(m))
		}
	}
	d.hub = push.NewHub(hubOpts...)
	d.notes = notify.NewHub(st, d.hub, notify.WithRetention(cfg.Notifications.Retention.Std()))

	opts := worker.OptionsFromConfig(cfg)
	registry := worker.NewRegistry(opts.StopGrace, recorder)
	d.worker = worker.New(worker.Deps{
		Queue:      d.queue,
		Archives:   archives,
		Workspaces: d.workspaces,
		Ports:      ports.NewAllocator(cfg.Ports.Start, cfg.Ports.End, cfg.Ports.ProbeTimeout.Std()),
		Registry:   registry,
		Notifier:   d.notes,
		Pusher:     d.hub,
		Recorder:   recorder,
	}, opts)

	retention := &maintenance{notes: d.notes, events: events, keep: cfg.Storage.EventRetention.Std(), now: time.Now}
	d.processor = processor.New(d.queue, d.worker, registry, d.hub, retention, processor.Options{
		PollInterval:        cfg.Processor.PollInterval.Std(),
		MaintenanceInterval: cfg.Processor.MaintenanceInterval.Std(),
		SweepInterval:       cfg.Processor.SweepInterval.Std(),
		StaleAfter:          cfg.Push.StaleAfter.Std(),
	})

	d.api = api.NewServer(api.Deps{
		Queue:         d.queue,
		Notifications: d.notes,
		Push:          d.hub,
		Processor:     d.processor,
		Workers:       d.worker,
		Events:        events,
		Archives:      archives,
		Metrics:       metricsHandler,
	}, api.Options{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MetricsPath:    cfg.Metrics.Path,
	})

	if configPath != "" {
		w, werr := config.NewWatcher(configPath, d.reload)
		if werr != nil {
			return nil, fmt.Errorf("create config watcher: %w", werr)
		}
		d.watcher = w
	}

	ok = true
	return d, nil
}

// GetStatus returns the current daemon status.
func (d *Daemon) GetStatus() Status {
	s, _ := d.status.Load().(Status)
	return s
}

// Handler exposes the HTTP API.
func (d *Daemon) Handler() http.Handler { return d.api.Handler() }

// Run starts every component, blocks until ctx is done and then shuts down
// within shutdownTimeout.
func (d *Daemon) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := d.Start(ctx); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.api.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case runErr = <-serveErr:
		if runErr != nil {
			runErr = fmt.Errorf("http server: %w", runErr)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Start recovers state left by a previous run and starts background loops.
// The HTTP listener is started by Run.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s := d.GetStatus(); s != StatusStopped {
		return fmt.Errorf("daemon is not in stopped state: %s", s)
	}
	d.status.Store(StatusStarting)
	d.startTime = time.Now()
	slog.Info("Starting previewd", slog.String("version", version.Version), slog.String("addr", d.config.Server.Addr))

	if err := d.recover(ctx); err != nil {
		d.status.Store(StatusStopped)
		return err
	}

	if err := d.processor.Start(ctx); err != nil {
		d.status.Store(StatusStopped)
		return fmt.Errorf("start processor: %w", err)
	}

	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			slog.Error("Failed to start config watcher", logfields.Error(err))
		} else {
			slog.Info("Config watcher started", logfields.Path(d.configPath))
		}
	}

	d.status.Store(StatusRunning)
	slog.Info("previewd started",
		slog.String("data_dir", d.config.Storage.DataDir),
		slog.String("workspace_root", d.workspaces.Root()),
		slog.Int("port_start", d.config.Ports.Start),
		slog.Int("port_end", d.config.Ports.End),
		slog.Bool("metrics", d.config.Metrics.Enabled),
		slog.Bool("nats_mirror", d.mirror != nil))
	return nil
}

// recover fails jobs that were mid-build when the last process died and
// clears their workspaces. No preview server survives a restart.
func (d *Daemon) recover(ctx context.Context) error {
	jobs, err := d.store.FailInterrupted(ctx, InterruptedReason)
	if err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	for _, job := range jobs {
		slog.Warn("Failed interrupted job", logfields.JobID(job.ID), logfields.ProjectID(job.ProjectID))
		if _, nerr := d.notes.BuildFailed(ctx, job, InterruptedReason); nerr != nil {
			slog.Warn("Interrupted job notification failed", logfields.JobID(job.ID), logfields.Error(nerr))
		}
	}

	removed, err := d.workspaces.Reset()
	if err != nil {
		slog.Warn("Failed to reset workspaces", logfields.Path(d.workspaces.Root()), logfields.Error(err))
	} else if removed > 0 {
		slog.Info("Removed stale workspaces", logfields.Count(removed))
	}
	return nil
}

// Stop shuts components down in reverse start order.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.GetStatus() {
	case StatusStopped, StatusStopping:
		return nil
	}
	d.status.Store(StatusStopping)
	slog.Info("Stopping previewd")

	if d.watcher != nil {
		d.watcher.Stop()
	}
	if err := d.api.Shutdown(ctx); err != nil {
		slog.Error("Failed to stop HTTP server", logfields.Error(err))
	}
	if err := d.processor.Stop(ctx); err != nil {
		slog.Error("Failed to stop processor", logfields.Error(err))
	}
	d.hub.Shutdown()
	d.closeStores()

	d.status.Store(StatusStopped)
	slog.Info("previewd stopped", slog.Duration("uptime", time.Since(d.startTime)))
	return nil
}

func (d *Daemon) closeStores() {
	if d.mirror != nil {
		if err := d.mirror.Close(); err != nil {
			slog.Warn("Failed to drain NATS connection", logfields.Error(err))
		}
	}
	if d.events != nil {
		if err := d.events.Close(); err != nil {
			slog.Error("Failed to close event store", logfields.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			slog.Error("Failed to close job store", logfields.Error(err))
		}
	}
}

// reload applies the settings that can change without a restart.
func (d *Daemon) reload(cfg *config.Config) {
	if d.level != nil {
		prev := d.level.Level()
		next := cfg.Logging.Level.SlogLevel()
		if prev != next {
			d.level.Set(next)
			slog.Info("Log level changed", slog.String("from", prev.String()), slog.String("to", next.String()))
		}
	}
	if cfg.Server.Addr != d.config.Server.Addr || cfg.Storage != d.config.Storage {
		slog.Warn("Listener and storage changes take effect after restart")
	}
}
