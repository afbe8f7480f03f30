// Package processor dispatches queued jobs to the build worker and runs
// periodic maintenance.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
	"git.home.luguber.info/inful/previewd/internal/logfields"
	"git.home.luguber.info/inful/previewd/internal/push"
	"git.home.luguber.info/inful/previewd/internal/queue"
	"git.home.luguber.info/inful/previewd/internal/store"
)

// Builder runs a claimed job.
type Builder interface {
	Start(ctx context.Context, job *store.Job) error
	StopAll()
}

// ConnectionHub is the live channel as seen by the processor.
type ConnectionHub interface {
	SendJobUpdate(userID string, u push.JobUpdate)
	Count() int
	CleanupStaleConnections(threshold time.Duration) int
}

// NotificationCleaner purges old notifications.
type NotificationCleaner interface {
	CleanupOld(ctx context.Context) (int, error)
}

// WorkerCounter reports how many workers are live.
type WorkerCounter interface {
	Count() int
}

// Options configure the processor loops.
type Options struct {
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	SweepInterval       time.Duration
	StaleAfter          time.Duration
}

// DefaultOptions returns the built-in intervals.
func DefaultOptions() Options {
	return Options{
		PollInterval:        5 * time.Second,
		MaintenanceInterval: 24 * time.Hour,
		SweepInterval:       time.Minute,
		StaleAfter:          push.DefaultStaleAfter,
	}
}

// Health is a snapshot of the processor and what it drives.
type Health struct {
	Running       bool        `json:"running"`
	Processing    bool        `json:"processing"`
	Queue         queue.Stats `json:"queue"`
	ActiveWorkers int         `json:"activeWorkers"`
	Connections   int         `json:"connections"`
	LastTick      *time.Time  `json:"lastTick,omitempty"`
	LastError     string      `json:"lastError,omitempty"`
}

// Processor is the dispatch loop.
type Processor struct {
	queue    *queue.Queue
	builder  Builder
	workers  WorkerCounter
	hub      ConnectionHub
	notifier NotificationCleaner
	opts     Options

	processing atomic.Bool
	running    atomic.Bool

	mu        sync.Mutex
	lastTick  time.Time
	lastError string
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
	loopDone  chan struct{}
	buildCtx  context.Context
	builds    sync.WaitGroup
}

// New creates a processor. hub, notifier and workers may be nil.
func New(q *queue.Queue, builder Builder, workers WorkerCounter, hub ConnectionHub, notifier NotificationCleaner, opts Options) *Processor {
	d := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = d.PollInterval
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = d.MaintenanceInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = d.SweepInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = d.StaleAfter
	}
	return &Processor{
		queue:    q,
		builder:  builder,
		workers:  workers,
		hub:      hub,
		notifier: notifier,
		opts:     opts,
		buildCtx: context.Background(),
	}
}

// Start begins polling and schedules maintenance. Builds run under ctx.
func (p *Processor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("processor already running")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		p.running.Store(false)
		return fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if _, err := s.NewJob(
		gocron.DurationJob(p.opts.MaintenanceInterval),
		gocron.NewTask(func() { p.RunMaintenance(ctx) }),
		gocron.WithName("notification-cleanup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		p.running.Store(false)
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	if _, err := s.NewJob(
		gocron.DurationJob(p.opts.SweepInterval),
		gocron.NewTask(p.sweep),
		gocron.WithName("stale-connection-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		p.running.Store(false)
		return fmt.Errorf("failed to schedule connection sweep: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.scheduler = s
	p.cancel = cancel
	p.loopDone = make(chan struct{})
	p.buildCtx = ctx
	p.mu.Unlock()

	s.Start()
	go p.loop(loopCtx)
	slog.Info("Queue processor started",
		slog.Duration("poll_interval", p.opts.PollInterval),
		slog.Duration("maintenance_interval", p.opts.MaintenanceInterval))
	return nil
}

func (p *Processor) loop(ctx context.Context) {
	defer close(p.loopDone)
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.tick(ctx); err != nil {
				slog.Error("Queue tick failed", logfields.Error(err))
			}
		}
	}
}

// Trigger runs one dispatch tick now and returns the id of the dispatched
// job, or "" when nothing was dispatched.
func (p *Processor) Trigger(ctx context.Context) (string, error) {
	return p.tick(ctx)
}

// tick dequeues at most one job and hands it to the builder. The in-flight
// flag covers the handoff only, not the build.
func (p *Processor) tick(ctx context.Context) (string, error) {
	if !p.processing.CompareAndSwap(false, true) {
		slog.Debug("Queue tick skipped; dispatch in flight")
		return "", nil
	}
	defer p.processing.Store(false)

	job, err := p.queue.Dequeue(ctx)
	p.recordTick(err)
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return "", nil
	}

	if p.hub != nil {
		p.hub.SendJobUpdate(job.UserID, push.JobUpdate{
			JobID:       job.ID,
			Status:      string(store.StatusBuilding),
			Progress:    0,
			CurrentStep: "Starting build",
		})
	}

	p.mu.Lock()
	buildCtx := p.buildCtx
	p.mu.Unlock()

	p.builds.Add(1)
	go func() {
		defer p.builds.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Build panicked", logfields.JobID(job.ID), slog.Any("panic", r))
			}
		}()
		if err := p.builder.Start(buildCtx, job); err != nil {
			level := slog.LevelWarn
			if errors.HasCategory(err, errors.CategoryValidation) {
				level = slog.LevelInfo
			}
			slog.Log(buildCtx, level, "Build did not complete", logfields.JobID(job.ID), logfields.Error(err))
		}
	}()
	slog.Info("Job dispatched", logfields.JobID(job.ID), logfields.UserID(job.UserID))
	return job.ID, nil
}

func (p *Processor) recordTick(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastTick = time.Now()
	if err != nil {
		p.lastError = err.Error()
	}
}

// RunMaintenance purges old read notifications and sweeps stale connections.
func (p *Processor) RunMaintenance(ctx context.Context) {
	if p.notifier != nil {
		if _, err := p.notifier.CleanupOld(ctx); err != nil {
			slog.Error("Notification cleanup failed", logfields.Error(err))
		}
	}
	p.sweep()
}

func (p *Processor) sweep() {
	if p.hub == nil {
		return
	}
	if n := p.hub.CleanupStaleConnections(p.opts.StaleAfter); n > 0 {
		slog.Debug("Swept stale push connections", logfields.Count(n))
	}
}

// Health returns a status snapshot.
func (p *Processor) Health(ctx context.Context) (Health, error) {
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return Health{}, err
	}
	h := Health{
		Running:    p.running.Load(),
		Processing: p.processing.Load(),
		Queue:      stats,
	}
	if p.workers != nil {
		h.ActiveWorkers = p.workers.Count()
	}
	if p.hub != nil {
		h.Connections = p.hub.Count()
	}
	p.mu.Lock()
	if !p.lastTick.IsZero() {
		t := p.lastTick
		h.LastTick = &t
	}
	h.LastError = p.lastError
	p.mu.Unlock()
	return h, nil
}

// Stop halts polling and maintenance, then stops every worker and waits for
// in-flight builds to return or ctx to end.
func (p *Processor) Stop(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.mu.Lock()
	cancel, s, loopDone := p.cancel, p.scheduler, p.loopDone
	p.mu.Unlock()

	cancel()
	<-loopDone
	var serr error
	if err := s.Shutdown(); err != nil {
		serr = fmt.Errorf("failed to stop scheduler: %w", err)
	}

	p.builder.StopAll()

	done := make(chan struct{})
	go func() {
		p.builds.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timed out waiting for builds to stop")
	}
	slog.Info("Queue processor stopped")
	return serr
}
