// Package worker runs preview builds: it stages a project, installs and
// checks it, starts its preview server and supervises that server until the
// job is stopped.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/previewd/internal/archive"
	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
	"git.home.luguber.info/inful/previewd/internal/logfields"
	"git.home.luguber.info/inful/previewd/internal/metrics"
	"git.home.luguber.info/inful/previewd/internal/observability"
	"git.home.luguber.info/inful/previewd/internal/ports"
	"git.home.luguber.info/inful/previewd/internal/process"
	"git.home.luguber.info/inful/previewd/internal/project"
	"git.home.luguber.info/inful/previewd/internal/push"
	"git.home.luguber.info/inful/previewd/internal/queue"
	"git.home.luguber.info/inful/previewd/internal/store"
	"git.home.luguber.info/inful/previewd/internal/workspace"
)

// logFlushInterval is how often output of a running command is written to the job.
const logFlushInterval = 2 * time.Second

type stage struct {
	name     string
	progress int
	label    string
}

var (
	stagePreparing  = stage{"preparing", 0, "Preparing workspace"}
	stageExtracting = stage{"extracting", 10, "Extracting project files"}
	stageAnalyzing  = stage{"analyzing", 25, "Analyzing project"}
	stageInstalling = stage{"installing", 35, "Installing dependencies"}
	stageChecking   = stage{"type-checking", 60, "Type checking"}
	stageStarting   = stage{"starting-preview", 75, "Starting preview server"}
)

// Notifier creates the build notifications a worker emits.
type Notifier interface {
	BuildStarted(ctx context.Context, job *store.Job) (*store.Notification, error)
	BuildCompleted(ctx context.Context, job *store.Job, previewURL string) (*store.Notification, error)
	BuildFailed(ctx context.Context, job *store.Job, cause string) (*store.Notification, error)
}

// JobPusher delivers live job updates.
type JobPusher interface {
	SendJobUpdate(userID string, u push.JobUpdate)
}

// Deps are the collaborators of a Worker. Notifier and Pusher are optional.
type Deps struct {
	Queue      *queue.Queue
	Archives   archive.Store
	Workspaces *workspace.Manager
	Ports      *ports.Allocator
	Registry   *Registry
	Notifier   Notifier
	Pusher     JobPusher
	Recorder   metrics.Recorder
}

// Worker executes builds.
type Worker struct {
	deps     Deps
	opts     Options
	recorder metrics.Recorder
}

// New creates a worker.
func New(deps Deps, opts Options) *Worker {
	return &Worker{deps: deps, opts: opts, recorder: metrics.OrNoop(deps.Recorder)}
}

// Registry returns the worker registry.
func (w *Worker) Registry() *Registry { return w.deps.Registry }

// build is the state of one job's run.
type build struct {
	job     *store.Job
	handle  *Handle
	log     *logBuffer
	stage   stage
	stageAt time.Time
	failed  atomic.Bool
	dir     string
	kind    project.Kind
}

// Start builds job and leaves its preview server running. It returns when
// the preview is ready or the build has failed; failures are already
// recorded on the job when it returns.
func (w *Worker) Start(ctx context.Context, job *store.Job) error {
	buildCtx, cancel := context.WithCancel(ctx)
	h, err := w.deps.Registry.Register(job.ID, job.ProjectID, job.UserID, cancel)
	if err != nil {
		cancel()
		return err
	}

	b := &build{job: job, handle: h, log: newLogBuffer(w.opts.LogLines)}
	buildCtx = observability.WithJob(buildCtx, job.ID, job.UserID, job.ProjectID)
	observability.InfoContext(buildCtx, "Build started")

	if err := w.run(buildCtx, b); err != nil {
		w.fail(context.WithoutCancel(buildCtx), b, err, buildCtx.Err() != nil)
		return err
	}
	return nil
}

func (w *Worker) run(ctx context.Context, b *build) error {
	if err := w.enter(ctx, b, stagePreparing); err != nil {
		return err
	}
	dir, err := w.deps.Workspaces.Create(b.job.ID)
	if err != nil {
		return errors.FileSystemError("failed to create working directory").WithCause(err).WithContext("job_id", b.job.ID).Build()
	}
	b.dir = dir
	jobID := b.job.ID
	b.handle.onRelease(func() {
		if err := w.deps.Workspaces.Cleanup(jobID, b.failed.Load()); err != nil {
			slog.Warn("Workspace cleanup failed", logfields.JobID(jobID), logfields.Error(err))
		}
	})
	w.updateProject(ctx, b.job.ProjectID, store.ProjectUpdate{
		BuildStatus: store.Ptr(store.ProjectBuilding),
		Error:       store.Ptr(""),
		ErrorStack:  store.Ptr(""),
	})
	if w.deps.Notifier != nil {
		if _, err := w.deps.Notifier.BuildStarted(ctx, b.job); err != nil {
			observability.WarnContext(ctx, "Failed to send build started notification", logfields.Error(err))
		}
	}

	if err := w.enter(ctx, b, stageExtracting); err != nil {
		return err
	}
	if err := w.extract(ctx, b); err != nil {
		return err
	}

	if err := w.enter(ctx, b, stageAnalyzing); err != nil {
		return err
	}
	det, err := project.Detect(b.dir)
	if err != nil {
		return err
	}
	b.kind = det.Strategy.Kind()
	b.log.system("Detected project type " + string(b.kind))
	observability.InfoContext(ctx, "Project analyzed", logfields.ProjectType(string(b.kind)))
	w.updateProject(ctx, b.job.ProjectID, store.ProjectUpdate{Type: store.Ptr(string(b.kind))})
	if err := det.Validate(w.opts.AllowInstallScripts); err != nil {
		return err
	}

	if det.Strategy.NeedsInstall() {
		if err := w.enter(ctx, b, stageInstalling); err != nil {
			return err
		}
		install := w.opts.PackageManager.Install(w.opts.AllowInstallScripts)
		if err := w.runCommand(ctx, b, install, w.opts.InstallTimeout); err != nil {
			return err
		}
	}

	if plan := project.CheckPlan(b.dir, det.Manifest, w.opts.PackageManager); len(plan) > 0 {
		if err := w.enter(ctx, b, stageChecking); err != nil {
			return err
		}
		w.typeCheck(ctx, b, plan)
	}

	if err := w.enter(ctx, b, stageStarting); err != nil {
		return err
	}
	return w.serve(ctx, b, det)
}

// enter records the end of the current stage and moves the job to s.
func (w *Worker) enter(ctx context.Context, b *build, s stage) error {
	if err := ctx.Err(); err != nil {
		return errCancelled.WithCause(err)
	}
	w.finishStage(b, metrics.ResultSuccess)
	b.stage, b.stageAt = s, time.Now()

	observability.InfoContext(observability.WithStage(ctx, s.name), s.label)
	b.log.system(s.label)
	if err := w.deps.Queue.UpdateProgress(ctx, b.job.ID, s.progress, s.label, b.log.drain()); err != nil {
		if stderrors.Is(err, store.ErrJobTerminal) {
			return errCancelled.WithContext("job_id", b.job.ID)
		}
		return err
	}
	w.pushUpdate(b.job.UserID, push.JobUpdate{
		JobID:       b.job.ID,
		Status:      string(store.StatusBuilding),
		Progress:    s.progress,
		CurrentStep: s.label,
	})
	return nil
}

func (w *Worker) finishStage(b *build, result metrics.ResultLabel) {
	if b.stage.name == "" {
		return
	}
	w.recorder.ObserveStageDuration(b.stage.name, time.Since(b.stageAt))
	w.recorder.IncStageResult(b.stage.name, result)
}

func (w *Worker) extract(ctx context.Context, b *build) error {
	data, err := w.deps.Archives.Get(ctx, b.job.ProjectID)
	if stderrors.Is(err, archive.ErrNotFound) {
		return errors.ValidationError("project has no uploaded archive").
			WithContext("project_id", b.job.ProjectID).
			Build()
	}
	if err != nil {
		return fmt.Errorf("load project archive: %w", err)
	}

	res, err := archive.Extract(data, b.dir, w.opts.ArchiveLimits)
	if err != nil {
		return err
	}
	b.log.system(fmt.Sprintf("Extracted %d files", res.Files))
	observability.InfoContext(ctx, "Project extracted", logfields.Count(res.Files), slog.String("unwrapped", res.Unwrapped))
	w.updateProject(ctx, b.job.ProjectID, store.ProjectUpdate{FileCount: store.Ptr(res.Files)})
	return nil
}

// runCommand runs cmd in the job directory, streaming its output into the
// job log. A job cancelled meanwhile aborts the command.
func (w *Worker) runCommand(ctx context.Context, b *build, cmd project.Command, timeout time.Duration) error {
	b.log.system("$ " + cmd.String())
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stopFlush := make(chan struct{})
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		ticker := time.NewTicker(logFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopFlush:
				return
			case <-ticker.C:
				if err := w.deps.Queue.AppendLog(ctx, b.job.ID, b.log.drain()...); stderrors.Is(err, store.ErrJobTerminal) {
					cancel()
					return
				}
			}
		}
	}()

	_, err := process.Run(runCtx, process.Spec{
		Name:   cmd.Name,
		Args:   cmd.Args,
		Dir:    b.dir,
		Env:    cmd.Env,
		OnLine: b.log.add,
	})
	close(stopFlush)
	<-flushed

	if err != nil && ctx.Err() == nil && stderrors.Is(runCtx.Err(), context.Canceled) {
		return errCancelled.WithCause(err)
	}
	return err
}

// typeCheck tries the plan in order. It never fails the build.
func (w *Worker) typeCheck(ctx context.Context, b *build, plan []project.CheckCommand) {
	for _, c := range plan {
		err := w.runCommand(ctx, b, c.Command, w.opts.CheckTimeout)
		if stderrors.Is(err, errCancelled) {
			return
		}
		if err == nil {
			b.log.system("Type check passed: " + c.Label)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if c.NonCritical {
			b.log.system("Check " + c.Label + " failed; treated as non-critical")
			observability.InfoContext(ctx, "Non-critical check failed", slog.String("check", c.Label), logfields.Error(err))
			return
		}
		observability.DebugContext(ctx, "Type check candidate failed", slog.String("check", c.Label), logfields.Error(err))
	}
	b.log.system("No type check succeeded; continuing")
	observability.WarnContext(ctx, "Type checking did not succeed; continuing build")
	w.recorder.IncStageResult(stageChecking.name, metrics.ResultWarning)
}

func (w *Worker) serve(ctx context.Context, b *build, det *project.Detection) error {
	port, err := w.deps.Ports.Allocate(ctx)
	if err != nil {
		return err
	}
	b.handle.setPort(port)
	w.recorder.SetPortsClaimed(w.deps.Ports.Claimed())
	b.handle.onRelease(func() {
		w.deps.Ports.Release(port)
		w.recorder.SetPortsClaimed(w.deps.Ports.Claimed())
	})
	b.log.system(fmt.Sprintf("Allocated port %d", port))

	var srv process.Handle
	if cmd, ok := det.Strategy.ServeCommand(w.opts.PackageManager, det.Manifest, port); ok {
		b.log.system("$ " + cmd.String())
		p, err := process.Spawn(ctx, process.Spec{
			Name:   cmd.Name,
			Args:   cmd.Args,
			Dir:    b.dir,
			Env:    cmd.Env,
			OnLine: b.log.add,
		})
		if err != nil {
			return err
		}
		srv = p
		observability.InfoContext(ctx, "Preview server started", logfields.PID(p.PID()), logfields.Port(port))
	} else {
		s, err := startStaticServer(b.dir, port)
		if err != nil {
			return err
		}
		srv = s
		observability.InfoContext(ctx, "Static preview server started", logfields.Port(port), logfields.Path(s.root))
	}
	b.handle.setServer(srv)

	attempts, err := waitReady(ctx, srv, port, w.opts.Readiness, w.opts.ReadinessDial)
	if err != nil {
		if ctx.Err() != nil {
			return errCancelled.WithCause(err)
		}
		return err
	}
	b.log.system(fmt.Sprintf("Preview server ready after %d attempt(s)", attempts))

	if status, err := smokeTest(ctx, port, w.opts.SmokeTimeout); err != nil {
		observability.WarnContext(ctx, "Smoke test failed", logfields.Error(err))
		b.log.system("Smoke test failed: " + err.Error())
	} else {
		observability.DebugContext(ctx, "Smoke test passed", slog.Int("status", status))
		b.log.system(fmt.Sprintf("Smoke test returned HTTP %d", status))
	}

	return w.complete(ctx, b, srv, port)
}

func (w *Worker) complete(ctx context.Context, b *build, srv process.Handle, port int) error {
	url := w.opts.PreviewURL(port)
	if err := w.deps.Queue.AppendLog(ctx, b.job.ID, b.log.drain()...); err != nil && !stderrors.Is(err, store.ErrJobTerminal) {
		observability.WarnContext(ctx, "Failed to flush build log", logfields.Error(err))
	}
	if err := w.deps.Queue.CompleteJob(ctx, b.job.ID, url, port); err != nil {
		if stderrors.Is(err, store.ErrJobTerminal) {
			return errCancelled.WithContext("job_id", b.job.ID)
		}
		return err
	}
	w.finishStage(b, metrics.ResultSuccess)
	b.handle.setStatus(HandleRunning)

	w.updateProject(ctx, b.job.ProjectID, store.ProjectUpdate{
		BuildStatus: store.Ptr(store.ProjectRunning),
		PreviewURL:  store.Ptr(url),
		Port:        store.Ptr(port),
	})
	if w.deps.Notifier != nil {
		if _, err := w.deps.Notifier.BuildCompleted(ctx, b.job, url); err != nil {
			observability.WarnContext(ctx, "Failed to send completion notification", logfields.Error(err))
		} else if err := w.deps.Queue.MarkNotified(ctx, b.job.ID); err != nil {
			observability.WarnContext(ctx, "Failed to flag notification", logfields.Error(err))
		}
	}
	w.pushUpdate(b.job.UserID, push.JobUpdate{
		JobID:      b.job.ID,
		Status:     string(store.StatusCompleted),
		Progress:   100,
		PreviewURL: url,
	})

	projectID := b.job.ProjectID
	w.deps.Registry.watch(b.handle, srv, func(exitErr error) {
		upd := store.ProjectUpdate{BuildStatus: store.Ptr(store.ProjectStopped), PreviewURL: store.Ptr(""), Port: store.Ptr(0)}
		if exitErr != nil {
			upd.Error = store.Ptr("preview server exited: " + exitErr.Error())
		}
		w.updateProject(context.Background(), projectID, upd)
	})
	observability.InfoContext(ctx, "Preview ready", logfields.URL(url), logfields.Port(port))
	return nil
}

// fail records a failed or aborted build and releases its resources.
// Cleanup errors are logged and never replace err.
func (w *Worker) fail(ctx context.Context, b *build, err error, aborted bool) {
	cancelled := aborted || stderrors.Is(err, errCancelled)
	b.failed.Store(!cancelled)
	w.finishStage(b, metrics.ResultFatal)

	msg := failureMessage(err)
	status := store.ProjectFailed
	if cancelled {
		msg = "build stopped"
		status = store.ProjectStopped
		observability.InfoContext(ctx, "Build aborted", logfields.Error(err))
	} else {
		observability.ErrorContext(ctx, "Build failed", logfields.Stage(b.stage.name), logfields.Error(err))
	}

	stack := errorStack(err)
	if tail := b.log.tail(20); tail != "" {
		stack += "\n\nlast output:\n" + tail
	}
	w.updateProject(ctx, b.job.ProjectID, store.ProjectUpdate{
		BuildStatus: store.Ptr(status),
		Error:       store.Ptr(msg),
		ErrorStack:  store.Ptr(stack),
		PreviewURL:  store.Ptr(""),
		Port:        store.Ptr(0),
	})

	b.log.system("Build failed: " + msg)
	jobFailed := true
	if ferr := w.deps.Queue.FailJob(ctx, b.job.ID, msg, b.log.drain()); ferr != nil {
		jobFailed = false
		if !stderrors.Is(ferr, store.ErrJobTerminal) {
			observability.ErrorContext(ctx, "Failed to mark job failed", logfields.Error(ferr))
		}
	}

	if jobFailed {
		if w.deps.Notifier != nil {
			if _, nerr := w.deps.Notifier.BuildFailed(ctx, b.job, msg); nerr != nil {
				observability.WarnContext(ctx, "Failed to send failure notification", logfields.Error(nerr))
			} else if merr := w.deps.Queue.MarkNotified(ctx, b.job.ID); merr != nil {
				observability.WarnContext(ctx, "Failed to flag notification", logfields.Error(merr))
			}
		}
		w.pushUpdate(b.job.UserID, push.JobUpdate{
			JobID:       b.job.ID,
			Status:      string(store.StatusFailed),
			Progress:    b.stage.progress,
			CurrentStep: b.stage.label,
			Error:       msg,
		})
	}

	w.deps.Registry.release(b.handle)
}

func (w *Worker) updateProject(ctx context.Context, projectID string, upd store.ProjectUpdate) {
	err := w.deps.Queue.Store().UpdateProject(ctx, projectID, upd)
	switch {
	case err == nil:
	case stderrors.Is(err, store.ErrProjectNotFound):
		slog.Debug("No project record to update", logfields.ProjectID(projectID))
	default:
		slog.Warn("Failed to update project", logfields.ProjectID(projectID), logfields.Error(err))
	}
}

func (w *Worker) pushUpdate(userID string, u push.JobUpdate) {
	if w.deps.Pusher != nil {
		w.deps.Pusher.SendJobUpdate(userID, u)
	}
}

// Stop stops the worker of jobID. A build in progress is aborted; a running
// preview is shut down and its project marked stopped.
func (w *Worker) Stop(jobID string) error {
	h, ok := w.deps.Registry.Get(jobID)
	if !ok {
		return ErrNotRunning.WithContext("job_id", jobID)
	}
	running := h.info().Status == HandleRunning
	if err := w.deps.Registry.Stop(jobID); err != nil {
		return err
	}
	if running {
		w.updateProject(context.Background(), h.projectID, store.ProjectUpdate{
			BuildStatus: store.Ptr(store.ProjectStopped),
			PreviewURL:  store.Ptr(""),
			Port:        store.Ptr(0),
		})
	}
	return nil
}

// StopAll stops every worker.
func (w *Worker) StopAll() {
	w.deps.Registry.StopAll()
}

// List returns the live workers ordered by start time.
func (w *Worker) List() []Info {
	return w.deps.Registry.List()
}
