// Package queue implements the durable build queue on top of the job store.
package queue

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
	"git.home.luguber.info/inful/previewd/internal/logfields"
	"git.home.luguber.info/inful/previewd/internal/metrics"
	"git.home.luguber.info/inful/previewd/internal/store"
)

// DefaultMaxLogs bounds the persisted log of a job.
const DefaultMaxLogs = 500

var (
	// ErrUnauthorized is returned when a user acts on another user's job.
	ErrUnauthorized = errors.UnauthorizedError("job belongs to another user").Build()

	// ErrInvalidState is returned when a job's status does not allow the operation.
	ErrInvalidState = errors.InvalidStateError("job status does not allow this operation").Build()
)

// JobEventEmitter receives job lifecycle transitions.
// This lets the queue record history without depending on a concrete event store.
type JobEventEmitter interface {
	JobEnqueued(ctx context.Context, jobID, projectID, userID string, priority int) error
	JobClaimed(ctx context.Context, jobID string) error
	JobProgressed(ctx context.Context, jobID string, progress int, step string) error
	JobCompleted(ctx context.Context, jobID, previewURL string, port int, duration time.Duration) error
	JobFailed(ctx context.Context, jobID, errMsg string) error
	JobCancelled(ctx context.Context, jobID, userID string) error
}

// Stats are job counts by status.
type Stats struct {
	Pending   int `json:"pending"`
	Queued    int `json:"queued"`
	Building  int `json:"building"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// Queue is the build queue.
type Queue struct {
	store    *store.Store
	emitter  JobEventEmitter
	recorder metrics.Recorder
	maxLogs  int
	newID    func() string
	now      func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithEventEmitter injects a lifecycle event emitter.
func WithEventEmitter(e JobEventEmitter) Option { return func(q *Queue) { q.emitter = e } }

// WithRecorder injects a metrics recorder.
func WithRecorder(r metrics.Recorder) Option { return func(q *Queue) { q.recorder = metrics.OrNoop(r) } }

// WithMaxLogs sets how many log entries a job keeps.
func WithMaxLogs(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxLogs = n
		}
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(fn func() string) Option { return func(q *Queue) { q.newID = fn } }

// New creates a queue over st.
func New(st *store.Store, opts ...Option) *Queue {
	q := &Queue{
		store:    st,
		recorder: metrics.NoopRecorder{},
		maxLogs:  DefaultMaxLogs,
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Store returns the underlying job store.
func (q *Queue) Store() *store.Store { return q.store }

// Enqueue creates a pending job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, projectID, userID string, priority int) (string, error) {
	if projectID == "" {
		return "", errors.ValidationError("project id is required").Build()
	}
	if userID == "" {
		return "", errors.ValidationError("user id is required").Build()
	}

	job := &store.Job{
		ID:        q.newID(),
		ProjectID: projectID,
		UserID:    userID,
		Status:    store.StatusPending,
		Priority:  priority,
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return "", err
	}

	q.recorder.IncJobsEnqueued()
	slog.Info("Job enqueued", logfields.JobID(job.ID), logfields.ProjectID(projectID), logfields.UserID(userID), logfields.JobPriority(priority))
	q.emit(job.ID, "JobEnqueued", func() error {
		return q.emitter.JobEnqueued(ctx, job.ID, projectID, userID, priority)
	})
	return job.ID, nil
}

// Dequeue claims the next pending job. It returns nil when the queue is empty.
// No job is ever returned to two callers.
func (q *Queue) Dequeue(ctx context.Context) (*store.Job, error) {
	job, ok, err := q.store.ClaimNextPending(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	slog.Debug("Job claimed", logfields.JobID(job.ID), logfields.JobPriority(job.Priority))
	q.emit(job.ID, "JobClaimed", func() error { return q.emitter.JobClaimed(ctx, job.ID) })
	return job, nil
}

// UpdateProgress records progress and step and appends logs.
// A progress of 0 marks the job as building.
func (q *Queue) UpdateProgress(ctx context.Context, id string, progress int, step string, logs []store.LogEntry) error {
	upd := store.JobUpdate{
		Progress:   store.Ptr(progress),
		AppendLogs: logs,
		MaxLogs:    q.maxLogs,
	}
	if step != "" {
		upd.CurrentStep = store.Ptr(step)
	}
	if progress == 0 {
		upd.Status = store.Ptr(store.StatusBuilding)
	}
	if _, err := q.store.UpdateJob(ctx, id, upd); err != nil {
		return err
	}
	q.emit(id, "JobProgressed", func() error { return q.emitter.JobProgressed(ctx, id, progress, step) })
	return nil
}

// AppendLog appends entries to the job log without touching progress.
func (q *Queue) AppendLog(ctx context.Context, id string, entries ...store.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := q.store.UpdateJob(ctx, id, store.JobUpdate{AppendLogs: entries, MaxLogs: q.maxLogs})
	return err
}

// CompleteJob marks the job completed with its preview location.
func (q *Queue) CompleteJob(ctx context.Context, id, previewURL string, port int) error {
	now := q.now()
	job, err := q.store.UpdateJob(ctx, id, store.JobUpdate{
		Status:      store.Ptr(store.StatusCompleted),
		Progress:    store.Ptr(100),
		PreviewURL:  store.Ptr(previewURL),
		Port:        store.Ptr(port),
		CompletedAt: &now,
	})
	if err != nil {
		return err
	}

	var duration time.Duration
	if job.StartedAt != nil {
		duration = now.Sub(*job.StartedAt)
		q.recorder.ObserveBuildDuration(duration)
	}
	q.recorder.IncJobOutcome(string(store.StatusCompleted))
	slog.Info("Job completed", logfields.JobID(id), logfields.URL(previewURL), logfields.Port(port), logfields.DurationMS(float64(duration.Milliseconds())))
	q.emit(id, "JobCompleted", func() error { return q.emitter.JobCompleted(ctx, id, previewURL, port, duration) })
	return nil
}

// FailJob marks the job failed with errMsg and appends logs.
func (q *Queue) FailJob(ctx context.Context, id, errMsg string, logs []store.LogEntry) error {
	now := q.now()
	_, err := q.store.UpdateJob(ctx, id, store.JobUpdate{
		Status:      store.Ptr(store.StatusFailed),
		Error:       store.Ptr(errMsg),
		AppendLogs:  logs,
		MaxLogs:     q.maxLogs,
		CompletedAt: &now,
	})
	if err != nil {
		return err
	}
	q.recorder.IncJobOutcome(string(store.StatusFailed))
	slog.Warn("Job failed", logfields.JobID(id), slog.String("reason", errMsg))
	q.emit(id, "JobFailed", func() error { return q.emitter.JobFailed(ctx, id, errMsg) })
	return nil
}

// CancelJob cancels a non-terminal job owned by userID.
// It does not stop a running worker.
func (q *Queue) CancelJob(ctx context.Context, id, userID string) error {
	job, err := q.Get(ctx, id, userID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrInvalidState.WithContext("job_id", id).WithContext("status", string(job.Status))
	}

	now := q.now()
	_, err = q.store.UpdateJob(ctx, id, store.JobUpdate{Status: store.Ptr(store.StatusCancelled), CompletedAt: &now})
	if stderrors.Is(err, store.ErrJobTerminal) {
		return ErrInvalidState.WithContext("job_id", id)
	}
	if err != nil {
		return err
	}
	q.recorder.IncJobOutcome(string(store.StatusCancelled))
	slog.Info("Job cancelled", logfields.JobID(id), logfields.UserID(userID))
	q.emit(id, "JobCancelled", func() error { return q.emitter.JobCancelled(ctx, id, userID) })
	return nil
}

// QueuePosition returns the 1-based position of a pending job, or 0 once it has left the queue.
func (q *Queue) QueuePosition(ctx context.Context, id string) (int, error) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return 0, err
	}
	if job.Status != store.StatusPending {
		return 0, nil
	}
	ahead, err := q.store.CountAhead(ctx, id)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

// Stats returns job counts by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Pending:   counts[store.StatusPending],
		Queued:    counts[store.StatusQueued],
		Building:  counts[store.StatusBuilding],
		Completed: counts[store.StatusCompleted],
		Failed:    counts[store.StatusFailed],
		Cancelled: counts[store.StatusCancelled],
	}
	for _, n := range counts {
		s.Total += n
	}
	return s, nil
}

// Get returns a job owned by userID.
func (q *Queue) Get(ctx context.Context, id, userID string) (*store.Job, error) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrUnauthorized.WithContext("job_id", id)
	}
	return job, nil
}

// ListForUser returns a user's most recent jobs.
func (q *Queue) ListForUser(ctx context.Context, userID string, limit int) ([]*store.Job, error) {
	return q.store.ListJobsByUser(ctx, userID, limit)
}

// Retry re-enqueues a failed job as a fresh job with the same project and priority.
func (q *Queue) Retry(ctx context.Context, id, userID string) (string, error) {
	job, err := q.Get(ctx, id, userID)
	if err != nil {
		return "", err
	}
	if job.Status != store.StatusFailed {
		return "", ErrInvalidState.WithContext("job_id", id).WithContext("status", string(job.Status))
	}
	newID, err := q.Enqueue(ctx, job.ProjectID, job.UserID, job.Priority)
	if err != nil {
		return "", err
	}
	slog.Info("Job retried", logfields.JobID(newID), slog.String("retry_of", id))
	return newID, nil
}

// MarkNotified records that the outcome notification for the job was sent.
func (q *Queue) MarkNotified(ctx context.Context, id string) error {
	return q.store.MarkNotificationSent(ctx, id)
}

func (q *Queue) emit(jobID, event string, fn func() error) {
	if q.emitter == nil {
		return
	}
	if err := fn(); err != nil {
		slog.Warn("Failed to emit "+event+" event", logfields.JobID(jobID), logfields.Error(err))
	}
}
