package eventstore

import (
	"context"
	"encoding/json"
	"time"
)

// Job lifecycle event types.
const (
	TypeJobEnqueued   = "JobEnqueued"
	TypeJobClaimed    = "JobClaimed"
	TypeJobProgressed = "JobProgressed"
	TypeJobCompleted  = "JobCompleted"
	TypeJobFailed     = "JobFailed"
	TypeJobCancelled  = "JobCancelled"
)

// JobEnqueuedPayload is stored with TypeJobEnqueued.
type JobEnqueuedPayload struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Priority  int    `json:"priority"`
}

// JobProgressedPayload is stored with TypeJobProgressed.
type JobProgressedPayload struct {
	Progress int    `json:"progress"`
	Step     string `json:"step"`
}

// JobCompletedPayload is stored with TypeJobCompleted.
type JobCompletedPayload struct {
	PreviewURL string `json:"preview_url"`
	Port       int    `json:"port"`
	DurationMS int64  `json:"duration_ms"`
}

// JobFailedPayload is stored with TypeJobFailed.
type JobFailedPayload struct {
	Error string `json:"error"`
}

// JobCancelledPayload is stored with TypeJobCancelled.
type JobCancelledPayload struct {
	UserID string `json:"user_id"`
}

// Emitter writes typed job lifecycle events to a Store.
type Emitter struct {
	store Store
}

// NewEmitter returns an Emitter backed by store.
func NewEmitter(store Store) *Emitter {
	return &Emitter{store: store}
}

func (e *Emitter) append(ctx context.Context, jobID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return ErrMarshalPayloadFailed.WithCause(err).WithContext("job_id", jobID)
	}
	return e.store.Append(ctx, jobID, eventType, data, nil)
}

// JobEnqueued records a new pending job.
func (e *Emitter) JobEnqueued(ctx context.Context, jobID, projectID, userID string, priority int) error {
	return e.append(ctx, jobID, TypeJobEnqueued, JobEnqueuedPayload{ProjectID: projectID, UserID: userID, Priority: priority})
}

// JobClaimed records the dequeue of a job.
func (e *Emitter) JobClaimed(ctx context.Context, jobID string) error {
	return e.append(ctx, jobID, TypeJobClaimed, struct{}{})
}

// JobProgressed records a progress update.
func (e *Emitter) JobProgressed(ctx context.Context, jobID string, progress int, step string) error {
	return e.append(ctx, jobID, TypeJobProgressed, JobProgressedPayload{Progress: progress, Step: step})
}

// JobCompleted records a successful build.
func (e *Emitter) JobCompleted(ctx context.Context, jobID, previewURL string, port int, duration time.Duration) error {
	return e.append(ctx, jobID, TypeJobCompleted, JobCompletedPayload{PreviewURL: previewURL, Port: port, DurationMS: duration.Milliseconds()})
}

// JobFailed records a failed build.
func (e *Emitter) JobFailed(ctx context.Context, jobID, errMsg string) error {
	return e.append(ctx, jobID, TypeJobFailed, JobFailedPayload{Error: errMsg})
}

// JobCancelled records a cancellation by its owner.
func (e *Emitter) JobCancelled(ctx context.Context, jobID, userID string) error {
	return e.append(ctx, jobID, TypeJobCancelled, JobCancelledPayload{UserID: userID})
}
