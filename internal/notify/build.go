package notify

import (
	"context"
	"fmt"

	"git.home.luguber.info/inful/previewd/internal/store"
)

func projectLabel(job *store.Job) string {
	return fmt.Sprintf("project %s", job.ProjectID)
}

// BuildQueued tells the owner the job is waiting at position.
func (h *Hub) BuildQueued(ctx context.Context, job *store.Job, position int) (*store.Notification, error) {
	msg := fmt.Sprintf("The preview build for %s is queued.", projectLabel(job))
	if position > 0 {
		msg = fmt.Sprintf("The preview build for %s is queued at position %d.", projectLabel(job), position)
	}
	return h.Create(ctx, job.UserID, job.ID, store.NotifyBuildQueued, "Build queued", msg, "")
}

// BuildStarted tells the owner the worker picked up the job.
func (h *Hub) BuildStarted(ctx context.Context, job *store.Job) (*store.Notification, error) {
	return h.Create(ctx, job.UserID, job.ID, store.NotifyBuildStarted, "Build started",
		fmt.Sprintf("Building a preview of %s.", projectLabel(job)), "")
}

// BuildCompleted tells the owner the preview is live at previewURL.
func (h *Hub) BuildCompleted(ctx context.Context, job *store.Job, previewURL string) (*store.Notification, error) {
	return h.Create(ctx, job.UserID, job.ID, store.NotifyBuildCompleted, "Preview ready",
		fmt.Sprintf("The preview of %s is running.", projectLabel(job)), previewURL)
}

// BuildFailed tells the owner the build failed with cause.
func (h *Hub) BuildFailed(ctx context.Context, job *store.Job, cause string) (*store.Notification, error) {
	return h.Create(ctx, job.UserID, job.ID, store.NotifyBuildFailed, "Build failed",
		fmt.Sprintf("The preview build for %s failed: %s", projectLabel(job), cause), "")
}

// BuildCancelled tells the owner the job was cancelled.
func (h *Hub) BuildCancelled(ctx context.Context, job *store.Job) (*store.Notification, error) {
	return h.Create(ctx, job.UserID, job.ID, store.NotifyBuildCancelled, "Build cancelled",
		fmt.Sprintf("The preview build for %s was cancelled.", projectLabel(job)), "")
}
