// Package eventstore keeps an append-only log of job lifecycle events.
package eventstore

import (
	"encoding/json"
	"log/slog"
	"time"
)

// JobTimeline is a read model reconstructed from a job's events.
type JobTimeline struct {
	JobID         string        `json:"job_id"`
	Status        string        `json:"status"`
	EnqueuedAt    time.Time     `json:"enqueued_at,omitzero"`
	ClaimedAt     time.Time     `json:"claimed_at,omitzero"`
	FinishedAt    time.Time     `json:"finished_at,omitzero"`
	Wait          time.Duration `json:"wait_ns,omitempty"`
	Build         time.Duration `json:"build_ns,omitempty"`
	Steps         []string      `json:"steps,omitempty"`
	LastProgress  int           `json:"last_progress"`
	PreviewURL    string        `json:"preview_url,omitempty"`
	Error         string        `json:"error,omitempty"`
	EventCount    int           `json:"event_count"`
	UnknownEvents int           `json:"unknown_events,omitempty"`
}

// Summarize folds events (in insertion order) into a timeline.
func Summarize(jobID string, events []Event) JobTimeline {
	tl := JobTimeline{JobID: jobID, EventCount: len(events)}

	for _, ev := range events {
		switch ev.Type() {
		case TypeJobEnqueued:
			tl.Status = "pending"
			tl.EnqueuedAt = ev.Timestamp()
		case TypeJobClaimed:
			tl.Status = "queued"
			tl.ClaimedAt = ev.Timestamp()
		case TypeJobProgressed:
			tl.Status = "building"
			var p JobProgressedPayload
			if decode(ev, &p) {
				tl.LastProgress = p.Progress
				if p.Step != "" && (len(tl.Steps) == 0 || tl.Steps[len(tl.Steps)-1] != p.Step) {
					tl.Steps = append(tl.Steps, p.Step)
				}
			}
		case TypeJobCompleted:
			tl.Status = "completed"
			tl.FinishedAt = ev.Timestamp()
			tl.LastProgress = 100
			var p JobCompletedPayload
			if decode(ev, &p) {
				tl.PreviewURL = p.PreviewURL
			}
		case TypeJobFailed:
			tl.Status = "failed"
			tl.FinishedAt = ev.Timestamp()
			var p JobFailedPayload
			if decode(ev, &p) {
				tl.Error = p.Error
			}
		case TypeJobCancelled:
			tl.Status = "cancelled"
			tl.FinishedAt = ev.Timestamp()
		default:
			tl.UnknownEvents++
		}
	}

	if !tl.EnqueuedAt.IsZero() && !tl.ClaimedAt.IsZero() {
		tl.Wait = tl.ClaimedAt.Sub(tl.EnqueuedAt)
	}
	if !tl.ClaimedAt.IsZero() && !tl.FinishedAt.IsZero() {
		tl.Build = tl.FinishedAt.Sub(tl.ClaimedAt)
	}
	return tl
}

func decode(ev Event, out any) bool {
	if err := json.Unmarshal(ev.Payload(), out); err != nil {
		slog.Warn("Skipping undecodable event payload", "job_id", ev.JobID(), "event_type", ev.Type(), "error", err)
		return false
	}
	return true
}
