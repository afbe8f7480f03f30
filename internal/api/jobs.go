package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/previewd/internal/eventstore"
	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
	"git.home.luguber.info/inful/previewd/internal/logfields"
	"git.home.luguber.info/inful/previewd/internal/push"
	"git.home.luguber.info/inful/previewd/internal/store"
)

const defaultJobLimit = 50

type enqueueRequest struct {
	ProjectID string `json:"projectId"`
	Priority  int    `json:"priority"`
}

type enqueueResponse struct {
	JobID         string `json:"jobId"`
	QueuePosition int    `json:"queuePosition"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.Error(w, r, err)
		return
	}
	userID := userFrom(r)
	ctx := r.Context()

	id, err := s.deps.Queue.Enqueue(ctx, req.ProjectID, userID, req.Priority)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	pos, err := s.deps.Queue.QueuePosition(ctx, id)
	if err != nil {
		s.Error(w, r, err)
		return
	}

	if s.deps.Notifications != nil {
		job := &store.Job{ID: id, ProjectID: req.ProjectID, UserID: userID, Priority: req.Priority}
		if _, nerr := s.deps.Notifications.BuildQueued(ctx, job, pos); nerr != nil {
			slog.Warn("Queued notification failed", logfields.JobID(id), logfields.Error(nerr))
		}
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: id, QueuePosition: pos})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.Error(w, r, errors.ValidationError("limit must be a positive integer").WithContext("limit", v).Build())
			return
		}
		limit = n
	}
	jobs, err := s.deps.Queue.ListForUser(r.Context(), userFrom(r), limit)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Queue.Get(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	if err != nil {
		s.Error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.deps.Queue.Get(r.Context(), id, userFrom(r))
	if err != nil {
		s.Error(w, r, err)
		return
	}
	pos, err := s.deps.Queue.QueuePosition(r.Context(), id)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": id, "status": job.Status, "queuePosition": pos})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := userFrom(r)
	ctx := r.Context()

	if err := s.deps.Queue.CancelJob(ctx, id, userID); err != nil {
		s.Error(w, r, err)
		return
	}
	job, err := s.deps.Queue.Get(ctx, id, userID)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	if s.deps.Notifications != nil {
		if _, nerr := s.deps.Notifications.BuildCancelled(ctx, job); nerr != nil {
			slog.Warn("Cancelled notification failed", logfields.JobID(id), logfields.Error(nerr))
		}
	}
	if s.deps.Push != nil {
		s.deps.Push.SendJobUpdate(userID, push.JobUpdate{JobID: id, Status: string(store.StatusCancelled), Progress: job.Progress})
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	newID, err := s.deps.Queue.Retry(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	if err != nil {
		s.Error(w, r, err)
		return
	}
	pos, err := s.deps.Queue.QueuePosition(r.Context(), newID)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: newID, QueuePosition: pos})
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Queue.Get(r.Context(), id, userFrom(r)); err != nil {
		s.Error(w, r, err)
		return
	}
	if s.deps.Workers == nil {
		s.Error(w, r, errors.RuntimeError("workers unavailable").Build())
		return
	}
	if err := s.deps.Workers.Stop(id); err != nil {
		s.Error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": id, "stopped": true})
}

type eventView struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Queue.Get(r.Context(), id, userFrom(r)); err != nil {
		s.Error(w, r, err)
		return
	}
	if s.deps.Events == nil {
		s.Error(w, r, errors.RuntimeError("event history disabled").Build())
		return
	}
	events, err := s.deps.Events.GetByJobID(r.Context(), id)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, eventView{ID: ev.ID(), Type: ev.Type(), Timestamp: ev.Timestamp(), Payload: ev.Payload()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":   views,
		"timeline": eventstore.Summarize(id, events),
	})
}
