package api

import (
	"net/http"

	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
	"git.home.luguber.info/inful/previewd/internal/worker"
)

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.Error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueueHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Processor == nil {
		s.Error(w, r, errors.RuntimeError("queue processor unavailable").Build())
		return
	}
	h, err := s.deps.Processor.Health(r.Context())
	if err != nil {
		s.Error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleTrigger runs one dispatch pass immediately.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Processor == nil {
		s.Error(w, r, errors.RuntimeError("queue processor unavailable").Build())
		return
	}
	jobID, err := s.deps.Processor.Trigger(r.Context())
	if err != nil {
		s.Error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatched": jobID != "", "jobId": jobID})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	list := []worker.Info{}
	if s.deps.Workers != nil {
		list = append(list, s.deps.Workers.List()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": list, "count": len(list)})
}
