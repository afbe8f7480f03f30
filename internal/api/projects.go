package api

import (
	stderrors "errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
	"git.home.luguber.info/inful/previewd/internal/store"
)

var errProjectOwner = errors.UnauthorizedError("project belongs to another user").Build()

func (s *Server) ownedProject(r *http.Request, id string) (*store.Project, error) {
	p, err := s.deps.Queue.Store().GetProject(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userFrom(r) {
		return nil, errProjectOwner.WithContext("project_id", id)
	}
	return p, nil
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedProject(r, chi.URLParam(r, "id"))
	if err != nil {
		s.Error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleUploadArchive stores the request body as the project's zip archive,
// registering the project for the caller on first upload.
func (s *Server) handleUploadArchive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archives == nil {
		s.Error(w, r, errors.RuntimeError("archive storage unavailable").Build())
		return
	}
	id := chi.URLParam(r, "id")
	userID := userFrom(r)
	ctx := r.Context()

	existing, err := s.ownedProject(r, id)
	if err != nil && !stderrors.Is(err, store.ErrProjectNotFound) {
		s.Error(w, r, err)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxArchiveBytes))
	if err != nil {
		s.Error(w, r, errors.ValidationError("archive too large or unreadable").WithCause(err).Build())
		return
	}
	if len(data) == 0 {
		s.Error(w, r, errors.ValidationError("archive is empty").Build())
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = id
		if existing != nil {
			name = existing.Name
		}
	}
	if err := s.deps.Queue.Store().UpsertProject(ctx, &store.Project{ID: id, UserID: userID, Name: name}); err != nil {
		s.Error(w, r, err)
		return
	}
	hash, err := s.deps.Archives.Put(ctx, id, data)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projectId": id, "hash": hash, "size": len(data)})
}
