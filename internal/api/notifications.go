package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/previewd/internal/store"
)

const defaultNotificationLimit = 50

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	var (
		list []*store.Notification
		err  error
	)
	if r.URL.Query().Get("unread") == "true" {
		list, err = s.deps.Notifications.ListUnread(r.Context(), userID, defaultNotificationLimit)
	} else {
		list, err = s.deps.Notifications.List(r.Context(), userID, defaultNotificationLimit)
	}
	if err != nil {
		s.Error(w, r, err)
		return
	}
	if list == nil {
		list = []*store.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list, "count": len(list)})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Notifications.UnreadCount(r.Context(), userFrom(r))
	if err != nil {
		s.Error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Notifications.MarkRead(r.Context(), chi.URLParam(r, "id"), userFrom(r)); err != nil {
		s.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Notifications.MarkAllRead(r.Context(), userFrom(r))
	if err != nil {
		s.Error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Notifications.Delete(r.Context(), chi.URLParam(r, "id"), userFrom(r)); err != nil {
		s.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
