package push

import (
	"log/slog"
	"net/http"

	"git.home.luguber.info/inful/previewd/internal/logfields"
)

// UserHeader carries the authenticated user identity.
const UserHeader = "X-User-ID"

type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) { return fw.w.Write(p) }
func (fw flushWriter) Flush()                      { fw.f.Flush() }

// ServeHTTP upgrades the request to an event stream and holds it open until
// the client disconnects or the connection is replaced.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	conn, err := h.Open(userID)
	if err != nil {
		slog.Debug("Push connection refused", logfields.UserID(userID), logfields.Error(err))
		return
	}

	err = h.Serve(r.Context(), conn, flushWriter{w: w, f: flusher})
	if err == nil && r.Context().Err() != nil {
		slog.Debug("Push client disconnected", logfields.UserID(userID))
	}
}
