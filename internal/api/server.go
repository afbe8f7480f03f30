// Package api exposes the job, queue, notification and push endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"git.home.luguber.info/inful/previewd/internal/archive"
	"git.home.luguber.info/inful/previewd/internal/eventstore"
	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
	"git.home.luguber.info/inful/previewd/internal/notify"
	"git.home.luguber.info/inful/previewd/internal/processor"
	"git.home.luguber.info/inful/previewd/internal/push"
	"git.home.luguber.info/inful/previewd/internal/queue"
	"git.home.luguber.info/inful/previewd/internal/worker"
)

// MaxArchiveBytes bounds an uploaded project archive.
const MaxArchiveBytes = 256 << 20

// Dispatcher is the queue processor as seen by the API.
type Dispatcher interface {
	Health(ctx context.Context) (processor.Health, error)
	Trigger(ctx context.Context) (string, error)
}

// Workers controls live build workers.
type Workers interface {
	Stop(jobID string) error
	List() []worker.Info
}

// Deps are the services behind the API. Events, Metrics and Archives are optional.
type Deps struct {
	Queue         *queue.Queue
	Notifications *notify.Hub
	Push          *push.Hub
	Processor     Dispatcher
	Workers       Workers
	Events        eventstore.Store
	Archives      archive.Store
	Metrics       http.Handler
}

// Options configure the HTTP surface.
type Options struct {
	Addr           string
	AllowedOrigins []string
	MetricsPath    string
}

// Server is the HTTP API server.
type Server struct {
	Addr     string
	deps     Deps
	opts     Options
	router   *chi.Mux
	server   *http.Server
	errAdapt *errors.HTTPErrorAdapter
}

// NewServer creates the server and its routes.
func NewServer(deps Deps, opts Options) *Server {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	s := &Server{
		Addr:     opts.Addr,
		deps:     deps,
		opts:     opts,
		router:   chi.NewRouter(),
		errAdapt: errors.NewHTTPErrorAdapter(nil),
	}
	s.setupRoutes()

	// No write timeout: the push stream stays open indefinitely.
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(corsHandler(s.opts.AllowedOrigins))

	s.router.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.Method(http.MethodGet, s.opts.MetricsPath, s.deps.Metrics)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(requireUser)

		// The push stream must not be subject to the request timeout.
		if s.deps.Push != nil {
			r.Get("/events", s.deps.Push.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.handleEnqueue)
				r.Get("/", s.handleListJobs)
				r.Get("/{id}", s.handleGetJob)
				r.Get("/{id}/position", s.handleJobPosition)
				r.Post("/{id}/cancel", s.handleCancelJob)
				r.Post("/{id}/retry", s.handleRetryJob)
				r.Post("/{id}/stop", s.handleStopJob)
				r.Get("/{id}/events", s.handleJobEvents)
			})

			r.Route("/queue", func(r chi.Router) {
				r.Get("/stats", s.handleQueueStats)
				r.Get("/health", s.handleQueueHealth)
				r.Post("/trigger", s.handleTrigger)
			})
			r.Get("/workers", s.handleListWorkers)

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", s.handleListNotifications)
				r.Get("/unread-count", s.handleUnreadCount)
				r.Post("/read-all", s.handleMarkAllRead)
				r.Post("/{id}/read", s.handleMarkRead)
				r.Delete("/{id}", s.handleDeleteNotification)
			})

			r.Route("/projects/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetProject)
				r.Put("/archive", s.handleUploadArchive)
			})
		})
	})
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Error writes err through the HTTP error adapter.
func (s *Server) Error(w http.ResponseWriter, r *http.Request, err error) {
	s.errAdapt.WriteErrorResponse(w, r, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.ValidationError("invalid request body").WithCause(err).Build()
	}
	return nil
}
