package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"git.home.luguber.info/inful/previewd/internal/logfields"
	"git.home.luguber.info/inful/previewd/internal/metrics"
	"git.home.luguber.info/inful/previewd/internal/process"
)

// HandleStatus is the lifecycle state of a registered worker.
type HandleStatus string

const (
	HandleBuilding HandleStatus = "building"
	HandleRunning  HandleStatus = "running"
	HandleStopping HandleStatus = "stopping"
)

// Info is a point-in-time view of a worker.
type Info struct {
	JobID     string       `json:"jobId"`
	ProjectID string       `json:"projectId"`
	UserID    string       `json:"userId"`
	PID       int          `json:"pid,omitempty"`
	Status    HandleStatus `json:"status"`
	Port      int          `json:"port,omitempty"`
	StartedAt time.Time    `json:"startedAt"`
}

// Handle owns the resources of one job: its build context, the preview
// server and the port claim.
type Handle struct {
	jobID     string
	projectID string
	userID    string
	startedAt time.Time
	grace     time.Duration
	cancel    context.CancelFunc

	mu       sync.Mutex
	status   HandleStatus
	port     int
	server   process.Handle
	releases []func()
	torn     bool
	once     sync.Once
}

// JobID returns the job the handle belongs to.
func (h *Handle) JobID() string { return h.jobID }

func (h *Handle) setPort(port int) {
	h.mu.Lock()
	h.port = port
	h.mu.Unlock()
}

// setServer attaches the preview server. A server attached after teardown
// is stopped at once.
func (h *Handle) setServer(srv process.Handle) {
	h.mu.Lock()
	if !h.torn {
		h.server = srv
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	if err := srv.Stop(h.grace); err != nil {
		slog.Warn("Failed to stop preview server", logfields.JobID(h.jobID), logfields.Error(err))
	}
}

func (h *Handle) setStatus(s HandleStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// onRelease registers fn to run once when the handle is torn down.
// Functions run in reverse registration order; after teardown fn runs
// immediately.
func (h *Handle) onRelease(fn func()) {
	h.mu.Lock()
	if h.torn {
		h.mu.Unlock()
		fn()
		return
	}
	h.releases = append(h.releases, fn)
	h.mu.Unlock()
}

func (h *Handle) info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := Info{
		JobID:     h.jobID,
		ProjectID: h.projectID,
		UserID:    h.userID,
		Status:    h.status,
		Port:      h.port,
		StartedAt: h.startedAt,
	}
	if h.server != nil {
		i.PID = h.server.PID()
	}
	return i
}

// teardown stops the server and runs release functions exactly once.
func (h *Handle) teardown(grace time.Duration) {
	h.once.Do(func() {
		h.mu.Lock()
		h.status = HandleStopping
		h.torn = true
		srv := h.server
		releases := h.releases
		h.releases = nil
		h.mu.Unlock()

		if h.cancel != nil {
			h.cancel()
		}
		if srv != nil {
			if err := srv.Stop(grace); err != nil {
				slog.Warn("Failed to stop preview server", logfields.JobID(h.jobID), logfields.Error(err))
			}
		}
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	})
}

// Registry tracks live workers by job id.
type Registry struct {
	mu       sync.Mutex
	handles  map[string]*Handle
	grace    time.Duration
	recorder metrics.Recorder
	now      func() time.Time
}

// NewRegistry creates a registry. grace bounds how long Stop waits for a
// preview server to exit after SIGTERM.
func NewRegistry(grace time.Duration, recorder metrics.Recorder) *Registry {
	if grace <= 0 {
		grace = process.DefaultGrace
	}
	return &Registry{
		handles:  make(map[string]*Handle),
		grace:    grace,
		recorder: metrics.OrNoop(recorder),
		now:      time.Now,
	}
}

// Register creates the handle for jobID. cancel aborts the job's build context.
func (r *Registry) Register(jobID, projectID, userID string, cancel context.CancelFunc) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[jobID]; ok {
		return nil, ErrAlreadyRegistered.WithContext("job_id", jobID)
	}
	h := &Handle{
		jobID:     jobID,
		projectID: projectID,
		userID:    userID,
		startedAt: r.now(),
		grace:     r.grace,
		cancel:    cancel,
		status:    HandleBuilding,
	}
	r.handles[jobID] = h
	r.recorder.SetActiveWorkers(len(r.handles))
	return h, nil
}

// Get returns the handle for jobID.
func (r *Registry) Get(jobID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[jobID]
	return h, ok
}

// List returns a snapshot of all workers, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// detach removes h if it is still the registered handle for its job.
func (r *Registry) detach(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.handles[h.jobID]
	if !ok || cur != h {
		return false
	}
	delete(r.handles, h.jobID)
	r.recorder.SetActiveWorkers(len(r.handles))
	return true
}

// Stop tears down the worker of jobID and removes it.
func (r *Registry) Stop(jobID string) error {
	h, ok := r.Get(jobID)
	if !ok {
		return ErrNotRunning.WithContext("job_id", jobID)
	}
	r.release(h)
	slog.Info("Worker stopped", logfields.JobID(jobID))
	return nil
}

// release detaches and tears down h.
func (r *Registry) release(h *Handle) {
	r.detach(h)
	h.teardown(r.grace)
}

// StopAll tears down every worker.
func (r *Registry) StopAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			r.release(h)
		}(h)
	}
	wg.Wait()
}

// watch removes h when its server exits on its own. onExit runs only in that case.
func (r *Registry) watch(h *Handle, srv process.Handle, onExit func(exitErr error)) {
	go func() {
		<-srv.Done()
		if !r.detach(h) {
			return
		}
		slog.Info("Preview server exited", logfields.JobID(h.jobID), logfields.Error(srv.ExitErr()))
		h.teardown(r.grace)
		if onExit != nil {
			onExit(srv.ExitErr())
		}
	}()
}
