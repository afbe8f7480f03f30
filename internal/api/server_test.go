package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/previewd/internal/archive"
	"git.home.luguber.info/inful/previewd/internal/eventstore"
	"git.home.luguber.info/inful/previewd/internal/notify"
	"git.home.luguber.info/inful/previewd/internal/processor"
	"git.home.luguber.info/inful/previewd/internal/push"
	"git.home.luguber.info/inful/previewd/internal/queue"
	"git.home.luguber.info/inful/previewd/internal/store"
	"git.home.luguber.info/inful/previewd/internal/worker"
)

type fakeDispatcher struct {
	triggered int
	next      string
}

func (d *fakeDispatcher) Health(context.Context) (processor.Health, error) {
	return processor.Health{Running: true, ActiveWorkers: 2}, nil
}

func (d *fakeDispatcher) Trigger(context.Context) (string, error) {
	d.triggered++
	return d.next, nil
}

type fakeWorkers struct {
	stopped []string
	err     error
}

func (f *fakeWorkers) Stop(jobID string) error {
	if f.err != nil {
		return f.err
	}
	f.stopped = append(f.stopped, jobID)
	return nil
}

func (f *fakeWorkers) List() []worker.Info {
	return []worker.Info{{JobID: "j1", Status: worker.HandleRunning, Port: 4100}}
}

type apiFixture struct {
	srv      *Server
	queue    *queue.Queue
	notes    *notify.Hub
	archives *archive.MemoryStore
	workers  *fakeWorkers
	disp     *fakeDispatcher
}

func newFixture(t *testing.T) *apiFixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	events, err := eventstore.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	hub := push.NewHub()
	t.Cleanup(hub.Shutdown)

	f := &apiFixture{
		queue:    queue.New(st, queue.WithEventEmitter(eventstore.NewEmitter(events))),
		notes:    notify.NewHub(st, hub),
		archives: archive.NewMemoryStore(),
		workers:  &fakeWorkers{},
		disp:     &fakeDispatcher{},
	}
	f.srv = NewServer(Deps{
		Queue:         f.queue,
		Notifications: f.notes,
		Push:          hub,
		Processor:     f.disp,
		Workers:       f.workers,
		Events:        events,
		Archives:      f.archives,
	}, Options{Addr: ":0"})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set(push.UserHeader, user)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *apiFixture) enqueue(t *testing.T, user, project string, priority int) enqueueResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/jobs", user, enqueueRequest{ProjectID: project, Priority: priority})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decode[enqueueResponse](t, rec)
}

func TestHealthzNeedsNoUser(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRequiresUser(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/jobs", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unauthorized", decode[map[string]any](t, rec)["code"])
}

func TestEnqueueReportsPositionAndNotifies(t *testing.T) {
	f := newFixture(t)

	first := f.enqueue(t, "u1", "p1", 0)
	second := f.enqueue(t, "u1", "p2", 0)
	assert.Equal(t, 1, first.QueuePosition)
	assert.Equal(t, 2, second.QueuePosition)

	rec := f.do(t, http.MethodGet, "/api/notifications/unread-count", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[map[string]int](t, rec)["count"])
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/jobs", "u1", enqueueRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/jobs", "u1", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobOwnership(t *testing.T) {
	f := newFixture(t)
	job := f.enqueue(t, "u1", "p1", 0)

	rec := f.do(t, http.MethodGet, "/api/jobs/"+job.JobID, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.StatusPending, decode[store.Job](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/api/jobs/"+job.JobID, "u2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/jobs/missing", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsScopedToUser(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "u1", "p1", 0)
	f.enqueue(t, "u2", "p2", 0)

	rec := f.do(t, http.MethodGet, "/api/jobs", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1, decode[map[string]any](t, rec)["count"], 0)

	rec = f.do(t, http.MethodGet, "/api/jobs?limit=zero", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelThenConflict(t *testing.T) {
	f := newFixture(t)
	job := f.enqueue(t, "u1", "p1", 0)

	rec := f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/cancel", "u2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/cancel", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.StatusCancelled, decode[store.Job](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/cancel", "u1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/jobs/"+job.JobID+"/position", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0, decode[map[string]any](t, rec)["queuePosition"], 0)
}

func TestRetryOnlyFailedJobs(t *testing.T) {
	f := newFixture(t)
	job := f.enqueue(t, "u1", "p1", 3)

	rec := f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/retry", "u1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	claimed, err := f.queue.Dequeue(t.Context())
	require.NoError(t, err)
	require.NoError(t, f.queue.FailJob(t.Context(), claimed.ID, "boom", nil))

	rec = f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/retry", "u1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	retried := decode[enqueueResponse](t, rec)
	assert.NotEqual(t, job.JobID, retried.JobID)
	assert.Equal(t, 1, retried.QueuePosition)
}

func TestStopDelegatesToWorkers(t *testing.T) {
	f := newFixture(t)
	job := f.enqueue(t, "u1", "p1", 0)

	rec := f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/stop", "u2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.workers.stopped)

	rec = f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/stop", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{job.JobID}, f.workers.stopped)

	f.workers.err = worker.ErrNotRunning
	rec = f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/stop", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobEventsIncludeTimeline(t *testing.T) {
	f := newFixture(t)
	job := f.enqueue(t, "u1", "p1", 0)
	_, err := f.queue.Dequeue(t.Context())
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/jobs/"+job.JobID+"/events", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events   []eventView             `json:"events"`
		Timeline eventstore.JobTimeline `json:"timeline"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, eventstore.TypeJobEnqueued, body.Events[0].Type)
	assert.Equal(t, "queued", body.Timeline.Status)
}

func TestQueueEndpoints(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "u1", "p1", 0)

	rec := f.do(t, http.MethodGet, "/api/queue/stats", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[queue.Stats](t, rec)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Total)

	rec = f.do(t, http.MethodGet, "/api/queue/health", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[processor.Health](t, rec).Running)

	f.disp.next = "j9"
	rec = f.do(t, http.MethodPost, "/api/queue/trigger", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "j9", decode[map[string]any](t, rec)["jobId"])
	assert.Equal(t, 1, f.disp.triggered)

	rec = f.do(t, http.MethodGet, "/api/workers", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1, decode[map[string]any](t, rec)["count"], 0)
}

func TestNotificationEndpoints(t *testing.T) {
	f := newFixture(t)
	n, err := f.notes.Create(t.Context(), "u1", "", store.NotifyBuildCompleted, "Preview ready", "ready", "")
	require.NoError(t, err)
	_, err = f.notes.Create(t.Context(), "u1", "", store.NotifyBuildFailed, "Build failed", "boom", "")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/notifications/"+n.ID+"/read", "u2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/notifications/"+n.ID+"/read", "u1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/notifications?unread=true", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1, decode[map[string]any](t, rec)["count"], 0)

	rec = f.do(t, http.MethodPost, "/api/notifications/read-all", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[map[string]int](t, rec)["updated"])

	rec = f.do(t, http.MethodDelete, "/api/notifications/"+n.ID, "u1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/notifications/"+n.ID, "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadArchiveRegistersProject(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/projects/p1/archive?name=Shop", "u1", []byte("PK-data"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "p1", decode[map[string]any](t, rec)["projectId"])

	data, err := f.archives.Get(t.Context(), "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte("PK-data"), data)

	rec = f.do(t, http.MethodGet, "/api/projects/p1", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[store.Project](t, rec)
	assert.Equal(t, "Shop", p.Name)
	assert.Equal(t, store.ProjectIdle, p.BuildStatus)

	rec = f.do(t, http.MethodPut, "/api/projects/p1/archive", "u2", []byte("other"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/projects/p2/archive", "u1", []byte{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPushStreamMounted(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set(push.UserHeader, "u1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, len("event: connected"))
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, "event: connected", string(buf))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/jobs", nil)
	req.Header.Set("Origin", "http://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
