package push

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufStream struct {
	mu     sync.Mutex
	buf    strings.Builder
	fail   bool
	writes int
}

func (s *bufStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("broken pipe")
	}
	s.writes++
	return s.buf.Write(p)
}

func (s *bufStream) Flush() {}

func (s *bufStream) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *bufStream) breakPipe() {
	s.mu.Lock()
	s.fail = true
	s.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingMirror struct {
	mu     sync.Mutex
	events []string
}

func (m *recordingMirror) Publish(userID, event string, _ []byte) error {
	m.mu.Lock()
	m.events = append(m.events, userID+":"+event)
	m.mu.Unlock()
	return nil
}

func newTestHub(opts ...Option) *Hub {
	return NewHub(append([]Option{WithHeartbeat(time.Hour)}, opts...)...)
}

// attach opens a connection for userID and serves it to s until the test ends.
func attach(t *testing.T, h *Hub, userID string, s Stream) *Conn {
	t.Helper()
	c, err := h.Open(userID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		_ = h.Serve(ctx, c, s)
		close(served)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
	})
	return c
}

func frameCount(s *bufStream) int {
	return strings.Count(s.String(), "\n\n")
}

func TestOpenWritesConnectedEvent(t *testing.T) {
	h := newTestHub()
	s := &bufStream{}

	attach(t, h, "u1", s)

	require.Eventually(t, func() bool { return frameCount(s) == 1 }, time.Second, 5*time.Millisecond)
	out := s.String()
	assert.True(t, strings.HasPrefix(out, "event: connected\ndata: "))
	assert.Contains(t, out, `"userId":"u1"`)
	assert.True(t, h.IsUserConnected("u1"))
	assert.Equal(t, 1, h.Count())
}

func TestOpenRegistersBeforeServe(t *testing.T) {
	h := newTestHub()
	_, err := h.Open("u1")
	require.NoError(t, err)

	assert.True(t, h.IsUserConnected("u1"))
}

func TestSendJobUpdateFraming(t *testing.T) {
	h := newTestHub()
	s := &bufStream{}
	attach(t, h, "u1", s)

	h.SendJobUpdate("u1", JobUpdate{JobID: "j1", Status: "building", Progress: 35, CurrentStep: "Installing dependencies"})

	require.Eventually(t, func() bool { return frameCount(s) == 2 }, time.Second, 5*time.Millisecond)
	frames := strings.Split(strings.TrimSuffix(s.String(), "\n\n"), "\n\n")
	require.Len(t, frames, 2)
	lines := strings.SplitN(frames[1], "\n", 2)
	assert.Equal(t, "event: job_update", lines[0])

	var got JobUpdate
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &got))
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, 35, got.Progress)
}

func TestSendToDisconnectedUserIsNoop(t *testing.T) {
	h := newTestHub()
	assert.NotPanics(t, func() {
		h.SendJobUpdate("nobody", JobUpdate{JobID: "j1"})
		h.SendNotification("nobody", Notification{ID: "n1"})
		h.SendError("nobody", "boom")
	})
	assert.Equal(t, 0, h.Count())
}

func TestReconnectReplacesPreviousConnection(t *testing.T) {
	h := newTestHub()
	first := &bufStream{}
	second := &bufStream{}

	c1 := attach(t, h, "u1", first)
	attach(t, h, "u1", second)

	select {
	case <-c1.Done():
	case <-time.After(time.Second):
		t.Fatal("previous connection was not closed")
	}

	h.SendNotification("u1", Notification{ID: "n1", Type: "build_completed", Title: "Preview ready"})
	require.Eventually(t, func() bool {
		return strings.Contains(second.String(), "event: notification")
	}, time.Second, 5*time.Millisecond)
	assert.NotContains(t, first.String(), "event: notification")
	assert.Equal(t, 1, h.Count())
}

func TestWriteFailureRemovesConnection(t *testing.T) {
	h := newTestHub()
	s := &bufStream{}
	attach(t, h, "u1", s)
	require.Eventually(t, func() bool { return frameCount(s) == 1 }, time.Second, 5*time.Millisecond)

	s.breakPipe()
	h.SendError("u1", "something broke")

	require.Eventually(t, func() bool { return !h.IsUserConnected("u1") }, time.Second, 5*time.Millisecond)
}

func TestSlowConnectionIsDropped(t *testing.T) {
	h := newTestHub()
	c, err := h.Open("u1")
	require.NoError(t, err)

	// The connected event already occupies one slot.
	for i := 0; i < SendBuffer; i++ {
		h.SendJobUpdate("u1", JobUpdate{JobID: "j1", Progress: i})
	}

	assert.False(t, h.IsUserConnected("u1"))
	select {
	case <-c.Done():
	default:
		t.Fatal("overflowing connection was not closed")
	}
}

func TestBroadcastReachesEveryone(t *testing.T) {
	h := newTestHub()
	a, b := &bufStream{}, &bufStream{}
	attach(t, h, "a", a)
	attach(t, h, "b", b)

	h.BroadcastJobUpdate(JobUpdate{JobID: "j1", Status: "completed", Progress: 100})

	require.Eventually(t, func() bool {
		return strings.Contains(a.String(), "event: job_update") && strings.Contains(b.String(), "event: job_update")
	}, time.Second, 5*time.Millisecond)
}

func TestCleanupStaleConnections(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	h := newTestHub(WithClock(clock.Now))

	_, err := h.Open("old")
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	_, err = h.Open("fresh")
	require.NoError(t, err)

	removed := h.CleanupStaleConnections(5 * time.Minute)

	assert.Equal(t, 1, removed)
	assert.False(t, h.IsUserConnected("old"))
	assert.True(t, h.IsUserConnected("fresh"))
}

func TestHeartbeatKeepsConnectionFresh(t *testing.T) {
	h := NewHub(WithHeartbeat(20 * time.Millisecond))
	s := &bufStream{}
	attach(t, h, "u1", s)

	require.Eventually(t, func() bool {
		return strings.Contains(s.String(), "event: ping")
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, h.CleanupStaleConnections(time.Second))
	h.Shutdown()
}

func TestMirrorSkipsPing(t *testing.T) {
	m := &recordingMirror{}
	h := NewHub(WithHeartbeat(10*time.Millisecond), WithMirror(m))
	s := &bufStream{}
	attach(t, h, "u1", s)
	h.SendJobUpdate("u1", JobUpdate{JobID: "j1"})

	require.Eventually(t, func() bool {
		return strings.Contains(s.String(), "event: ping")
	}, 2*time.Second, 5*time.Millisecond)
	h.Shutdown()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []string{"u1:connected", "u1:job_update"}, m.events)
}

func TestShutdownRefusesNewConnections(t *testing.T) {
	h := newTestHub()
	c, err := h.Open("u1")
	require.NoError(t, err)

	h.Shutdown()

	<-c.Done()
	assert.Equal(t, 0, h.Count())
	_, err = h.Open("u2")
	assert.Error(t, err)
}

func TestServeStopsWritingOnceReplaced(t *testing.T) {
	h := NewHub(WithHeartbeat(time.Millisecond))
	srv := httptest.NewServer(h)
	defer srv.Close()

	var prev *http.Response
	for i := 0; i < 40; i++ {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		req.Header.Set(UserHeader, "u1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		line, err := bufio.NewReader(resp.Body).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "event: connected\n", line)
		h.SendJobUpdate("u1", JobUpdate{JobID: "j1", Progress: i})

		if prev != nil {
			// The replaced stream must end rather than keep receiving pings.
			_, err := io.Copy(io.Discard, prev.Body)
			assert.NoError(t, err)
			prev.Body.Close()
		}
		prev = resp
	}
	prev.Body.Close()
	require.Eventually(t, func() bool { return h.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServeHTTPStreamsEvents(t *testing.T) {
	h := newTestHub()
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set(UserHeader, "u1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected\n", line)

	require.Eventually(t, func() bool { return h.IsUserConnected("u1") }, time.Second, 10*time.Millisecond)
	h.SendJobUpdate("u1", JobUpdate{JobID: "j9", Status: "queued"})

	var sawUpdate bool
	for i := 0; i < 6 && !sawUpdate; i++ {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		sawUpdate = line == "event: job_update\n"
	}
	assert.True(t, sawUpdate)

	cancel()
	require.Eventually(t, func() bool { return !h.IsUserConnected("u1") }, 2*time.Second, 10*time.Millisecond)
}

func TestServeHTTPRequiresUser(t *testing.T) {
	h := newTestHub()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/notifications/stream", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
