package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock returns a clock that advances by step on every call.
func fixedClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(step)
		return cur
	}
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createJob(t *testing.T, s *Store, id string, priority int) {
	t.Helper()
	require.NoError(t, s.CreateJob(t.Context(), &Job{ID: id, ProjectID: "proj-" + id, UserID: "user-1", Priority: priority}))
}

func TestClaimOrdersByPriorityThenCreation(t *testing.T) {
	s := newTestStore(t, WithClock(fixedClock(time.Unix(1000, 0), time.Millisecond)))
	createJob(t, s, "A", 0)
	createJob(t, s, "B", 5)
	createJob(t, s, "C", 0)

	var order []string
	for {
		job, ok, err := s.ClaimNextPending(t.Context())
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.Equal(t, StatusQueued, job.Status)
		assert.NotNil(t, job.StartedAt)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"B", "A", "C"}, order)
}

func TestClaimBreaksTimestampTiesByInsertionOrder(t *testing.T) {
	same := time.Unix(5000, 0)
	s := newTestStore(t, WithClock(func() time.Time { return same }))
	createJob(t, s, "first", 1)
	createJob(t, s, "second", 1)

	job, ok, err := s.ClaimNextPending(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", job.ID)
}

func TestConcurrentClaimsNeverShareAJob(t *testing.T) {
	s := newTestStore(t)
	const jobs = 40
	for i := range jobs {
		createJob(t, s, fmt.Sprintf("job-%02d", i), i%3)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := s.ClaimNextPending(t.Context())
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestUpdateJobRejectsTerminal(t *testing.T) {
	s := newTestStore(t)
	createJob(t, s, "J", 0)

	_, err := s.UpdateJob(t.Context(), "J", JobUpdate{Status: Ptr(StatusCompleted), Progress: Ptr(100)})
	require.NoError(t, err)

	_, err = s.UpdateJob(t.Context(), "J", JobUpdate{Status: Ptr(StatusFailed), Error: Ptr("late")})
	require.ErrorIs(t, err, ErrJobTerminal)

	job, err := s.GetJob(t.Context(), "J")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Empty(t, job.Error)

	_, err = s.UpdateJob(t.Context(), "missing", JobUpdate{Progress: Ptr(1)})
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestUpdateJobAppendsBoundedLogs(t *testing.T) {
	s := newTestStore(t)
	createJob(t, s, "J", 0)

	for i := range 5 {
		_, err := s.UpdateJob(t.Context(), "J", JobUpdate{
			AppendLogs: []LogEntry{{Stream: "stdout", Line: fmt.Sprintf("line %d", i)}},
			MaxLogs:    3,
		})
		require.NoError(t, err)
	}

	job, err := s.GetJob(t.Context(), "J")
	require.NoError(t, err)
	require.Len(t, job.Logs, 3)
	assert.Equal(t, "line 2", job.Logs[0].Line)
	assert.Equal(t, "line 4", job.Logs[2].Line)
}

func TestUpdateJobClampsProgress(t *testing.T) {
	s := newTestStore(t)
	createJob(t, s, "J", 0)

	job, err := s.UpdateJob(t.Context(), "J", JobUpdate{Progress: Ptr(140)})
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)
}

func TestCountAheadAndStatusCounts(t *testing.T) {
	s := newTestStore(t, WithClock(fixedClock(time.Unix(1000, 0), time.Millisecond)))
	createJob(t, s, "A", 0)
	createJob(t, s, "B", 5)
	createJob(t, s, "C", 0)

	ahead := func(id string) int {
		n, err := s.CountAhead(t.Context(), id)
		require.NoError(t, err)
		return n
	}
	assert.Equal(t, 0, ahead("B"))
	assert.Equal(t, 1, ahead("A"))
	assert.Equal(t, 2, ahead("C"))

	_, _, err := s.ClaimNextPending(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, ahead("C"))

	counts, err := s.CountByStatus(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusQueued])
	assert.Equal(t, 0, counts[StatusFailed])
}

func TestFailInterrupted(t *testing.T) {
	s := newTestStore(t)
	createJob(t, s, "pending", 0)
	createJob(t, s, "claimed", 9)
	_, _, err := s.ClaimNextPending(t.Context())
	require.NoError(t, err)

	failed, err := s.FailInterrupted(t.Context(), "interrupted by restart")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "claimed", failed[0].ID)
	assert.Equal(t, StatusFailed, failed[0].Status)
	assert.NotNil(t, failed[0].CompletedAt)

	job, err := s.GetJob(t.Context(), "pending")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
}

func TestNotificationsScopedPerUser(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	for i, user := range []string{"alice", "alice", "bob"} {
		require.NoError(t, s.CreateNotification(ctx, &Notification{
			ID: fmt.Sprintf("n%d", i), UserID: user, Type: NotifyBuildCompleted, Title: "t", Message: "m",
		}))
	}

	n, err := s.MarkAllNotificationsRead(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	unread, err := s.CountUnread(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, unread)
	unread, err = s.CountUnread(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	list, err := s.ListNotifications(ctx, "bob", true, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "n2", list[0].ID)
}

func TestDeleteReadNotificationsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	old := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, s.CreateNotification(ctx, &Notification{ID: "old-read", UserID: "u", Type: NotifyBuildFailed, Read: true, CreatedAt: old}))
	require.NoError(t, s.CreateNotification(ctx, &Notification{ID: "old-unread", UserID: "u", Type: NotifyBuildFailed, CreatedAt: old}))
	require.NoError(t, s.CreateNotification(ctx, &Notification{ID: "new-read", UserID: "u", Type: NotifyBuildFailed, Read: true}))

	n, err := s.DeleteReadNotificationsBefore(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetNotification(ctx, "old-read")
	assert.True(t, errors.Is(err, ErrNotificationNotFound))
	_, err = s.GetNotification(ctx, "old-unread")
	assert.NoError(t, err)
}

func TestProjectUpsertAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.UpsertProject(ctx, &Project{ID: "p1", UserID: "u1", Name: "site"}))
	require.NoError(t, s.UpdateProject(ctx, "p1", ProjectUpdate{
		Type:        Ptr("bundlerFramework"),
		BuildStatus: Ptr(ProjectRunning),
		PreviewURL:  Ptr("http://localhost:4000"),
		Port:        Ptr(4000),
	}))

	p, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, ProjectRunning, p.BuildStatus)
	assert.Equal(t, 4000, p.Port)
	assert.Equal(t, "bundlerFramework", p.Type)

	require.NoError(t, s.UpsertProject(ctx, &Project{ID: "p1", UserID: "u1", Name: "renamed"}))
	p, err = s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", p.Name)
	assert.Equal(t, ProjectRunning, p.BuildStatus, "upsert keeps build state")

	require.ErrorIs(t, s.UpdateProject(ctx, "nope", ProjectUpdate{}), ErrProjectNotFound)
}

func TestSecondHandleWaitsForWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "previewd.db")
	daemon, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = daemon.Close() })
	cli, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	held := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- daemon.inTx(t.Context(), func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(t.Context(),
				`INSERT INTO projects (id, user_id, updated_at) VALUES ('p1', 'u1', 0)`); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	time.AfterFunc(200*time.Millisecond, func() { close(release) })

	require.NoError(t, cli.CreateJob(t.Context(), &Job{ID: "j1", ProjectID: "p1", UserID: "u1"}))
	require.NoError(t, <-txDone)

	got, err := daemon.GetJob(t.Context(), "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}
