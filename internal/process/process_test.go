package process

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/previewd/internal/foundation/errors"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

type lineCollector struct {
	mu    sync.Mutex
	lines map[string][]string
}

func (c *lineCollector) add(stream, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lines == nil {
		c.lines = map[string][]string{}
	}
	c.lines[stream] = append(c.lines[stream], line)
}

func (c *lineCollector) get(stream string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines[stream]...)
}

func TestRunCapturesStreams(t *testing.T) {
	requireShell(t)
	var lines lineCollector

	res, err := Run(t.Context(), Spec{
		Name:   "sh",
		Args:   []string{"-c", "echo one; echo two; echo oops >&2"},
		OnLine: lines.add,
	})
	require.NoError(t, err)
	assert.NoError(t, res.ExitErr)
	assert.Equal(t, []string{"one", "two"}, lines.get(Stdout))
	assert.Equal(t, []string{"oops"}, lines.get(Stderr))
	assert.Equal(t, "oops", res.StderrTail)
}

func TestRunNonZeroExitIsProcessError(t *testing.T) {
	requireShell(t)
	res, err := Run(t.Context(), Spec{Name: "sh", Args: []string{"-c", "echo 'Error: EADDRINUSE' >&2; exit 3"}})
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryProcess))
	assert.Contains(t, res.StderrTail, "EADDRINUSE")
}

func TestRunPassesEnvAndDir(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	var lines lineCollector
	_, err := Run(t.Context(), Spec{
		Name:   "sh",
		Args:   []string{"-c", `echo "$PREVIEW_PORT"; pwd`},
		Dir:    dir,
		Env:    []string{"PREVIEW_PORT=4321"},
		OnLine: lines.add,
	})
	require.NoError(t, err)
	out := lines.get(Stdout)
	require.Len(t, out, 2)
	assert.Equal(t, "4321", out[0])
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := Spawn(t.Context(), Spec{Name: "definitely-not-a-real-binary-previewd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executable file not found")
}

func TestStopEscalatesToKill(t *testing.T) {
	requireShell(t)
	p, err := Spawn(t.Context(), Spec{Name: "sh", Args: []string{"-c", "trap '' TERM; while true; do sleep 0.1; done"}})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop(300*time.Millisecond))
	assert.True(t, p.Exited())
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestStopGraceful(t *testing.T) {
	requireShell(t)
	p, err := Spawn(t.Context(), Spec{Name: "sh", Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)
	assert.False(t, p.Exited())

	require.NoError(t, p.Stop(5*time.Second))
	select {
	case <-p.Done():
	default:
		t.Fatal("done channel not closed after Stop")
	}
	require.NoError(t, p.Stop(time.Second), "stopping twice is a no-op")
}

func TestRunCancelledByContext(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	_, err := Run(ctx, Spec{Name: "sh", Args: []string{"-c", "sleep 30"}})
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryTimeout))
}
