package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestContextAttributesAreLogged(t *testing.T) {
	buf := captureLogs(t)

	ctx := WithJob(context.Background(), "job-1", "user-1", "proj-1")
	ctx = WithStage(ctx, "installing")
	InfoContext(ctx, "Installing dependencies", slog.Int("attempt", 1))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "job-1", rec["job_id"])
	assert.Equal(t, "user-1", rec["user_id"])
	assert.Equal(t, "proj-1", rec["project_id"])
	assert.Equal(t, "installing", rec["stage"])
	assert.InDelta(t, 1, rec["attempt"], 0)
}

func TestWithStageKeepsJobIdentity(t *testing.T) {
	ctx := WithJob(context.Background(), "job-1", "user-1", "proj-1")
	ctx = WithStage(WithStage(ctx, "extracting"), "analyzing")

	lc := GetContext(ctx)
	assert.Equal(t, "job-1", lc.JobID)
	assert.Equal(t, "analyzing", lc.Stage)
}

func TestEmptyContextLogsOnlyGivenAttrs(t *testing.T) {
	buf := captureLogs(t)
	DebugContext(context.Background(), "plain")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	_, hasJob := rec["job_id"]
	assert.False(t, hasJob)
}
