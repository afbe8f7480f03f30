package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultWarning ResultLabel = "warning"
	ResultFatal   ResultLabel = "fatal"
	ResultSkipped ResultLabel = "skipped"
)

// Recorder defines observability hooks for queue, worker and push metrics.
// All implementations must be safe for concurrent use.
type Recorder interface {
	IncJobsEnqueued()
	IncJobOutcome(outcome string) // completed|failed|cancelled
	ObserveBuildDuration(d time.Duration)
	ObserveStageDuration(stage string, d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	SetActiveWorkers(n int)
	SetPushConnections(n int)
	SetPortsClaimed(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncJobsEnqueued()                           {}
func (NoopRecorder) IncJobOutcome(string)                       {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)         {}
func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) IncStageResult(string, ResultLabel)         {}
func (NoopRecorder) SetActiveWorkers(int)                       {}
func (NoopRecorder) SetPushConnections(int)                     {}
func (NoopRecorder) SetPortsClaimed(int)                        {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
