package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyJobID       = "job_id"
	KeyJobStatus   = "job_status"
	KeyJobPriority = "job_priority"
	KeyUserID      = "user_id"
	KeyProjectID   = "project_id"
	KeyProjectType = "project_type"
	KeyStage       = "stage"
	KeyPort        = "port"
	KeyPID         = "pid"
	KeyCommand     = "command"
	KeyPath        = "path"
	KeyURL         = "url"
	KeyDurationMS  = "duration_ms"
	KeyCount       = "count"
	KeyMethod      = "method"
	KeyRequestID   = "request_id"
	KeyError       = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func JobID(id string) slog.Attr        { return slog.String(KeyJobID, id) }
func JobStatus(s string) slog.Attr     { return slog.String(KeyJobStatus, s) }
func JobPriority(p int) slog.Attr      { return slog.Int(KeyJobPriority, p) }
func UserID(id string) slog.Attr       { return slog.String(KeyUserID, id) }
func ProjectID(id string) slog.Attr    { return slog.String(KeyProjectID, id) }
func ProjectType(t string) slog.Attr   { return slog.String(KeyProjectType, t) }
func Stage(name string) slog.Attr      { return slog.String(KeyStage, name) }
func Port(p int) slog.Attr             { return slog.Int(KeyPort, p) }
func PID(pid int) slog.Attr            { return slog.Int(KeyPID, pid) }
func Command(c string) slog.Attr       { return slog.String(KeyCommand, c) }
func Path(p string) slog.Attr          { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr           { return slog.String(KeyURL, u) }
func DurationMS(ms float64) slog.Attr  { return slog.Float64(KeyDurationMS, ms) }
func Count(n int) slog.Attr            { return slog.Int(KeyCount, n) }
func Method(m string) slog.Attr        { return slog.String(KeyMethod, m) }
func RequestID(id string) slog.Attr    { return slog.String(KeyRequestID, id) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
