package push

import "time"

// Event names written on the stream.
const (
	EventConnected    = "connected"
	EventPing         = "ping"
	EventJobUpdate    = "job_update"
	EventNotification = "notification"
	EventError        = "error"
)

// Connected is the first event on every connection.
type Connected struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// Ping is the heartbeat event.
type Ping struct {
	Timestamp time.Time `json:"timestamp"`
}

// JobUpdate reports a job's progress.
type JobUpdate struct {
	JobID       string `json:"jobId"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	CurrentStep string `json:"currentStep,omitempty"`
	PreviewURL  string `json:"previewUrl,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Notification mirrors a persisted notification.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ActionURL string    `json:"actionUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ErrorEvent tells the client something went wrong server side.
type ErrorEvent struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
