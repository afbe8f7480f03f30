package store

import "time"

// JobStatus is the lifecycle state of a build job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusQueued    JobStatus = "queued"
	StatusBuilding  JobStatus = "building"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{StatusPending, StatusQueued, StatusBuilding, StatusCompleted, StatusFailed, StatusCancelled}

// Terminal reports whether no further transitions are permitted.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// LogEntry is one captured line of build output.
type LogEntry struct {
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"` // stdout, stderr or system
	Line   string    `json:"line"`
}

// Job is a persisted build job.
type Job struct {
	ID               string     `json:"id"`
	ProjectID        string     `json:"projectId"`
	UserID           string     `json:"userId"`
	Status           JobStatus  `json:"status"`
	Priority         int        `json:"priority"`
	Progress         int        `json:"progress"`
	CurrentStep      string     `json:"currentStep,omitempty"`
	Logs             []LogEntry `json:"logs,omitempty"`
	Error            string     `json:"error,omitempty"`
	Port             int        `json:"port,omitempty"`
	PreviewURL       string     `json:"previewUrl,omitempty"`
	NotificationSent bool       `json:"notificationSent"`
	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// JobUpdate is a partial update; nil fields are left unchanged.
type JobUpdate struct {
	Status      *JobStatus
	Progress    *int
	CurrentStep *string
	Error       *string
	Port        *int
	PreviewURL  *string
	StartedAt   *time.Time
	CompletedAt *time.Time

	// Logs replaces the stored log when non-nil.
	Logs []LogEntry
	// AppendLogs is appended after Logs is applied, keeping at most MaxLogs entries (0 = unbounded).
	AppendLogs []LogEntry
	MaxLogs    int
}

// NotificationType identifies the build event a notification describes.
type NotificationType string

const (
	NotifyBuildQueued    NotificationType = "build_queued"
	NotifyBuildStarted   NotificationType = "build_started"
	NotifyBuildCompleted NotificationType = "build_completed"
	NotifyBuildFailed    NotificationType = "build_failed"
	NotifyBuildCancelled NotificationType = "build_cancelled"
)

// Notification is a persisted user notification.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	JobID     string           `json:"jobId,omitempty"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	ActionURL string           `json:"actionUrl,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
}

// ProjectStatus is the build status recorded on a project.
type ProjectStatus string

const (
	ProjectIdle     ProjectStatus = "idle"
	ProjectBuilding ProjectStatus = "building"
	ProjectRunning  ProjectStatus = "running"
	ProjectFailed   ProjectStatus = "failed"
	ProjectStopped  ProjectStatus = "stopped"
)

// Project is the record of a previewable project.
type Project struct {
	ID          string        `json:"id"`
	UserID      string        `json:"userId"`
	Name        string        `json:"name"`
	Type        string        `json:"type,omitempty"`
	BuildStatus ProjectStatus `json:"buildStatus"`
	PreviewURL  string        `json:"previewUrl,omitempty"`
	Port        int           `json:"port,omitempty"`
	FileCount   int           `json:"fileCount"`
	Error       string        `json:"error,omitempty"`
	ErrorStack  string        `json:"errorStack,omitempty"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// ProjectUpdate is a partial update; nil fields are left unchanged.
type ProjectUpdate struct {
	Type        *string
	BuildStatus *ProjectStatus
	PreviewURL  *string
	Port        *int
	FileCount   *int
	Error       *string
	ErrorStack  *string
}

// Ptr returns a pointer to v, for building partial updates.
func Ptr[T any](v T) *T { return &v }
