package worker

import "git.home.luguber.info/inful/previewd/internal/foundation/errors"

var (
	// ErrAlreadyRegistered is returned when a job already has a live worker.
	ErrAlreadyRegistered = errors.InvalidStateError("job already has a worker").Build()

	// ErrNotRunning is returned when no worker is registered for a job.
	ErrNotRunning = errors.NotFoundError("no worker running for job").Build()

	// ErrServerExited is returned when the preview server exits before it becomes ready.
	ErrServerExited = errors.ProcessError("preview server exited before it became ready").Build()

	// ErrNotReady is returned when the preview server never accepts connections.
	ErrNotReady = errors.TimeoutError("preview server did not become ready").Build()

	// errCancelled aborts a build whose job was cancelled or stopped.
	errCancelled = errors.InvalidStateError("build cancelled").Build()
)
