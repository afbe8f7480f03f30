package store

import (
	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
)

var (
	// ErrJobNotFound indicates no job exists with the given id.
	ErrJobNotFound = errors.NotFoundError("job not found").Build()

	// ErrJobTerminal indicates a mutation was attempted on a completed, failed or cancelled job.
	ErrJobTerminal = errors.InvalidStateError("job is in a terminal state").Build()

	// ErrNotificationNotFound indicates no notification exists with the given id.
	ErrNotificationNotFound = errors.NotFoundError("notification not found").Build()

	// ErrProjectNotFound indicates no project exists with the given id.
	ErrProjectNotFound = errors.NotFoundError("project not found").Build()
)
