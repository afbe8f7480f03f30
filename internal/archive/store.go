// Package archive stores uploaded project archives and unpacks them into
// job workspaces.
package archive

import (
	"context"

	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
)

// ErrNotFound is returned when no archive is stored for a project.
var ErrNotFound = errors.NotFoundError("project archive not found").Build()

// Store fetches and stores raw project archives keyed by project id.
type Store interface {
	// Put stores data as the current archive of projectID and returns its content hash.
	Put(ctx context.Context, projectID string, data []byte) (string, error)

	// Get returns the current archive of projectID, or ErrNotFound.
	Get(ctx context.Context, projectID string) ([]byte, error)

	// Delete removes the archive reference of projectID.
	Delete(ctx context.Context, projectID string) error
}
