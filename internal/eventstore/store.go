package eventstore

import (
	"context"
	"time"
)

// Store is an append-only log of job lifecycle events.
type Store interface {
	Append(ctx context.Context, jobID, eventType string, payload []byte, metadata map[string]string) error

	// GetByJobID returns a job's events in insertion order.
	GetByJobID(ctx context.Context, jobID string) ([]Event, error)

	GetRange(ctx context.Context, start, end time.Time) ([]Event, error)

	// Prune drops events older than cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
