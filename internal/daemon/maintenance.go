package daemon

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/previewd/internal/eventstore"
	"git.home.luguber.info/inful/previewd/internal/logfields"
	"git.home.luguber.info/inful/previewd/internal/notify"
)

// maintenance is the periodic retention pass: old read notifications and
// old job events.
type maintenance struct {
	notes  *notify.Hub
	events eventstore.Store
	keep   time.Duration
	now    func() time.Time
}

// CleanupOld returns the number of notifications removed. Event pruning
// failures are logged and do not fail the pass.
func (m *maintenance) CleanupOld(ctx context.Context) (int, error) {
	n, err := m.notes.CleanupOld(ctx)
	if m.events != nil && m.keep > 0 {
		pruned, perr := m.events.Prune(ctx, m.now().Add(-m.keep))
		switch {
		case perr != nil:
			slog.Warn("Event pruning failed", logfields.Error(perr))
		case pruned > 0:
			slog.Info("Pruned job events", logfields.Count(pruned))
		}
	}
	return n, err
}
