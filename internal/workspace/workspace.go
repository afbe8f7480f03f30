package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/previewd/internal/logfields"
)

const dirPrefix = "job-"

// Manager handles job workspace directories.
type Manager struct {
	baseDir    string
	keepFailed bool
}

// NewManager creates a workspace manager rooted at baseDir.
func NewManager(baseDir string, keepFailed bool) *Manager {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "previewd-workspaces")
	}
	return &Manager{baseDir: baseDir, keepFailed: keepFailed}
}

// Root returns the base directory.
func (m *Manager) Root() string { return m.baseDir }

// Path returns the directory for jobID without creating it.
func (m *Manager) Path(jobID string) string {
	return filepath.Join(m.baseDir, dirPrefix+sanitize(jobID))
}

// Create creates an empty directory for jobID, replacing any leftover one.
func (m *Manager) Create(jobID string) (string, error) {
	dir := m.Path(jobID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to clear stale workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create workspace directory: %w", err)
	}
	slog.Debug("Created workspace", logfields.JobID(jobID), logfields.Path(dir))
	return dir, nil
}

// Cleanup removes the directory for jobID. When the build failed and the
// manager keeps failed workspaces, the directory is left in place.
func (m *Manager) Cleanup(jobID string, failed bool) error {
	dir := m.Path(jobID)
	if failed && m.keepFailed {
		slog.Info("Keeping failed workspace", logfields.JobID(jobID), logfields.Path(dir))
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to cleanup workspace: %w", err)
	}
	slog.Debug("Cleaned up workspace", logfields.JobID(jobID), logfields.Path(dir))
	return nil
}

// Reset removes every job directory under the root and returns how many were removed.
func (m *Manager) Reset() (int, error) {
	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list workspaces: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.baseDir, e.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove workspace %s: %w", e.Name(), err)
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Removed leftover workspaces", logfields.Count(removed), logfields.Path(m.baseDir))
	}
	return removed, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
