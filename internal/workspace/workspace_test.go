package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestManager_CreateAndCleanup(t *testing.T) {
	mgr := NewManager(t.TempDir(), false)

	dir, err := mgr.Create("abc-123")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if filepath.Base(dir) != "job-abc-123" {
		t.Errorf("unexpected workspace name: %s", dir)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Cleanup("abc-123", false); err != nil {
		t.Fatalf("Cleanup() failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("workspace still exists after cleanup: %s", dir)
	}
}

func TestManager_CreateReplacesLeftovers(t *testing.T) {
	mgr := NewManager(t.TempDir(), false)
	dir, err := mgr.Create("j1")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stale"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	dir, err = mgr.Create("j1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "stale")); !os.IsNotExist(err) {
		t.Errorf("expected stale file to be removed")
	}
}

func TestManager_KeepsFailedWorkspace(t *testing.T) {
	mgr := NewManager(t.TempDir(), true)
	dir, err := mgr.Create("j2")
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.Cleanup("j2", true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("failed workspace should be kept: %v", err)
	}

	if err := mgr.Cleanup("j2", false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("successful cleanup should remove workspace")
	}
}

func TestManager_PathSanitizesIDs(t *testing.T) {
	mgr := NewManager("/base", false)
	if got := mgr.Path("../../etc"); got != filepath.Join("/base", "job-______etc") {
		t.Errorf("unexpected path %s", got)
	}
}

func TestManager_Reset(t *testing.T) {
	root := t.TempDir()
	mgr := NewManager(root, false)
	for _, id := range []string{"a", "b"} {
		if _, err := mgr.Create(id); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "unrelated"), 0o750); err != nil {
		t.Fatal(err)
	}

	n, err := mgr.Reset()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(root, "unrelated")); err != nil {
		t.Errorf("unrelated directory must survive reset")
	}
}
