package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FSStore keeps archives in a content-addressable layout:
//
//	<base>/
//	  objects/
//	    ab/
//	      cd1234... (first 2 chars = subdir, rest = filename)
//	  refs/
//	    projects/
//	      <project-id> (file containing the object hash)
type FSStore struct {
	basePath string
	mu       sync.RWMutex
}

// NewFSStore creates the directory layout under basePath.
func NewFSStore(basePath string) (*FSStore, error) {
	for _, dir := range []string{
		filepath.Join(basePath, "objects"),
		filepath.Join(basePath, "refs", "projects"),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return &FSStore{basePath: basePath}, nil
}

// Put implements Store.
func (fs *FSStore) Put(_ context.Context, projectID string, data []byte) (string, error) {
	if err := validateID(projectID); err != nil {
		return "", err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	h := sha256.Sum256(data)
	hash := hex.EncodeToString(h[:])

	objectPath := fs.objectPath(hash)
	if _, err := os.Stat(objectPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(objectPath), 0o750); err != nil {
			return "", fmt.Errorf("create object directory: %w", err)
		}
		if err := writeAtomic(objectPath, data); err != nil {
			return "", fmt.Errorf("write object: %w", err)
		}
	}

	if err := writeAtomic(fs.refPath(projectID), []byte(hash)); err != nil {
		return "", fmt.Errorf("write ref: %w", err)
	}
	return hash, nil
}

// Get implements Store.
func (fs *FSStore) Get(_ context.Context, projectID string) ([]byte, error) {
	if err := validateID(projectID); err != nil {
		return nil, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	ref, err := os.ReadFile(fs.refPath(projectID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound.WithContext("project_id", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("read ref: %w", err)
	}

	// #nosec G304 - object path is built from a hash we wrote ourselves
	data, err := os.ReadFile(fs.objectPath(strings.TrimSpace(string(ref))))
	if os.IsNotExist(err) {
		return nil, ErrNotFound.WithContext("project_id", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Delete implements Store. Objects are shared and left in place.
func (fs *FSStore) Delete(_ context.Context, projectID string) error {
	if err := validateID(projectID); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := os.Remove(fs.refPath(projectID))
	if os.IsNotExist(err) {
		return ErrNotFound.WithContext("project_id", projectID)
	}
	return err
}

func (fs *FSStore) objectPath(hash string) string {
	if len(hash) < 3 {
		return filepath.Join(fs.basePath, "objects", hash)
	}
	return filepath.Join(fs.basePath, "objects", hash[:2], hash[2:])
}

func (fs *FSStore) refPath(projectID string) string {
	return filepath.Join(fs.basePath, "refs", "projects", projectID)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid project id %q", id)
	}
	return nil
}
