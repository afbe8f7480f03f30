package project

import (
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
)

// ManifestFile is the package manifest looked for in the project root.
const ManifestFile = "package.json"

// ErrNoManifest is returned when the project root has no manifest.
var ErrNoManifest = errors.ValidationError("project has no package.json").Build()

// installScripts are lifecycle hooks the package manager runs during install.
var installScripts = []string{"preinstall", "install", "postinstall", "prepare"}

// Manifest is the subset of package.json previewd reads.
type Manifest struct {
	Name            string            `json:"name"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// LoadManifest reads dir/package.json. It returns ErrNoManifest when absent.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoManifest
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryFileSystem, "read package.json").Build()
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.WrapError(err, errors.CategoryValidation, "package.json is not valid JSON").
			UserAction().Build()
	}
	return &m, nil
}

// HasDependency reports whether name is a runtime or development dependency.
func (m *Manifest) HasDependency(name string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.Dependencies[name]; ok {
		return true
	}
	_, ok := m.DevDependencies[name]
	return ok
}

// HasScript reports whether the manifest defines script name.
func (m *Manifest) HasScript(name string) bool {
	if m == nil {
		return false
	}
	_, ok := m.Scripts[name]
	return ok
}

// InstallScripts returns the install-time lifecycle scripts the manifest defines.
func (m *Manifest) InstallScripts() []string {
	var found []string
	for _, name := range installScripts {
		if m.HasScript(name) {
			found = append(found, name)
		}
	}
	return found
}
