package project

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
)

var configFiles = []struct {
	kind  Kind
	names []string
}{
	{KindMeta, []string{"next.config.js", "next.config.mjs", "next.config.ts"}},
	{KindBundler, []string{"vite.config.js", "vite.config.mjs", "vite.config.ts"}},
}

// Detection is the result of analysing a project directory.
type Detection struct {
	Strategy Strategy
	Manifest *Manifest // nil when the project has no manifest
}

// Detect determines the project variant of dir. First match wins:
// a framework config file, then a framework dependency, then a base UI
// framework dependency, then static.
func Detect(dir string) (*Detection, error) {
	m, err := LoadManifest(dir)
	if err != nil && !stderrors.Is(err, ErrNoManifest) {
		return nil, err
	}

	for _, cf := range configFiles {
		for _, name := range cf.names {
			if fileExists(filepath.Join(dir, name)) {
				return &Detection{Strategy: StrategyFor(cf.kind), Manifest: m}, nil
			}
		}
	}

	kind := KindStatic
	switch {
	case m.HasDependency("next"):
		kind = KindMeta
	case m.HasDependency("vite"):
		kind = KindBundler
	case m.HasDependency("react"):
		kind = KindGeneric
	}
	return &Detection{Strategy: StrategyFor(kind), Manifest: m}, nil
}

// Validate checks the project can be built before any process is spawned.
func (d *Detection) Validate(allowInstallScripts bool) error {
	if !d.Strategy.NeedsInstall() {
		return nil
	}
	if d.Manifest == nil {
		return ErrNoManifest
	}
	if dep := d.Strategy.RequiredDependency(); dep != "" && !d.Manifest.HasDependency(dep) {
		return errors.ValidationError("package.json does not declare the framework dependency").
			WithContext("dependency", dep).
			WithContext("project_type", string(d.Strategy.Kind())).
			Build()
	}
	if d.Strategy.Kind() == KindGeneric && !d.Manifest.HasScript("start") && !d.Manifest.HasScript("dev") {
		return errors.ValidationError("package.json defines neither a start nor a dev script").Build()
	}
	if !allowInstallScripts {
		if scripts := d.Manifest.InstallScripts(); len(scripts) > 0 {
			return errors.ValidationError("install-time scripts are not allowed").
				WithContext("scripts", strings.Join(scripts, ",")).
				Build()
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
