// Package project detects what kind of web project an upload contains and
// plans the commands needed to install, check and serve it.
package project

import (
	"os"
	"path/filepath"
	"strconv"
)

// Kind is the detected project variant.
type Kind string

const (
	KindStatic  Kind = "static"
	KindGeneric Kind = "genericFramework"
	KindBundler Kind = "bundlerFramework"
	KindMeta    Kind = "metaFramework"
)

// Strategy carries the command templates of one project variant.
type Strategy interface {
	Kind() Kind
	// RequiredDependency is the framework package the manifest must declare, or "".
	RequiredDependency() string
	// NeedsInstall reports whether dependencies must be installed before serving.
	NeedsInstall() bool
	// ServeCommand returns the dev-server command for port. ok is false when the
	// project is served by the built-in static file server.
	ServeCommand(pm PackageManager, m *Manifest, port int) (cmd Command, ok bool)
}

// StrategyFor returns the strategy of kind k.
func StrategyFor(k Kind) Strategy {
	switch k {
	case KindGeneric:
		return genericStrategy{}
	case KindBundler:
		return bundlerStrategy{}
	case KindMeta:
		return metaStrategy{}
	default:
		return staticStrategy{}
	}
}

type staticStrategy struct{}

func (staticStrategy) Kind() Kind                 { return KindStatic }
func (staticStrategy) RequiredDependency() string { return "" }
func (staticStrategy) NeedsInstall() bool         { return false }
func (staticStrategy) ServeCommand(PackageManager, *Manifest, int) (Command, bool) {
	return Command{}, false
}

// genericStrategy serves a UI framework project through its own start script.
type genericStrategy struct{}

func (genericStrategy) Kind() Kind                 { return KindGeneric }
func (genericStrategy) RequiredDependency() string { return "react" }
func (genericStrategy) NeedsInstall() bool         { return true }
func (genericStrategy) ServeCommand(pm PackageManager, m *Manifest, port int) (Command, bool) {
	cmd := pm.Run("start")
	if !m.HasScript("start") && m.HasScript("dev") {
		cmd = pm.Run("dev")
	}
	cmd.Env = []string{"PORT=" + strconv.Itoa(port), "HOST=0.0.0.0", "BROWSER=none"}
	return cmd, true
}

type bundlerStrategy struct{}

func (bundlerStrategy) Kind() Kind                 { return KindBundler }
func (bundlerStrategy) RequiredDependency() string { return "vite" }
func (bundlerStrategy) NeedsInstall() bool         { return true }
func (bundlerStrategy) ServeCommand(pm PackageManager, _ *Manifest, port int) (Command, bool) {
	return pm.Exec("vite", "--host", "0.0.0.0", "--port", strconv.Itoa(port), "--strictPort"), true
}

type metaStrategy struct{}

func (metaStrategy) Kind() Kind                 { return KindMeta }
func (metaStrategy) RequiredDependency() string { return "next" }
func (metaStrategy) NeedsInstall() bool         { return true }
func (metaStrategy) ServeCommand(pm PackageManager, _ *Manifest, port int) (Command, bool) {
	return pm.Exec("next", "dev", "-H", "0.0.0.0", "-p", strconv.Itoa(port)), true
}

// checkCandidates are tried in order; the first success satisfies the check.
var checkCandidates = []struct {
	label       string
	nonCritical bool
}{
	{"type-check", false},
	{"tsc", false},
	{"type", false},
	{"lint", true},
	{"build", true},
}

// CheckPlan returns the type-check candidates for a project, or nil when the
// project has no TypeScript configuration. The manifest is only read.
func CheckPlan(dir string, m *Manifest, pm PackageManager) []CheckCommand {
	if m == nil || !m.HasDependency("typescript") {
		return nil
	}
	if _, err := os.Stat(filepath.Join(dir, "tsconfig.json")); err != nil {
		return nil
	}

	var plan []CheckCommand
	for _, c := range checkCandidates {
		switch {
		case m.HasScript(c.label):
			plan = append(plan, CheckCommand{Label: c.label, Command: pm.Run(c.label), NonCritical: c.nonCritical})
		case c.label == "tsc":
			plan = append(plan, CheckCommand{Label: c.label, Command: pm.Exec("tsc", "--noEmit"), NonCritical: c.nonCritical})
		}
	}
	return plan
}
