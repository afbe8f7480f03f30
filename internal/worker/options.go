package worker

import (
	"strconv"
	"strings"
	"time"

	"git.home.luguber.info/inful/previewd/internal/archive"
	"git.home.luguber.info/inful/previewd/internal/config"
	"git.home.luguber.info/inful/previewd/internal/process"
	"git.home.luguber.info/inful/previewd/internal/project"
	"git.home.luguber.info/inful/previewd/internal/retry"
)

// Options tune how builds run.
type Options struct {
	PackageManager      project.PackageManager
	AllowInstallScripts bool
	LogLines            int
	InstallTimeout      time.Duration
	CheckTimeout        time.Duration
	Readiness           retry.Policy
	ReadinessDial       time.Duration
	SmokeTimeout        time.Duration
	StopGrace           time.Duration
	PreviewHost         string
	URLTemplate         string // {host} and {port} placeholders
	ArchiveLimits       archive.Limits
}

// DefaultOptions returns the built-in defaults.
func DefaultOptions() Options {
	return Options{
		PackageManager: project.NPM,
		LogLines:       500,
		InstallTimeout: 10 * time.Minute,
		CheckTimeout:   3 * time.Minute,
		Readiness:      retry.Fixed(time.Second, 30),
		ReadinessDial:  2 * time.Second,
		SmokeTimeout:   5 * time.Second,
		StopGrace:      process.DefaultGrace,
		PreviewHost:    "localhost",
		URLTemplate:    "http://{host}:{port}",
		ArchiveLimits:  archive.DefaultLimits,
	}
}

// OptionsFromConfig maps the worker, preview and readiness settings of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	o := DefaultOptions()
	w := cfg.Worker
	if w.PackageManager != "" {
		o.PackageManager = project.PackageManager(w.PackageManager)
	}
	o.AllowInstallScripts = w.AllowInstallScripts
	if w.LogLines > 0 {
		o.LogLines = w.LogLines
	}
	if w.InstallTimeout > 0 {
		o.InstallTimeout = w.InstallTimeout.Std()
	}
	if w.CheckTimeout > 0 {
		o.CheckTimeout = w.CheckTimeout.Std()
	}
	if w.ReadinessAttempts > 0 && w.ReadinessInterval > 0 {
		o.Readiness = retry.Fixed(w.ReadinessInterval.Std(), w.ReadinessAttempts)
	}
	if w.ReadinessDial > 0 {
		o.ReadinessDial = w.ReadinessDial.Std()
	}
	if w.SmokeTimeout > 0 {
		o.SmokeTimeout = w.SmokeTimeout.Std()
	}
	if w.StopGrace > 0 {
		o.StopGrace = w.StopGrace.Std()
	}
	if cfg.Preview.Host != "" {
		o.PreviewHost = cfg.Preview.Host
	}
	if cfg.Preview.URLTemplate != "" {
		o.URLTemplate = cfg.Preview.URLTemplate
	}
	return o
}

// PreviewURL renders the URL template for port.
func (o Options) PreviewURL(port int) string {
	return strings.NewReplacer("{host}", o.PreviewHost, "{port}", strconv.Itoa(port)).Replace(o.URLTemplate)
}
