package config

import (
	"path/filepath"
	"time"
)

// ApplyDefaults fills every zero-valued setting with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./previewd-data"
	}
	if cfg.Storage.Database == "" {
		cfg.Storage.Database = "previewd.db"
	}
	if cfg.Storage.EventsDB == "" {
		cfg.Storage.EventsDB = "events.db"
	}
	if cfg.Storage.ArchiveDir == "" {
		cfg.Storage.ArchiveDir = "archives"
	}

	setDuration(&cfg.Storage.EventRetention, 90*24*time.Hour)

	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = filepath.Join(cfg.Storage.DataDir, "workspaces")
	}

	setDuration(&cfg.Processor.PollInterval, 5*time.Second)
	setDuration(&cfg.Processor.MaintenanceInterval, 24*time.Hour)
	setDuration(&cfg.Processor.SweepInterval, time.Minute)

	if cfg.Worker.PackageManager == "" {
		cfg.Worker.PackageManager = "npm"
	}
	if cfg.Worker.LogLines <= 0 {
		cfg.Worker.LogLines = 500
	}
	setDuration(&cfg.Worker.InstallTimeout, 10*time.Minute)
	setDuration(&cfg.Worker.CheckTimeout, 3*time.Minute)
	if cfg.Worker.ReadinessAttempts <= 0 {
		cfg.Worker.ReadinessAttempts = 30
	}
	setDuration(&cfg.Worker.ReadinessInterval, time.Second)
	setDuration(&cfg.Worker.ReadinessDial, 2*time.Second)
	setDuration(&cfg.Worker.SmokeTimeout, 5*time.Second)
	setDuration(&cfg.Worker.StopGrace, 5*time.Second)

	if cfg.Ports.Start == 0 {
		cfg.Ports.Start = 4000
	}
	if cfg.Ports.End == 0 {
		cfg.Ports.End = 4999
	}
	setDuration(&cfg.Ports.ProbeTimeout, 200*time.Millisecond)

	if cfg.Preview.Host == "" {
		cfg.Preview.Host = "localhost"
	}
	if cfg.Preview.URLTemplate == "" {
		cfg.Preview.URLTemplate = "http://{host}:{port}"
	}

	setDuration(&cfg.Notifications.Retention, 30*24*time.Hour)

	setDuration(&cfg.Push.Heartbeat, 30*time.Second)
	setDuration(&cfg.Push.StaleAfter, 5*time.Minute)
	if cfg.Push.NATS.URL == "" {
		cfg.Push.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.Push.NATS.Subject == "" {
		cfg.Push.NATS.Subject = "previewd.events"
	}

	cfg.Logging.Level = NormalizeLogLevel(string(cfg.Logging.Level))
	cfg.Logging.Format = NormalizeLogFormat(string(cfg.Logging.Format))

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

// DatabasePath resolves the job database path.
func (c *Config) DatabasePath() string { return c.resolve(c.Storage.Database) }

// EventsDBPath resolves the event log database path.
func (c *Config) EventsDBPath() string { return c.resolve(c.Storage.EventsDB) }

// ArchivePath resolves the archive directory.
func (c *Config) ArchivePath() string { return c.resolve(c.Storage.ArchiveDir) }

func (c *Config) resolve(p string) string {
	if p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Storage.DataDir, p)
}
