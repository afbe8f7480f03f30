package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the previewd configuration file format.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Processor     ProcessorConfig     `yaml:"processor"`
	Worker        WorkerConfig        `yaml:"worker"`
	Ports         PortsConfig         `yaml:"ports"`
	Preview       PreviewConfig       `yaml:"preview"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Push          PushConfig          `yaml:"push"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// StorageConfig configures persisted state locations.
type StorageConfig struct {
	DataDir    string `yaml:"data_dir"`
	Database   string `yaml:"database"`    // job/notification/project database, relative to data_dir
	EventsDB   string `yaml:"events_db"`   // job lifecycle event log, relative to data_dir
	ArchiveDir string `yaml:"archive_dir"` // uploaded project archives, relative to data_dir

	EventRetention Duration `yaml:"event_retention"`
}

// WorkspaceConfig configures per-job staging directories.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
	Keep bool   `yaml:"keep"` // keep failed job directories for inspection
}

// ProcessorConfig configures the dispatch loop and maintenance tasks.
type ProcessorConfig struct {
	PollInterval        Duration `yaml:"poll_interval"`
	MaintenanceInterval Duration `yaml:"maintenance_interval"`
	SweepInterval       Duration `yaml:"sweep_interval"`
}

// WorkerConfig configures build execution.
type WorkerConfig struct {
	PackageManager      string   `yaml:"package_manager"`
	AllowInstallScripts bool     `yaml:"allow_install_scripts"`
	LogLines            int      `yaml:"log_lines"`
	InstallTimeout      Duration `yaml:"install_timeout"`
	CheckTimeout        Duration `yaml:"check_timeout"`
	ReadinessAttempts   int      `yaml:"readiness_attempts"`
	ReadinessInterval   Duration `yaml:"readiness_interval"`
	ReadinessDial       Duration `yaml:"readiness_dial_timeout"`
	SmokeTimeout        Duration `yaml:"smoke_timeout"`
	StopGrace           Duration `yaml:"stop_grace"`
}

// PortsConfig configures the preview port range.
type PortsConfig struct {
	Start        int      `yaml:"start"`
	End          int      `yaml:"end"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
}

// PreviewConfig configures how preview URLs are built.
type PreviewConfig struct {
	Host        string `yaml:"host"`
	URLTemplate string `yaml:"url_template"` // {host} and {port} placeholders
}

// NotificationsConfig configures notification retention.
type NotificationsConfig struct {
	Retention Duration `yaml:"retention"`
}

// PushConfig configures the live event channel.
type PushConfig struct {
	Heartbeat  Duration   `yaml:"heartbeat"`
	StaleAfter Duration   `yaml:"stale_after"`
	NATS       NATSConfig `yaml:"nats"`
}

// NATSConfig configures the optional mirror of push events onto NATS.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Duration is a time.Duration that unmarshals from Go duration strings ("5s", "24h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads, expands, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		// Don't fail if .env doesn't exist
		fmt.Fprintf(os.Stderr, "Note: .env file not found or couldn't be loaded: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes, expanding ${ENV} references before decoding.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

// Init writes an example configuration file.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
