package config

import (
	"strings"

	ferrors "git.home.luguber.info/inful/previewd/internal/foundation/errors"
)

// Validate checks cross-field invariants after defaults are applied.
func Validate(cfg *Config) error {
	if cfg.Ports.Start < 1 || cfg.Ports.End > 65535 || cfg.Ports.Start > cfg.Ports.End {
		return ferrors.ConfigError("invalid port range").
			WithContext("start", cfg.Ports.Start).
			WithContext("end", cfg.Ports.End).
			Build()
	}
	if !strings.Contains(cfg.Preview.URLTemplate, "{port}") {
		return ferrors.ConfigError("preview.url_template must contain {port}").
			WithContext("url_template", cfg.Preview.URLTemplate).
			Build()
	}
	if cfg.Push.StaleAfter.Std() <= cfg.Push.Heartbeat.Std() {
		return ferrors.ConfigError("push.stale_after must exceed push.heartbeat").Build()
	}
	switch cfg.Worker.PackageManager {
	case "npm", "pnpm", "yarn":
	default:
		return ferrors.ConfigError("unsupported package manager").
			WithContext("package_manager", cfg.Worker.PackageManager).
			Build()
	}
	if cfg.Push.NATS.Enabled && cfg.Push.NATS.URL == "" {
		return ferrors.ConfigError("push.nats.url is required when the NATS mirror is enabled").Build()
	}
	return nil
}
