package commands

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/previewd/internal/config"
	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
	"git.home.luguber.info/inful/previewd/internal/queue"
	"git.home.luguber.info/inful/previewd/internal/store"
)

// Global carries state shared by subcommands.
type Global struct {
	Logger *slog.Logger
	Level  *slog.LevelVar
}

// CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"previewd.yaml" env:"PREVIEWD_CONFIG"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the API, queue processor and workers"`
	Init    InitCmd    `cmd:"" help:"Write an example configuration file"`
	Enqueue EnqueueCmd `cmd:"" help:"Queue a preview build for a project"`
	Stats   StatsCmd   `cmd:"" help:"Show job counts by status"`
}

// AfterApply installs a console logger before any command runs.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func loadConfig(root *CLI) (*config.Config, error) {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "load configuration").
			WithContext("path", root.Config).Build()
	}
	return cfg, nil
}

// openQueue opens the job database directly. SQLite serialises this
// process's writes against a running daemon.
func openQueue(cfg *config.Config) (*queue.Queue, func(), error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o750); err != nil {
		return nil, nil, errors.WrapError(err, errors.CategoryFileSystem, "create data directory").Build()
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, err
	}
	return queue.New(st), func() { _ = st.Close() }, nil
}
