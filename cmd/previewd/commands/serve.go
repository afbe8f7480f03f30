package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/previewd/internal/config"
	"git.home.luguber.info/inful/previewd/internal/daemon"
)

// ServeCmd implements the 'serve' command.
type ServeCmd struct {
	Addr            string        `help:"Override server.addr"`
	ShutdownTimeout time.Duration `name:"shutdown-timeout" help:"Time allowed for graceful shutdown" default:"30s"`
	NoWatch         bool          `name:"no-watch" help:"Do not reload the configuration file on change"`
}

func (s *ServeCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	if s.Addr != "" {
		cfg.Server.Addr = s.Addr
	}
	if root.Verbose {
		cfg.Logging.Level = config.LogLevelDebug
	}

	logger, level := config.NewLogger(os.Stderr, cfg.Logging)
	slog.SetDefault(logger)
	g.Logger, g.Level = logger, level

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	watchPath := root.Config
	if s.NoWatch {
		watchPath = ""
	}
	d, err := daemon.New(cfg, watchPath, level)
	if err != nil {
		return err
	}
	return d.Run(ctx, s.ShutdownTimeout)
}
