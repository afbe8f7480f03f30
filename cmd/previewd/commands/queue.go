package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
)

// EnqueueCmd implements the 'enqueue' command.
type EnqueueCmd struct {
	Project  string `arg:"" help:"Project id"`
	User     string `short:"u" required:"" help:"Owning user id"`
	Priority int    `short:"p" help:"Higher runs first" default:"0"`
}

func (e *EnqueueCmd) Run(_ *Global, root *CLI) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	q, closeFn, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()
	id, err := q.Enqueue(ctx, e.Project, e.User, e.Priority)
	if err != nil {
		return err
	}
	pos, err := q.QueuePosition(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("%s\tposition %d\n", id, pos)
	return nil
}

// StatsCmd implements the 'stats' command.
type StatsCmd struct {
	JSON bool `help:"Print JSON"`
}

func (s *StatsCmd) Run(_ *Global, root *CLI) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	q, closeFn, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	stats, err := q.Stats(context.Background())
	if err != nil {
		return err
	}
	if s.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, row := range []struct {
		name string
		n    int
	}{
		{"pending", stats.Pending},
		{"queued", stats.Queued},
		{"building", stats.Building},
		{"completed", stats.Completed},
		{"failed", stats.Failed},
		{"cancelled", stats.Cancelled},
		{"total", stats.Total},
	} {
		fmt.Fprintf(tw, "%s\t%d\n", row.name, row.n)
	}
	return tw.Flush()
}
