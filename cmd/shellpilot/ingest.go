package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/vinayprograms/shellpilot/internal/config"
	"github.com/vinayprograms/shellpilot/internal/knowledge"
)

// indexPath picks the --index flag over the configured path.
func (c *IngestCmd) indexPath(cfg *config.Config) string {
	if c.Index != "" {
		return config.ExpandPath(c.Index)
	}
	return config.ExpandPath(cfg.Knowledge.IndexPath)
}

// Run implements the ingest command.
func (c *IngestCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	path := c.indexPath(cfg)
	if path == "" {
		return fmt.Errorf("no index path: set knowledge.index_path or pass --index")
	}

	ix, err := knowledge.Open(path)
	if err != nil {
		return err
	}
	defer ix.Close()

	ctx, stop := signalContext()
	defer stop()
	return interrupted(ctx, ingest(ctx, knowledge.NewIngester(ix), c.Dir, c.Watch, os.Stderr))
}

// ingest indexes dir once, then keeps re-indexing changes when watch is set.
func ingest(ctx context.Context, in *knowledge.Ingester, dir string, watch bool, out io.Writer) error {
	stats, err := in.IngestDir(ctx, dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %d files, %d chunks (%d skipped)\n",
		successStyle.Render("✓ Indexed"), stats.Files, stats.Chunks, stats.Skipped)

	if !watch {
		return nil
	}

	fmt.Fprintf(out, "%s %s\n", dimStyle.Render("watching"), dir)
	err = in.Watch(ctx, dir, func(ch knowledge.Change) {
		switch {
		case ch.Err != nil:
			fmt.Fprintf(out, "  %s %s: %v\n", errorStyle.Render("✗"), ch.Path, ch.Err)
		case ch.Removed:
			fmt.Fprintf(out, "  %s %s\n", dimStyle.Render("-"), ch.Path)
		default:
			fmt.Fprintf(out, "  %s %s (%d chunks)\n", successStyle.Render("↻"), ch.Path, ch.Chunks)
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
