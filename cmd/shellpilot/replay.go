package main

import (
	"fmt"
	"os"

	"github.com/vinayprograms/shellpilot/internal/config"
	"github.com/vinayprograms/shellpilot/internal/replay"
)

// targets returns the run logs to render, defaulting to the run log directory.
func (c *ReplayCmd) targets() ([]string, error) {
	if len(c.Runs) > 0 {
		return c.Runs, nil
	}
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return []string{config.ExpandPath(cfg.Session.Path)}, nil
}

// Run implements the replay command.
func (c *ReplayCmd) Run() error {
	paths, err := c.targets()
	if err != nil {
		return err
	}
	return replay.NewMulti(os.Stdout, c.Verbose).ReplayFiles(paths)
}
