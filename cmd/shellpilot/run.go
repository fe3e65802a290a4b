package main

import (
	"fmt"
	"path/filepath"

	"github.com/vinayprograms/shellpilot/internal/config"
)

// loadConfig loads the file at path, or the default locations when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.LoadDefault()
}

// options converts the flags into runtime options, applying config overrides.
func (c *RunCmd) options(cfg *config.Config) (runOptions, error) {
	if c.MaxSteps > 0 {
		cfg.Limits.MaxSteps = c.MaxSteps
	}
	if c.GenerateContent {
		cfg.Decision.GenerateContent = true
	}
	path := c.Path
	if path != "" {
		abs, err := filepath.Abs(config.ExpandPath(path))
		if err != nil {
			return runOptions{}, fmt.Errorf("resolving path: %w", err)
		}
		path = abs
	}
	return runOptions{
		query:      c.Query,
		path:       path,
		yesApprove: c.YesApprove,
		noSudo:     c.NoSudo,
		format:     c.Format,
		verbosity:  c.Verbose,
	}, nil
}

// Run implements the run command.
func (c *RunCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	opts, err := c.options(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	rt := newRuntime(cfg, globalCreds, opts)
	defer rt.cleanup()
	if err := rt.setup(ctx); err != nil {
		return interrupted(ctx, err)
	}
	return interrupted(ctx, rt.run(ctx))
}
