package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/shellpilot/internal/config"
	"github.com/vinayprograms/shellpilot/internal/knowledge"
)

func TestIngest_Once(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "disk.md"), []byte("Use df -h to check free disk space.\n"), 0644)
	os.WriteFile(filepath.Join(dir, "net.txt"), []byte("Use ip addr to list interfaces.\n"), 0644)

	ix, err := knowledge.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()

	var out bytes.Buffer
	if err := ingest(context.Background(), knowledge.NewIngester(ix), dir, false, &out); err != nil {
		t.Fatalf("ingest error: %v", err)
	}
	if !strings.Contains(out.String(), "2 files, 2 chunks (0 skipped)") {
		t.Errorf("unexpected summary: %q", out.String())
	}

	docs, err := ix.Retrieve(context.Background(), "disk space", 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) == 0 || !strings.Contains(docs[0], "df -h") {
		t.Errorf("expected disk document first, got %v", docs)
	}
}

func TestIngest_WatchStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	ix, err := knowledge.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	if err := ingest(ctx, knowledge.NewIngester(ix), dir, true, &out); err != nil {
		t.Errorf("expected clean stop on cancel, got %v", err)
	}
}

func TestIngestCmd_IndexPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg := config.New()

	c := &IngestCmd{}
	if got := c.indexPath(cfg); got != filepath.Join(home, ".local", "shellpilot", "index") {
		t.Errorf("expected configured index path, got %q", got)
	}

	c.Index = "/data/idx"
	if got := c.indexPath(cfg); got != "/data/idx" {
		t.Errorf("expected flag to win, got %q", got)
	}
}

func TestRunCmd_Options(t *testing.T) {
	cfg := config.New()
	c := &RunCmd{Query: "q", Path: "rel", MaxSteps: 7, Format: "yaml", Verbose: 1}

	opts, err := c.options(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Limits.MaxSteps != 7 {
		t.Errorf("expected max steps override, got %d", cfg.Limits.MaxSteps)
	}
	if !filepath.IsAbs(opts.path) {
		t.Errorf("expected absolute path, got %q", opts.path)
	}
	if opts.format != "yaml" || opts.verbosity != 1 || opts.query != "q" {
		t.Errorf("unexpected options: %+v", opts)
	}

	c = &RunCmd{Query: "q"}
	cfg = config.New()
	if _, err := c.options(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Limits.MaxSteps != 100 {
		t.Errorf("expected default max steps kept, got %d", cfg.Limits.MaxSteps)
	}
	if cfg.Decision.GenerateContent {
		t.Error("expected content generator off without the flag")
	}

	c = &RunCmd{Query: "q", GenerateContent: true}
	if _, err := c.options(cfg); err != nil {
		t.Fatal(err)
	}
	if !cfg.Decision.GenerateContent {
		t.Error("expected --generate-content to enable the content generator")
	}
}

func TestReplayCmd_Targets(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "shellpilot.toml")
	os.WriteFile(cfgPath, []byte("[session]\npath = \"/var/runs\"\n"), 0644)

	c := &ReplayCmd{Config: cfgPath}
	paths, err := c.targets()
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != "/var/runs" {
		t.Errorf("expected configured run dir, got %v", paths)
	}

	c.Runs = []string{"a.jsonl"}
	paths, _ = c.targets()
	if len(paths) != 1 || paths[0] != "a.jsonl" {
		t.Errorf("expected explicit runs, got %v", paths)
	}
}
