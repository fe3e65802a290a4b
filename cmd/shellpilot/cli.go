// Package main defines the CLI structure using kong.
package main

import (
	"fmt"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	Run     RunCmd     `cmd:"" help:"Answer a question or carry out a task in a shell"`
	Ingest  IngestCmd  `cmd:"" help:"Index a directory of documents for context retrieval"`
	Replay  ReplayCmd  `cmd:"" help:"Replay recorded runs"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// RunCmd runs one query through the decision machine.
type RunCmd struct {
	Query           string `arg:"" help:"Question or task"`
	Path            string `help:"Directory the shell starts in (default: config shell.dir, then home)"`
	Config          string `help:"Config file path"`
	MaxSteps        int    `help:"Decision state budget (overrides config)"`
	YesApprove      bool   `help:"Approve commands flagged by the security review without asking"`
	Format          string `default:"text" enum:"text,yaml" help:"Live output format (text, yaml)"`
	NoSudo          bool   `help:"Never ask for a sudo password"`
	GenerateContent bool   `help:"Write file content with the content generator instead of shell commands"`
	Verbose         int    `short:"v" type:"counter" help:"Verbosity level (-v, -vv)"`
}

// IngestCmd indexes documents into the knowledge index.
type IngestCmd struct {
	Dir    string `arg:"" type:"existingdir" help:"Directory to ingest"`
	Index  string `help:"Index path (overrides config knowledge.index_path)"`
	Config string `help:"Config file path"`
	Watch  bool   `help:"Keep running and re-index files as they change"`
}

// ReplayCmd renders recorded runs.
type ReplayCmd struct {
	Runs    []string `arg:"" optional:"" help:"Run logs or directories (default: config session.path)"`
	Config  string   `help:"Config file path"`
	Verbose int      `short:"v" type:"counter" help:"Verbosity level (-v, -vv)"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// Run implements the version command.
func (c *VersionCmd) Run() error {
	fmt.Printf("shellpilot version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
