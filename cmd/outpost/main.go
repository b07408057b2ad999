package main

import (
	"fmt"
	"os"

	"github.com/outpostrun/outpost/internal/commands"
	"github.com/outpostrun/outpost/internal/version"
)

// Outpost is a multi-tenant fleet control plane that accepts dispatch
// requests — each a (tenant, agent-kind, task, optional repository)
// tuple — and schedules them as one-shot container tasks on an ECS
// cluster, tracking their lifecycle and artifacts.
//
// Build-time metadata (Version, BuildTime, GitCommit) is injected via
// -ldflags and forwarded into internal/version before the command tree
// runs, so `outpost version` reports the binary that is actually running.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime
	version.GitCommit = GitCommit

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
