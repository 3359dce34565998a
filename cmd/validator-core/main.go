// Command validator-core is the CLI entry point for the fork-replay and
// voting core. It assembles a ReplayConfig from flags, wires the in-memory
// blockstore/bank/leader-schedule fixtures this repository ships as a
// single-node development cluster, and drives replayloop.Loop to
// completion or shutdown.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	version = "v0.1.0"
	commit  = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "validator-core",
		Usage:   "fork-replay and voting core for a PoH/PoS validator",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Commands: []*cli.Command{
			runCommand,
			towerCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
