// Command guild is the CLI for guildd: it provisions a local Redis, manages guilds
// through the HTTP API and watches guild traffic.
package main

import (
	"os"

	"github.com/dyluth/guild/cmd/guild/commands"
)

// Set with -ldflags "-X main.version=..." at release time.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, buildDate)
	if commands.Execute() != nil {
		// commands print their own failures
		os.Exit(1)
	}
}
