// dockerjobs runs queued jobs as Docker containers on a single host.
package main

import (
	"dockerjobs/internal/cmd"
	"os"
)

// Set by -ldflags at build time.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute())
}
