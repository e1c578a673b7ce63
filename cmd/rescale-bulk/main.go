// rescale-bulk - recursive delete, upload, download and copy against remote file servers.
package main

import (
	"os"

	"github.com/rescale/rescale-bulk/internal/cli"
	"github.com/rescale/rescale-bulk/internal/version"
)

// Version information, injected via LDFLAGS by release builds.
var (
	Version   = ""
	BuildTime = ""
)

func main() {
	if Version != "" {
		version.Version = Version
	}
	if BuildTime != "" {
		version.BuildTime = BuildTime
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
