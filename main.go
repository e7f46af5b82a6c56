package main

import (
	"os"

	"github.com/leapcode/blobsync/internal/cli"
)

// Version is injected by the build via LDFLAGS.
var Version = "dev"

func main() {
	if Version != "dev" {
		cli.Version = Version
	}
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
