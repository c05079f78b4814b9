package main

import (
	"os"

	"github.com/dwarfsynth/ehsynth/cmd/ehsynth/cmds"
	"github.com/dwarfsynth/ehsynth/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.EhsynthVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
