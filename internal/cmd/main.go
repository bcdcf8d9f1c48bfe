package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/quarrylabs/quarry/internal/version"
)

// Main runs the quarry CLI and returns the process exit code.
func Main(args []string) int {
	name := filepath.Base(args[0])
	args = args[1:]

	// A bare invocation runs the server.
	if len(args) == 0 {
		args = []string{"server"}
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "quarry",
		Level: hclog.LevelFromString(os.Getenv("QUARRY_LOG_LEVEL")),
	})

	ui := &cli.BasicUi{
		Reader:      bufio.NewReader(os.Stdin),
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}
	initCommands(log, ui)

	c := &cli.CLI{
		Name:     name,
		Args:     args,
		Version:  version.Version,
		Commands: Commands,
	}

	code, err := c.Run()
	if err != nil {
		ui.Error(fmt.Sprintf("error running %s: %v", name, err))
		return 1
	}
	return code
}
