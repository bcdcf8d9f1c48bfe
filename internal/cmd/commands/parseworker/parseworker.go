// Package parseworker implements the `quarry parse-worker` command: the
// subprocess entry point the parser pool spawns for isolated parsing.
package parseworker

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/quarrylabs/quarry/pkg/parser"
)

// Command runs the stdin/stdout parse loop until the parent closes the pipe.
type Command struct {
	Log hclog.Logger
	UI  cli.Ui
}

func (c *Command) Synopsis() string {
	return "Run a parser worker subprocess (internal)"
}

func (c *Command) Help() string {
	return `Usage: quarry parse-worker

  Internal command. The server spawns this as a subprocess for each parser
  worker; it reads parse requests from stdin and writes results to stdout.
`
}

func (c *Command) Run(args []string) int {
	if err := parser.RunWorkerLoop(&parser.BasicParser{}, os.Stdin, os.Stdout); err != nil {
		c.UI.Error(fmt.Sprintf("parse worker exited with error: %v", err))
		return 1
	}
	return 0
}
