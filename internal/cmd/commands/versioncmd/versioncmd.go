// Package versioncmd implements the `quarry version` command.
package versioncmd

import (
	"github.com/mitchellh/cli"

	"github.com/quarrylabs/quarry/internal/version"
)

type Command struct {
	UI cli.Ui
}

func (c *Command) Synopsis() string {
	return "Print the version"
}

func (c *Command) Help() string {
	return "Usage: quarry version"
}

func (c *Command) Run(args []string) int {
	c.UI.Output("quarry " + version.Version)
	return 0
}
