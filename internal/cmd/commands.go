package cmd

import (
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/quarrylabs/quarry/internal/cmd/commands/parseworker"
	"github.com/quarrylabs/quarry/internal/cmd/commands/server"
	"github.com/quarrylabs/quarry/internal/cmd/commands/versioncmd"
)

// Commands is the CLI subcommand table. Populated by initCommands.
var Commands map[string]cli.CommandFactory

func initCommands(log hclog.Logger, ui cli.Ui) {
	Commands = map[string]cli.CommandFactory{
		"server": func() (cli.Command, error) {
			return &server.Command{Log: log, UI: ui}, nil
		},
		"parse-worker": func() (cli.Command, error) {
			return &parseworker.Command{Log: log, UI: ui}, nil
		},
		"version": func() (cli.Command, error) {
			return &versioncmd.Command{UI: ui}, nil
		},
	}
}
