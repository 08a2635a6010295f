package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/multiagents/conclave/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand(version, commit string) *cli.Command {
	return &cli.Command{
		Name:    "conclave",
		Usage:   "Run a room of AI agent personas against a shared session",
		Version: version + " (" + commit + ")",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewWakeCommand(),
			NewGatewayCommand(),
			NewAskCommand(),
			NewTUICommand(),
			NewRoomCommand(),
			NewStatusCommand(),
			NewSessionsCommand(),
		},
	}
}
