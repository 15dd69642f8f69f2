package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/connectnearby/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "connectnearby",
		Usage:   "Session-gated messaging between nearby people",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default: ./connectnearby.toml, then ~/.connectnearby.toml)",
			},
		},
		Commands: []*cli.Command{
			cmd.APICommand(),
			cmd.ConfigCommand(),
			cmd.EnvCommand(),
			cmd.MigrateCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
