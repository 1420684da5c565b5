package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "sentinel"
	app.Version = version
	app.Usage = "intercepting proxy that feeds live traffic to sandboxed scan plugins"
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "start the scanner and control API",
			Action: runCmd,
			Flags:  runFlags(),
		},
		{
			Name:  "ca",
			Usage: "manage the interception CA",
			Subcommands: []*cli.Command{
				{
					Name:   "init",
					Usage:  "generate a CA certificate and key",
					Action: caInitCmd,
					Flags:  caInitFlags(),
				},
			},
		},
		{
			Name:  "plugin",
			Usage: "plugin tooling",
			Subcommands: []*cli.Command{
				{
					Name:      "check",
					Usage:     "compile a plugin and print its metadata",
					ArgsUsage: "FILE...",
					Action:    pluginCheckCmd,
					Flags:     pluginCheckFlags(),
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
