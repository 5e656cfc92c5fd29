package main

import (
	"fmt"
	"os"

	"github.com/testground/discovery-plan/pkg/cmd"
	"github.com/testground/discovery-plan/pkg/logging"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := cli.NewApp()
	app.Name = "discovery-plan"
	app.Usage = "measure how quickly peers of a discovery network learn their addresses"
	app.Description = "discovery-plan runs discovery scenarios as coordinated test instances, " +
		"either one instance per process against a shared sync service, or all instances in one process."
	app.Commands = cmd.RootCommands
	app.Flags = cmd.RootFlags
	// Disable the built-in -v flag (version), to avoid collisions with the
	// verbosity flags.
	app.HideVersion = true
	app.Before = func(c *cli.Context) error {
		return configureLogging(c)
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func configureLogging(c *cli.Context) error {
	// The LOG_LEVEL environment variable takes precedence.
	if level := os.Getenv(logging.EnvLogLevel); level != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(level)); err != nil {
			return fmt.Errorf("invalid %s: %w", logging.EnvLogLevel, err)
		}
		logging.SetLevel(l)
		return nil
	}

	// Apply verbosity flags.
	switch {
	case c.Bool("v"), c.Bool("vv"):
		logging.SetLevel(zapcore.DebugLevel)
	default:
		// Do nothing; level remains at default (INFO).
	}
	return nil
}
