package main

import "github.com/urfave/cli/v3"

var (
	logLevel  string
	logFormat string
	debug     bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, pretty, json, text)",
			Value:       "auto",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func formatFlag(dst *string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:        "format",
		Aliases:     []string{"f"},
		Usage:       "input format (safetensors, npz, gguf); inferred from the extension when empty",
		Destination: dst,
	}
}
