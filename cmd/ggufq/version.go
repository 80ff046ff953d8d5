package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ggufq/internal/version"
)

func versionCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			w := outWriter(cmd)
			info := version.Resolve()
			if asJSON {
				return json.NewEncoder(w).Encode(info)
			}
			_, _ = fmt.Fprintf(w, "version:    %s\n", info.Version)
			if info.Commit != "" {
				_, _ = fmt.Fprintf(w, "commit:     %s\n", info.Commit)
			}
			if info.BuildTime != "" {
				_, _ = fmt.Fprintf(w, "build time: %s\n", info.BuildTime)
			}
			_, _ = fmt.Fprintf(w, "go:         %s\n", info.GoVersion)
			return nil
		},
	}
}
