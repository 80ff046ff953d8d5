package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ggufq/internal/convert"
	"github.com/samcharles93/ggufq/internal/logger"
	"github.com/samcharles93/ggufq/internal/version"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "ggufq:", err)
		os.Exit(exitCode(err))
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "ggufq",
		Usage:   "Quantize model weights into GGUF containers",
		Version: version.String(),
		Flags:   loggingFlags(),
		Before:  setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			quantizeCmd(),
			inspectCmd(),
			versionCmd(),
		},
	}
}

// setup loads the config file and attaches a run-scoped logger to ctx.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return ctx, err
	}
	applyLoggingConfig(cmd, cfg)

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return ctx, err
	}
	if debug {
		level = slog.LevelDebug
	}
	format, err := logger.ParseFormat(logFormat)
	if err != nil {
		return ctx, err
	}
	log := logger.New(logger.Options{
		Writer: errWriter(cmd),
		Level:  level,
		Format: format,
		Source: level <= slog.LevelDebug,
	}).With("run_id", uuid.NewString())

	ctx = logger.WithContext(ctx, log)
	return withConfig(ctx, cfg), nil
}

func outWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func errWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}

// exitCode is 2 for usage mistakes and 1 for everything else.
func exitCode(err error) int {
	if errors.Is(err, convert.ErrUsage) {
		return 2
	}
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 1
}
