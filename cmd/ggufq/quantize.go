package main

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ggufq/internal/convert"
	"github.com/samcharles93/ggufq/internal/logger"
	"github.com/samcharles93/ggufq/internal/metrics"
	"github.com/samcharles93/ggufq/internal/policy"
	"github.com/samcharles93/ggufq/internal/source"
	"github.com/samcharles93/ggufq/pkg/quant"
)

func quantizeCmd() *cli.Command {
	var (
		inputs       []string
		outputPath   string
		quantization string
		mode         string
		format       string
		workers      int
		metricsFile  string
		digest       bool
	)

	return &cli.Command{
		Name:      "quantize",
		Usage:     "Quantize safetensors, npz or gguf weights into a GGUF file",
		ArgsUsage: "[INPUT...]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:        "in",
				Aliases:     []string{"i", "input"},
				Usage:       "input file; repeat to merge several safetensors shards (later files win)",
				Destination: &inputs,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o", "output"},
				Usage:       "output .gguf path",
				Destination: &outputPath,
			},
			&cli.StringFlag{
				Name:        "quantization",
				Aliases:     []string{"q"},
				Usage:       "codec: " + strings.Join(quant.Names(), ", "),
				Value:       "q4_0",
				Destination: &quantization,
			},
			&cli.StringFlag{
				Name:        "mode",
				Usage:       "policy for container inputs (llama, baseline)",
				Value:       "llama",
				Destination: &mode,
			},
			formatFlag(&format),
			&cli.IntFlag{
				Name:        "workers",
				Aliases:     []string{"j"},
				Usage:       "tensors encoded in parallel",
				Value:       runtime.GOMAXPROCS(0),
				Destination: &workers,
			},
			&cli.StringFlag{
				Name:        "metrics-file",
				Usage:       "write Prometheus metrics to this file when the run ends",
				Destination: &metricsFile,
			},
			&cli.BoolFlag{
				Name:        "digest",
				Usage:       "print the xxh3 digest of the written file",
				Destination: &digest,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyQuantizeConfig(cmd, configFrom(ctx), &quantization, &mode, &workers, &metricsFile)
			log := logger.FromContext(ctx)

			codec, err := quant.ParseCodec(quantization)
			if err != nil {
				return &convert.Error{Kind: convert.ErrUsage, Stage: convert.StageValidate, Err: err}
			}
			m, err := policy.Parse(mode)
			if err != nil {
				return &convert.Error{Kind: convert.ErrUsage, Stage: convert.StageValidate, Err: err}
			}
			var f source.Format
			if format != "" {
				if f, err = source.ParseFormat(format); err != nil {
					return &convert.Error{Kind: convert.ErrUsage, Stage: convert.StageValidate, Err: err}
				}
			}

			var rec *metrics.Recorder
			if metricsFile != "" {
				rec = metrics.New()
				defer func() {
					if err := rec.WriteFile(metricsFile); err != nil {
						log.Warn("failed to write metrics", "path", metricsFile, "err", err)
					}
				}()
			}

			res, err := convert.Run(ctx, convert.Options{
				Inputs:  append(inputs, cmd.Args().Slice()...),
				Output:  outputPath,
				Codec:   codec,
				Mode:    m,
				Format:  f,
				Workers: workers,
				Digest:  digest,
				Logger:  log,
				Metrics: rec,
			})
			if err != nil {
				return err
			}
			printSummary(cmd, res)
			return nil
		},
	}
}

func printSummary(cmd *cli.Command, res *convert.Result) {
	w := outWriter(cmd)
	_, _ = fmt.Fprintf(w, "wrote %s (%s, mode %s)\n", res.Output, res.Format, res.Mode)
	_, _ = fmt.Fprintf(w, "  tensors:   %d (%d fell back to f32)\n", res.Tensors, res.Fallbacks)
	_, _ = fmt.Fprintf(w, "  codecs:    %s\n", res.Histogram())
	_, _ = fmt.Fprintf(w, "  metadata:  %d keys\n", res.Metadata)
	_, _ = fmt.Fprintf(w, "  size:      %s\n", humanize.IBytes(uint64(res.Bytes)))
	_, _ = fmt.Fprintf(w, "  elapsed:   %s\n", res.Elapsed.Round(time.Millisecond))
	if res.Digest != 0 {
		_, _ = fmt.Fprintf(w, "  xxh3:      %016x\n", res.Digest)
	}
}
