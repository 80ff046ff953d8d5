package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"github.com/zeebo/xxh3"

	"github.com/samcharles93/ggufq/internal/convert"
	"github.com/samcharles93/ggufq/internal/source"
)

type inspectTensor struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Bytes  int    `json:"bytes"`
	Origin string `json:"origin,omitempty"`
	XXH3   string `json:"xxh3,omitempty"`
}

type inspectReport struct {
	Format   string            `json:"format"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Tensors  []inspectTensor   `json:"tensors"`
}

func inspectCmd() *cli.Command {
	var (
		inputs       []string
		format       string
		asJSON       bool
		hash         bool
		withMetadata bool
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "List the tensors (and optionally metadata) of a weight file",
		ArgsUsage: "[INPUT...]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:        "in",
				Aliases:     []string{"i", "input"},
				Usage:       "input file; safetensors shards may be repeated",
				Destination: &inputs,
			},
			formatFlag(&format),
			&cli.BoolFlag{Name: "json", Usage: "print as JSON", Destination: &asJSON},
			&cli.BoolFlag{Name: "hash", Usage: "include an xxh3 hash of each tensor's raw bytes", Destination: &hash},
			&cli.BoolFlag{Name: "metadata", Aliases: []string{"m"}, Usage: "include container metadata", Destination: &withMetadata},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			paths := append(inputs, cmd.Args().Slice()...)
			if len(paths) == 0 {
				return &convert.Error{Kind: convert.ErrUsage, Stage: convert.StageValidate, Err: errors.New("no input given")}
			}
			var override source.Format
			if format != "" {
				f, err := source.ParseFormat(format)
				if err != nil {
					return &convert.Error{Kind: convert.ErrUsage, Stage: convert.StageValidate, Err: err}
				}
				override = f
			}

			set, err := openSet(paths, override)
			if err != nil {
				return err
			}
			defer func() { _ = set.Close() }()

			report, err := buildReport(set, hash, withMetadata)
			if err != nil {
				return err
			}
			w := outWriter(cmd)
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			writeReport(w, set, report)
			return nil
		},
	}
}

func openSet(paths []string, override source.Format) (*source.Set, error) {
	f, err := source.Resolve(paths[0], override)
	if err != nil {
		return nil, &convert.Error{Kind: convert.ErrUsage, Stage: convert.StageValidate, Err: err}
	}
	if f.Multi() {
		return source.LoadFlat(paths)
	}
	if len(paths) > 1 {
		return nil, &convert.Error{Kind: convert.ErrUsage, Stage: convert.StageValidate,
			Err: fmt.Errorf("%s inputs take a single file, got %d", f, len(paths))}
	}
	return source.Load(paths[0], f)
}

func buildReport(set *source.Set, hash, withMetadata bool) (*inspectReport, error) {
	r := &inspectReport{Format: set.Format.String(), Tensors: make([]inspectTensor, 0, set.Len())}
	if withMetadata && len(set.Metadata) > 0 {
		r.Metadata = make(map[string]string, len(set.Metadata))
		for _, kv := range set.Metadata {
			r.Metadata[kv.Key] = kv.Value.Format(16)
		}
	}
	for _, t := range set.Tensors {
		raw, err := t.Bytes()
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", t.Name(), err)
		}
		it := inspectTensor{
			Name:   t.Name(),
			DType:  t.DType(),
			Shape:  t.Shape(),
			Bytes:  len(raw),
			Origin: t.Origin(),
		}
		if hash {
			it.XXH3 = fmt.Sprintf("%016x", xxh3.Hash(raw))
		}
		r.Tensors = append(r.Tensors, it)
	}
	return r, nil
}

func writeReport(w io.Writer, set *source.Set, r *inspectReport) {
	var total uint64
	for _, t := range r.Tensors {
		total += uint64(t.Bytes)
	}
	_, _ = fmt.Fprintf(w, "format: %s, %d tensors, %s\n", r.Format, len(r.Tensors), humanize.IBytes(total))

	if r.Metadata != nil {
		_, _ = fmt.Fprintln(w, "metadata:")
		// File order, not map order.
		for _, kv := range set.Metadata {
			_, _ = fmt.Fprintf(w, "  %s = %s\n", kv.Key, r.Metadata[kv.Key])
		}
	}

	width := 0
	for _, t := range r.Tensors {
		width = max(width, len(t.Name))
	}
	_, _ = fmt.Fprintln(w, "tensors:")
	for _, t := range r.Tensors {
		line := fmt.Sprintf("  %-*s  %-5s  %-16s  %9s", width, t.Name, t.DType, formatShape(t.Shape), humanize.IBytes(uint64(t.Bytes)))
		if t.XXH3 != "" {
			line += "  " + t.XXH3
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, " x ") + "]"
}
