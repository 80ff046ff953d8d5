// Package convert runs a whole conversion: validate, load, quantize, write.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/samcharles93/ggufq/internal/gguf"
	"github.com/samcharles93/ggufq/internal/logger"
	"github.com/samcharles93/ggufq/internal/metrics"
	"github.com/samcharles93/ggufq/internal/policy"
	"github.com/samcharles93/ggufq/internal/quantize"
	"github.com/samcharles93/ggufq/internal/source"
	"github.com/samcharles93/ggufq/pkg/quant"
)

type Options struct {
	// Inputs are read in order. Several inputs are only allowed for safetensors.
	Inputs []string
	Output string
	Codec  quant.Codec
	// Mode applies to container inputs. Nil selects policy.Default. Safetensors
	// inputs always use policy.Baseline.
	Mode policy.Mode
	// Format overrides extension based inference for every input.
	Format  source.Format
	Workers int
	// Digest hashes the committed output with xxh3.
	Digest  bool
	Logger  logger.Logger
	Metrics *metrics.Recorder
}

type Result struct {
	Output   string
	Format   source.Format
	Mode     string
	Tensors  int
	Bytes    int64
	Metadata int
	// Codecs counts output tensors per codec.
	Codecs    map[quant.Codec]int
	Fallbacks int
	Digest    uint64
	Elapsed   time.Duration
}

// Run converts opts.Inputs into a GGUF file at opts.Output. Usage problems are
// reported before any file is touched, and nothing is left at the destination
// when any later step fails.
func Run(ctx context.Context, opts Options) (res *Result, err error) {
	start := time.Now()
	log := opts.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	defer func() {
		if err != nil {
			opts.Metrics.ObserveFailure(KindName(err))
		}
	}()

	format, mode, err := plan(opts)
	if err != nil {
		return nil, err
	}
	log = log.With("format", format.String(), "mode", mode.Name(), "codec", opts.Codec.String())

	w, err := gguf.Create(opts.Output)
	if err != nil {
		return nil, wrap(StageCreate, err)
	}
	committed := false
	defer func() {
		if !committed {
			if aerr := w.Abort(); aerr != nil {
				log.Warn("failed to remove temporary output", "path", w.TempPath(), "err", aerr)
			}
		}
	}()

	set, err := load(opts.Inputs, format)
	if err != nil {
		return nil, wrap(StageLoad, err)
	}
	defer func() { _ = set.Close() }()
	log.Info("loaded source", "inputs", len(opts.Inputs), "tensors", set.Len(), "metadata", len(set.Metadata))

	res = &Result{
		Output:   opts.Output,
		Format:   format,
		Mode:     mode.Name(),
		Metadata: len(set.Metadata),
		Codecs:   make(map[quant.Codec]int),
	}
	var mu sync.Mutex
	q := &quantize.Quantizer{
		Workers: opts.Workers,
		Progress: func(e quantize.Event) {
			mu.Lock()
			res.Codecs[e.Codec]++
			if e.Reason == policy.Fallback {
				res.Fallbacks++
			}
			mu.Unlock()
			opts.Metrics.ObserveTensor(e.Codec.String(), string(e.Reason), e.Bytes, e.Elapsed)
			log.Info("tensor", "name", e.Name, "codec", e.Codec.String(), "reason", string(e.Reason), "bytes", e.Bytes, "elapsed", e.Elapsed)
			if e.Reason == policy.Fallback {
				log.Debug("fallback to f32", "name", e.Name, "requested", opts.Codec.String())
			}
		},
	}
	inputs := make([]quantize.Input, set.Len())
	for i, t := range set.Tensors {
		inputs[i] = t
	}
	tensors, err := q.Run(ctx, inputs, opts.Codec, mode)
	if err != nil {
		return nil, wrap(StageQuantize, err)
	}

	n, err := w.Write(set.Metadata, tensors)
	if err != nil {
		return nil, wrap(StageWrite, err)
	}
	if err := w.Commit(); err != nil {
		return nil, wrap(StageCommit, err)
	}
	committed = true

	res.Tensors = len(tensors)
	res.Bytes = n
	res.Elapsed = time.Since(start)
	opts.Metrics.ObserveRun(res.Elapsed)

	if opts.Digest {
		d, err := digestFile(opts.Output)
		if err != nil {
			log.Warn("failed to hash output", "err", err)
		} else {
			res.Digest = d
		}
	}
	log.Info("wrote container", "path", opts.Output, "tensors", res.Tensors, "bytes", res.Bytes,
		"fallbacks", res.Fallbacks, "elapsed", res.Elapsed)
	if log.Enabled(slog.LevelDebug) {
		log.Debug("codec histogram", "codecs", res.Histogram())
	}
	return res, nil
}

// plan checks opts without touching the filesystem and picks the load path.
func plan(opts Options) (source.Format, policy.Mode, error) {
	if len(opts.Inputs) == 0 {
		return 0, nil, usageError(errors.New("no input files"))
	}
	if opts.Output == "" {
		return 0, nil, usageError(errors.New("no output path"))
	}
	if f, ok := source.Infer(opts.Output); ok && f == source.Safetensors {
		return 0, nil, usageError(fmt.Errorf("output %s: only gguf output is supported", opts.Output))
	}
	if !opts.Codec.Valid() {
		return 0, nil, usageError(fmt.Errorf("%w: %d", quant.ErrUnknownCodec, uint32(opts.Codec)))
	}

	format, err := source.Resolve(opts.Inputs[0], opts.Format)
	if err != nil {
		return 0, nil, usageError(err)
	}
	if format.Multi() {
		for _, in := range opts.Inputs[1:] {
			f, err := source.Resolve(in, opts.Format)
			if err != nil {
				return 0, nil, usageError(err)
			}
			if f != format {
				return 0, nil, usageError(fmt.Errorf("input %s is %s, cannot merge it with %s inputs", in, f, format))
			}
		}
		return format, policy.Baseline{}, nil
	}
	if len(opts.Inputs) != 1 {
		return 0, nil, usageError(fmt.Errorf("%s input takes exactly one file, got %d", format, len(opts.Inputs)))
	}
	mode := opts.Mode
	if mode == nil {
		mode = policy.Default()
	}
	return format, mode, nil
}

func load(paths []string, format source.Format) (*source.Set, error) {
	if format.Multi() {
		return source.LoadFlat(paths)
	}
	return source.Load(paths[0], format)
}

func digestFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// Histogram renders Codecs as "f32=12,q4_0=30,q6k=1", in codec order.
func (r *Result) Histogram() string {
	keys := make([]quant.Codec, 0, len(r.Codecs))
	for c := range r.Codecs {
		keys = append(keys, c)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, c := range keys {
		parts[i] = fmt.Sprintf("%s=%d", c, r.Codecs[c])
	}
	return strings.Join(parts, ",")
}
