// Package quantize encodes a tensor set in parallel under a policy.Mode.
package quantize

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/ggufq/internal/policy"
	"github.com/samcharles93/ggufq/pkg/quant"
)

// Input is a tensor read on demand. Bytes and Float32 may be called from
// several goroutines at once.
type Input interface {
	Name() string
	Shape() []int
	// Codec reports the encoding the raw bytes already use, if it is one of
	// the registered codecs.
	Codec() (quant.Codec, bool)
	Bytes() ([]byte, error)
	Float32() ([]float32, error)
}

// Event is emitted once for every finished tensor.
type Event struct {
	Name    string
	Codec   quant.Codec
	Reason  policy.Reason
	Bytes   int
	Elapsed time.Duration
}

// TensorError wraps the failure of a single tensor.
type TensorError struct {
	Name string
	Err  error
}

func (e *TensorError) Error() string { return fmt.Sprintf("tensor %s: %v", e.Name, e.Err) }

func (e *TensorError) Unwrap() error { return e.Err }

// Quantizer runs one task per tensor on a bounded pool.
type Quantizer struct {
	// Workers caps concurrent tasks. Zero or less uses GOMAXPROCS.
	Workers int
	// Progress, when set, receives an Event per tensor. It is called from
	// worker goroutines.
	Progress func(Event)
}

// Run encodes every input and returns the results in input order. The first
// failure cancels the remaining work and is returned as a *TensorError.
func (q *Quantizer) Run(ctx context.Context, inputs []Input, requested quant.Codec, mode policy.Mode) ([]quant.Tensor, error) {
	if !requested.Valid() {
		return nil, fmt.Errorf("%w: %d", quant.ErrUnknownCodec, uint32(requested))
	}
	workers := q.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	out := make([]quant.Tensor, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, in := range inputs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			t, reason, err := process(in, requested, mode)
			if err != nil {
				return &TensorError{Name: in.Name(), Err: err}
			}
			out[i] = t
			if q.Progress != nil {
				q.Progress(Event{
					Name:    t.Name,
					Codec:   t.Codec,
					Reason:  reason,
					Bytes:   len(t.Data),
					Elapsed: time.Since(start),
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// process applies the mode's decision to one input.
func process(in Input, requested quant.Codec, mode policy.Mode) (quant.Tensor, policy.Reason, error) {
	name, shape := in.Name(), in.Shape()
	d := mode.Decide(name, shape, requested)
	t := quant.Tensor{Name: name, Shape: shape}

	if d.Keep {
		if c, ok := in.Codec(); ok {
			raw, err := in.Bytes()
			if err != nil {
				return t, d.Reason, err
			}
			t.Codec, t.Data = c, raw
			return t, d.Reason, nil
		}
		// Types outside the codec set are widened to F32.
		d.Codec = quant.F32
	}

	vals, err := in.Float32()
	if err != nil {
		return t, d.Reason, err
	}
	data, err := quant.Encode(d.Codec, vals)
	if err != nil {
		return t, d.Reason, err
	}
	t.Codec, t.Data = d.Codec, data
	return t, d.Reason, nil
}
