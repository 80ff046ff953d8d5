// Package policy decides which codec each tensor is written with.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/ggufq/pkg/quant"
)

var ErrUnknownMode = errors.New("unknown quantization mode")

// Reason explains a Decision. It is reported in progress events and metrics.
type Reason string

const (
	Requested      Reason = "requested"
	OutputOverride Reason = "output-override"
	PassThrough    Reason = "pass-through"
	Fallback       Reason = "fallback"
)

// Decision is the outcome for one tensor. When Keep is set the tensor keeps its
// source encoding and Codec is unused.
type Decision struct {
	Codec  quant.Codec
	Keep   bool
	Reason Reason
}

func (d Decision) String() string {
	if d.Keep {
		return "keep (" + string(d.Reason) + ")"
	}
	return d.Codec.String() + " (" + string(d.Reason) + ")"
}

// Mode maps a tensor to a Decision. Implementations are pure.
type Mode interface {
	Name() string
	Decide(name string, shape []int, requested quant.Codec) Decision
	mode()
}

// Baseline quantizes every 2-D tensor whose rows split into whole blocks and
// stores everything else as F32.
type Baseline struct{}

func (Baseline) Name() string { return "baseline" }

func (Baseline) Decide(_ string, shape []int, requested quant.Codec) Decision {
	if len(shape) == 2 && divides(requested, shape) {
		return Decision{Codec: requested, Reason: Requested}
	}
	if requested == quant.F32 {
		return Decision{Codec: quant.F32, Reason: Requested}
	}
	return Decision{Codec: quant.F32, Reason: Fallback}
}

func (Baseline) mode() {}

// OutputTensor is the output projection, which Llama keeps at higher precision.
const OutputTensor = "output.weight"

// Llama quantizes 2-D ".weight" tensors, writes the output projection as Q6_K
// and leaves everything else as it was.
type Llama struct{}

func (Llama) Name() string { return "llama" }

func (Llama) Decide(name string, shape []int, requested quant.Codec) Decision {
	if !strings.HasSuffix(name, ".weight") || len(shape) != 2 {
		return Decision{Keep: true, Reason: PassThrough}
	}
	d := Decision{Codec: requested, Reason: Requested}
	if name == OutputTensor {
		d = Decision{Codec: quant.Q6_K, Reason: OutputOverride}
	}
	if !divides(d.Codec, shape) {
		return Decision{Codec: quant.F32, Reason: Fallback}
	}
	return d
}

func (Llama) mode() {}

func divides(c quant.Codec, shape []int) bool {
	bs := c.BlockSize()
	if bs <= 0 || len(shape) == 0 {
		return false
	}
	return shape[len(shape)-1]%bs == 0
}

// Default is the mode used when none is named.
func Default() Mode { return Llama{} }

// Parse maps a mode name to a Mode. An empty name selects Default.
func Parse(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "llama":
		return Llama{}, nil
	case "baseline":
		return Baseline{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
}
