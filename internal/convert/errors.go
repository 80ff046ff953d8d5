package convert

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/samcharles93/ggufq/internal/gguf"
	"github.com/samcharles93/ggufq/internal/npz"
	"github.com/samcharles93/ggufq/internal/quantize"
	"github.com/samcharles93/ggufq/internal/safetensors"
	"github.com/samcharles93/ggufq/internal/source"
	"github.com/samcharles93/ggufq/pkg/quant"
)

// Error kinds. Match them with errors.Is.
var (
	ErrUsage  = errors.New("usage error")
	ErrIO     = errors.New("i/o error")
	ErrFormat = errors.New("format error")
	ErrCodec  = errors.New("codec error")
)

// Stage names the step of a conversion that failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageCreate   Stage = "create output"
	StageLoad     Stage = "load"
	StageQuantize Stage = "quantize"
	StageWrite    Stage = "write"
	StageCommit   Stage = "commit"
)

// Error is returned by Run for every failure.
type Error struct {
	// Kind is one of ErrUsage, ErrIO, ErrFormat or ErrCodec. It is nil when
	// the run was cancelled.
	Kind   error
	Stage  Stage
	Tensor string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Stage))
	if e.Tensor != "" {
		b.WriteString(": tensor ")
		b.WriteString(e.Tensor)
	}
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}

// KindName returns a short label for the kind of err, for metrics.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrUsage):
		return "usage"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrFormat):
		return "format"
	case errors.Is(err, ErrCodec):
		return "codec"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "unknown"
	}
}

func usageError(err error) *Error {
	return &Error{Kind: ErrUsage, Stage: StageValidate, Err: err}
}

// wrap classifies err and attaches stage and tensor context.
func wrap(stage Stage, err error) *Error {
	e := &Error{Stage: stage, Err: err}
	var te *quantize.TensorError
	if errors.As(err, &te) {
		e.Tensor = te.Name
		e.Err = te.Err
	}
	e.Kind = classify(err)
	return e
}

func classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	case errors.Is(err, quant.ErrEncode):
		return ErrCodec
	case isFormat(err):
		return ErrFormat
	default:
		return ErrIO
	}
}

func isFormat(err error) bool {
	for _, target := range []error{
		safetensors.ErrCorruptHeader,
		safetensors.ErrUnsupportedDType,
		npz.ErrCorruptArchive,
		npz.ErrUnsupportedDType,
		source.ErrUnsupportedFormat,
		quant.ErrDecode,
		quant.ErrUnknownCodec,
		quant.ErrShape,
		io.ErrUnexpectedEOF,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return gguf.IsFormatError(err)
}
