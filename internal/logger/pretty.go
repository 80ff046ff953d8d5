package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// PrettyHandler writes one human readable line per record:
//
//	12:04:05.123 INFO  quantized tensor name=blk.0.attn_q.weight codec=q4_0
//
// Colour is only emitted when enabled at construction.
type PrettyHandler struct {
	opts   slog.HandlerOptions
	w      io.Writer
	mu     *sync.Mutex
	color  bool
	prefix string
	attrs  []slog.Attr
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) *PrettyHandler {
	h := &PrettyHandler{w: w, mu: new(sync.Mutex), color: color}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.opts.Level != nil {
		threshold = h.opts.Level.Level()
	}
	return level >= threshold
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = h.paint(buf, ansiGray, func(b []byte) []byte {
		return r.Time.AppendFormat(b, "15:04:05.000")
	})
	buf = append(buf, ' ')
	buf = h.paint(buf, levelColor(r.Level)+ansiBold, func(b []byte) []byte {
		return fmt.Appendf(b, "%-5s", r.Level.String())
	})
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)

	for _, a := range h.attrs {
		buf = h.appendAttr(buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.prefix, a)
		return true
	})

	if h.opts.AddSource && r.PC != 0 {
		fs := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := fs.Next()
		buf = append(buf, ' ')
		buf = h.paint(buf, ansiDim, func(b []byte) []byte {
			return fmt.Appendf(b, "%s:%d", filepath.Base(f.File), f.Line)
		})
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

// WithAttrs resolves the group prefix now, so later groups do not apply to
// attributes that were added before them.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		c.attrs = append(c.attrs, a)
	}
	return c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.prefix = h.prefix + name + "."
	return c
}

func (h *PrettyHandler) clone() *PrettyHandler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	return &c
}

func (h *PrettyHandler) paint(buf []byte, color string, fn func([]byte) []byte) []byte {
	if !h.color {
		return fn(buf)
	}
	buf = append(buf, color...)
	buf = fn(buf)
	return append(buf, ansiReset...)
}

func (h *PrettyHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			buf = h.appendAttr(buf, p, ga)
		}
		return buf
	}
	buf = append(buf, ' ')
	buf = h.paint(buf, ansiCyan, func(b []byte) []byte {
		b = append(b, prefix...)
		b = append(b, a.Key...)
		return append(b, '=')
	})
	if a.Key == "err" || a.Key == "error" {
		return h.paint(buf, ansiRed, func(b []byte) []byte { return appendValue(b, a.Value) })
	}
	return appendValue(buf, a.Value)
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if needsQuoting(s) {
			return strconv.AppendQuote(buf, s)
		}
		return append(buf, s...)
	case slog.KindDuration:
		return append(buf, v.Duration().Round(time.Microsecond).String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindInt64:
		return strconv.AppendInt(buf, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(buf, v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'g', -1, 64)
	case slog.KindBool:
		return strconv.AppendBool(buf, v.Bool())
	default:
		s := fmt.Sprint(v.Any())
		if needsQuoting(s) {
			return strconv.AppendQuote(buf, s)
		}
		return append(buf, s...)
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return ansiRed
	case l >= slog.LevelWarn:
		return ansiYellow
	case l >= slog.LevelInfo:
		return ansiGreen
	default:
		return ansiGray
	}
}

func needsQuoting(s string) bool {
	if s == "" {
		return false
	}
	return strings.ContainsAny(s, " \t\n\"=")
}
