package source

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Format is a logical model file format.
type Format int

const (
	Unknown Format = iota
	Safetensors
	Npz
	Ggml
	Gguf
	Pth
	Pickle
)

var formatNames = map[Format]string{
	Safetensors: "safetensors",
	Npz:         "npz",
	Ggml:        "ggml",
	Gguf:        "gguf",
	Pth:         "pth",
	Pickle:      "pickle",
}

func (f Format) String() string {
	if s, ok := formatNames[f]; ok {
		return s
	}
	return "unknown"
}

// Infer maps a file extension to a format. ".bin" is deliberately not inferred:
// it has been used for both legacy ggml files and framework checkpoints.
func Infer(path string) (Format, bool) {
	switch strings.TrimPrefix(filepath.Ext(path), ".") {
	case "safetensors", "safetensor":
		return Safetensors, true
	case "npz":
		return Npz, true
	case "pth", "pt":
		return Pth, true
	case "ggml":
		return Ggml, true
	case "gguf":
		return Gguf, true
	default:
		return Unknown, false
	}
}

// ParseFormat resolves an explicit format name.
func ParseFormat(name string) (Format, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for f, s := range formatNames {
		if s == name {
			return f, nil
		}
	}
	return Unknown, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// Resolve returns override when set, otherwise the inferred format of path.
func Resolve(path string, override Format) (Format, error) {
	if override != Unknown {
		return override, nil
	}
	if f, ok := Infer(path); ok {
		return f, nil
	}
	return Unknown, fmt.Errorf("%w: cannot infer format of %s, pass it explicitly", ErrUnsupportedFormat, path)
}

// Multi reports whether a format may be split across several files.
func (f Format) Multi() bool { return f == Safetensors }
