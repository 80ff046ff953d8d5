package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ggufq/internal/convert"
	"github.com/samcharles93/ggufq/internal/gguf"
	"github.com/samcharles93/ggufq/internal/testutil"
	"github.com/samcharles93/ggufq/internal/version"
	"github.com/samcharles93/ggufq/pkg/quant"
)

// runApp runs the CLI with captured output and no user config file.
func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	if os.Getenv(configEnv) == "" {
		t.Setenv(configEnv, filepath.Join(t.TempDir(), "absent.yaml"))
	}
	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	err := app.Run(context.Background(), append([]string{"ggufq", "--log-format", "text"}, args...))
	return stdout.String(), stderr.String(), err
}

func writeShard(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	testutil.WriteSafetensors(t, path,
		testutil.F32("blk.0.attn_q.weight", []int{2, 32}, testutil.Ramp(64)),
		testutil.F32("blk.0.attn_norm.bias", []int{4}, testutil.Ramp(4)),
	)
	return path
}

func TestQuantizeFlat(t *testing.T) {
	in := writeShard(t)
	out := filepath.Join(t.TempDir(), "model.gguf")

	stdout, _, err := runApp(t, "quantize", "--in", in, "--out", out, "-q", "q8_0", "--digest")
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	for _, want := range []string{"f32=1,q8_0=1", "xxh3:", "mode baseline"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("summary missing %q:\n%s", want, stdout)
		}
	}

	f, err := gguf.Open(out)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer func() { _ = f.Close() }()
	ti, ok := f.TensorByName("blk.0.attn_q.weight")
	if !ok {
		t.Fatalf("weight tensor missing from %v", f.Names())
	}
	if ti.Type != gguf.TensorType(quant.Q8_0) {
		t.Fatalf("weight type = %s, want q8_0", ti.Type)
	}
}

func TestQuantizePositionalInputs(t *testing.T) {
	in := writeShard(t)
	out := filepath.Join(t.TempDir(), "model.gguf")

	if _, _, err := runApp(t, "quantize", "--out", out, in); err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected output file: %v", err)
	}
}

func TestQuantizeUsesConfigDefaults(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("quantization: q8_0\nworkers: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(configEnv, cfgPath)
	in := writeShard(t)

	t.Run("config fills unset flag", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "model.gguf")
		stdout, _, err := runApp(t, "quantize", "--in", in, "--out", out)
		if err != nil {
			t.Fatalf("quantize: %v", err)
		}
		if !strings.Contains(stdout, "q8_0=1") {
			t.Fatalf("expected q8_0 from config:\n%s", stdout)
		}
	})

	t.Run("flag beats config", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "model.gguf")
		stdout, _, err := runApp(t, "quantize", "--in", in, "--out", out, "-q", "q4_0")
		if err != nil {
			t.Fatalf("quantize: %v", err)
		}
		if !strings.Contains(stdout, "q4_0=1") {
			t.Fatalf("expected q4_0 from flag:\n%s", stdout)
		}
	})
}

func TestQuantizeUsageErrors(t *testing.T) {
	in := writeShard(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "model.gguf")

	cases := map[string][]string{
		"unknown codec":  {"quantize", "--in", in, "--out", out, "-q", "q3_0"},
		"unknown mode":   {"quantize", "--in", in, "--out", out, "--mode", "mistral"},
		"unknown format": {"quantize", "--in", in, "--out", out, "--format", "onnx"},
		"missing output": {"quantize", "--in", in},
		"missing input":  {"quantize", "--out", out},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := runApp(t, args...)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if code := exitCode(err); code != 2 {
				t.Fatalf("exit code = %d, want 2 (err: %v)", code, err)
			}
		})
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("usage errors must not create %s (stat err %v)", out, err)
	}
}

func TestQuantizeMetricsFile(t *testing.T) {
	in := writeShard(t)
	dir := t.TempDir()
	prom := filepath.Join(dir, "run.prom")

	_, _, err := runApp(t, "quantize", "--in", in, "--out", filepath.Join(dir, "m.gguf"), "--metrics-file", prom)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	data, err := os.ReadFile(prom)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(data), "ggufq_tensors_total") {
		t.Fatalf("metrics file missing tensor counter:\n%s", data)
	}
}

func TestInspectJSON(t *testing.T) {
	in := writeShard(t)

	stdout, _, err := runApp(t, "inspect", "--json", "--hash", in)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var report inspectReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, stdout)
	}
	if report.Format != "safetensors" {
		t.Fatalf("format = %q", report.Format)
	}
	if len(report.Tensors) != 2 {
		t.Fatalf("got %d tensors, want 2", len(report.Tensors))
	}
	for _, tt := range report.Tensors {
		if len(tt.XXH3) != 16 {
			t.Fatalf("tensor %s: hash %q", tt.Name, tt.XXH3)
		}
	}
}

func TestInspectGGUFMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.gguf")
	var meta gguf.Metadata
	meta.Set("general.architecture", gguf.Value{Type: gguf.TypeString, Value: "llama"})
	testutil.WriteGGUF(t, path, meta, testutil.F32("token_embd.weight", []int{2, 4}, testutil.Ramp(8)))

	stdout, _, err := runApp(t, "inspect", "--metadata", "--in", path)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"format: gguf", `general.architecture = "llama"`, "token_embd.weight", "[2 x 4]"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("output missing %q:\n%s", want, stdout)
		}
	}
}

func TestVersionJSON(t *testing.T) {
	stdout, _, err := runApp(t, "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var info version.Info
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Version == "" || info.GoVersion == "" {
		t.Fatalf("incomplete version info: %+v", info)
	}
}

func TestExitCode(t *testing.T) {
	usage := &convert.Error{Kind: convert.ErrUsage, Stage: convert.StageValidate, Err: errors.New("bad")}
	if got := exitCode(usage); got != 2 {
		t.Fatalf("usage exit = %d", got)
	}
	io := &convert.Error{Kind: convert.ErrIO, Stage: convert.StageLoad, Err: errors.New("disk")}
	if got := exitCode(io); got != 1 {
		t.Fatalf("io exit = %d", got)
	}
	if got := exitCode(cli.Exit("custom", 7)); got != 7 {
		t.Fatalf("exit coder = %d", got)
	}
}
