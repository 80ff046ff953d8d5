package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	t.Run("missing file is empty", func(t *testing.T) {
		t.Setenv(configEnv, filepath.Join(t.TempDir(), "nope.yaml"))
		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig returned error: %v", err)
		}
		if cfg != (Config{}) {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("empty file is empty", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		t.Setenv(configEnv, path)
		if _, err := LoadConfig(); err != nil {
			t.Fatalf("LoadConfig returned error: %v", err)
		}
	})

	t.Run("fields", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		body := "quantization: q5_1\nmode: baseline\nworkers: 3\nmetrics_file: /tmp/q.prom\nlog_level: debug\nlog_format: json\n"
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		t.Setenv(configEnv, path)
		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig returned error: %v", err)
		}
		if cfg.Quantization != "q5_1" || cfg.Mode != "baseline" || cfg.MetricsFile != "/tmp/q.prom" {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		if cfg.Workers == nil || *cfg.Workers != 3 {
			t.Fatalf("workers = %v, want 3", cfg.Workers)
		}
		if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
			t.Fatalf("unexpected logging config: %+v", cfg)
		}
	})

	t.Run("unknown key is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("quantisation: q8_0\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		t.Setenv(configEnv, path)
		_, err := LoadConfig()
		if err == nil {
			t.Fatalf("expected an error for a misspelt key")
		}
		if !strings.Contains(err.Error(), path) {
			t.Fatalf("error should name the file: %v", err)
		}
	})
}

func TestBadConfigStopsTheRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("workers: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(configEnv, path)

	if _, _, err := runApp(t, "version"); err == nil {
		t.Fatalf("expected the config error to surface")
	}
}
