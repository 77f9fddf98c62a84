package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	c := Default()
	c.Architecture = "llama"
	c.Dim = 64
	c.HiddenDim = 128
	c.Layers = 2
	c.Heads = 4
	c.KVHeads = 2
	c.HeadDim = 16
	c.VocabSize = 256
	return c
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.KVDim() != 32 {
		t.Errorf("KVDim: got %d want 32", c.KVDim())
	}
	if c.GQARatio() != 2 {
		t.Errorf("GQARatio: got %d want 2", c.GQARatio())
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero layers", func(c *Config) { c.Layers = 0 }},
		{"zero dim", func(c *Config) { c.Dim = 0 }},
		{"zero heads", func(c *Config) { c.Heads = 0 }},
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }},
		{"kv heads exceed heads", func(c *Config) { c.KVHeads = 8 }},
		{"uneven gqa ratio", func(c *Config) { c.KVHeads = 3 }},
		{"zero context", func(c *Config) { c.SeqLen = 0 }},
	}
	for _, tc := range cases {
		c := validConfig()
		tc.mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	body := `
model_path: /models/test.gguf
threads: 4
context_length: 1024
log_level: debug
metrics_addr: ":9191"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.ModelPath != "/models/test.gguf" || s.Threads != 4 || s.ContextLength != 1024 {
		t.Errorf("unexpected settings: %+v", s)
	}
	if s.LogLevel != "debug" || s.MetricsAddr != ":9191" {
		t.Errorf("unexpected settings: %+v", s)
	}
	// Defaults survive for keys the file does not set.
	if s.LogFormat != "console" {
		t.Errorf("log_format default lost: %q", s.LogFormat)
	}
}

func TestLoadSettingsRejectsNegativeThreads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("threads: -2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSettings(path); err == nil {
		t.Error("negative threads should fail validation")
	}
}
