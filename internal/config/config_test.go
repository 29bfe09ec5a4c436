package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateDefaultIsValid(t *testing.T) {
	cfg := GenerateDefault()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Runner.Kind != RunnerCLI {
		t.Errorf("default runner kind = %q", cfg.Runner.Kind)
	}
	if cfg.Policy.RetroEvery != "auto" {
		t.Errorf("default retro_every = %q", cfg.Policy.RetroEvery)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing version", func(c *Config) { c.Version = "" }, "version"},
		{"missing runner kind", func(c *Config) { c.Runner.Kind = "" }, "runner.kind"},
		{"unknown runner kind", func(c *Config) { c.Runner.Kind = "telepathy" }, "unknown runner kind"},
		{"cli without cmd", func(c *Config) { c.Runner.Cmd = nil }, "requires a 'cmd'"},
		{"anthropic without model", func(c *Config) {
			c.Runner.Kind = RunnerAnthropic
			c.Runner.Model = ""
		}, "requires a 'model'"},
		{"negative timeout", func(c *Config) { c.Runner.TimeoutS = -1 }, "timeout_s"},
		{"negative retries", func(c *Config) { c.Policy.ParseRetries = -1 }, "retry counts"},
		{"bad retro_every", func(c *Config) { c.Policy.RetroEvery = "sometimes" }, "retro_every"},
		{"negative max_turns", func(c *Config) { c.Policy.MaxTurns = -5 }, "max_turns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GenerateDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	cfg := GenerateDefault()
	cfg.Runner.Kind = RunnerAnthropic
	cfg.Runner.Model = "claude-sonnet-4-5"
	cfg.Policy.RetroEvery = "6"

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Runner.Kind != RunnerAnthropic || loaded.Runner.Model != "claude-sonnet-4-5" {
		t.Errorf("runner not preserved: %+v", loaded.Runner)
	}
	if loaded.Policy.RetroEvery != "6" {
		t.Errorf("retro_every = %q", loaded.Policy.RetroEvery)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.json"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEmptyConfigFailsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := (&Config{}).SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}
	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if err := loaded.Validate(); err == nil {
		t.Error("empty config should fail validation")
	}
}
