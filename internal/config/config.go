package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// FileName is the configuration file kept at the workspace root.
const FileName = "cadence.json"

// Runner kinds.
const (
	RunnerCLI       = "cli"
	RunnerAnthropic = "anthropic"
)

// Config represents the cadence.json configuration file
type Config struct {
	Version string `json:"version"`
	Runner  Runner `json:"runner"`
	Policy  Policy `json:"policy"`
}

// Runner configures how agent turns are executed
type Runner struct {
	Kind     string            `json:"kind"`
	Cmd      []string          `json:"cmd,omitempty"`
	Model    string            `json:"model,omitempty"`
	TimeoutS int               `json:"timeout_s,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// Policy contains loop policy settings
type Policy struct {
	RunnerRetries   int    `json:"runner_retries"`
	ParseRetries    int    `json:"parse_retries"`
	LedgerRetries   int    `json:"ledger_retries"`
	RetroEvery      string `json:"retro_every"`
	RetroCountsTurn bool   `json:"retro_counts_turn"`
	MaxTurns        int    `json:"max_turns,omitempty"`

	// ResumeOnInterrupt wakes a paused session when interrupt-flagged
	// feedback arrives.
	ResumeOnInterrupt bool `json:"resume_on_interrupt,omitempty"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version: "1.0",
		Runner: Runner{
			Kind:     RunnerCLI,
			Cmd:      []string{"claude", "--dangerously-skip-permissions", "-p"},
			TimeoutS: 1800,
		},
		Policy: Policy{
			RunnerRetries:   1,
			ParseRetries:    1,
			LedgerRetries:   1,
			RetroEvery:      "auto",
			RetroCountsTurn: false,
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	switch c.Runner.Kind {
	case RunnerCLI:
		if len(c.Runner.Cmd) == 0 {
			return fmt.Errorf("configuration error: runner kind 'cli' requires a 'cmd' field\n\nHint: Specify the command to run the agent:\n  \"runner\": {\n    \"kind\": \"cli\",\n    \"cmd\": [\"claude\", \"-p\"]\n  }")
		}
	case RunnerAnthropic:
		if c.Runner.Model == "" {
			return fmt.Errorf("configuration error: runner kind 'anthropic' requires a 'model' field\n\nHint: Name the model to call:\n  \"runner\": {\n    \"kind\": \"anthropic\",\n    \"model\": \"claude-sonnet-4-5\"\n  }")
		}
	case "":
		return fmt.Errorf("configuration error: missing required field 'runner.kind'\n\nHint: Set it to \"cli\" or \"anthropic\"")
	default:
		return fmt.Errorf("configuration error: unknown runner kind '%s'\n\nHint: Supported kinds are \"cli\" and \"anthropic\"", c.Runner.Kind)
	}

	if c.Runner.TimeoutS < 0 {
		return fmt.Errorf("configuration error: 'runner.timeout_s' must not be negative")
	}

	if c.Policy.RunnerRetries < 0 || c.Policy.ParseRetries < 0 || c.Policy.LedgerRetries < 0 {
		return fmt.Errorf("configuration error: retry counts must not be negative")
	}

	if !validRetroEvery(c.Policy.RetroEvery) {
		return fmt.Errorf("configuration error: invalid 'policy.retro_every' value: %q\n\nHint: Use \"auto\", \"off\", or a positive turn count like \"4\"", c.Policy.RetroEvery)
	}

	if c.Policy.MaxTurns < 0 {
		return fmt.Errorf("configuration error: 'policy.max_turns' must not be negative")
	}

	return nil
}

func validRetroEvery(v string) bool {
	if v == "" || v == "auto" || v == "off" {
		return true
	}
	n, err := strconv.Atoi(v)
	return err == nil && n >= 1
}

// LoadFromFile loads a configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a JSON file with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}
