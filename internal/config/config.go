// Package config defines the engine configuration and its validation rules.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables (PATCHPILOT_ prefix). Invalid configuration is a fatal error:
// the loop refuses to start rather than running with guessed values.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrInvalid tags configuration validation failures. The run must not start
// when Load returns an error wrapping ErrInvalid.
var ErrInvalid = errors.New("invalid configuration")

// Provider backend types.
const (
	ProviderCommand = "command"
	ProviderHTTP    = "http"
	ProviderHosted  = "hosted"
	ProviderManual  = "manual"
)

// Hosted API vendors.
const (
	APIOpenAI    = "openai"
	APIAnthropic = "anthropic"
)

// Gate output parsers.
const (
	ParserExit         = "exit"
	ParserCoverage     = "coverage"
	ParserJSONFindings = "json_findings"
)

// Config is the complete engine configuration.
type Config struct {
	Provider ProviderConfig `koanf:"provider"`
	Loop     LoopConfig     `koanf:"loop"`
	Commands CommandsConfig `koanf:"commands"`
	Git      GitConfig      `koanf:"git"`
	Patch    PatchConfig    `koanf:"patch"`
	Gate     GateConfig     `koanf:"gate"`
	Control  ControlConfig  `koanf:"control"`
}

// ProviderConfig selects and tunes the model backend.
type ProviderConfig struct {
	Type    string        `koanf:"type"`
	Model   string        `koanf:"model"`
	Timeout time.Duration `koanf:"timeout"`

	// http backend
	BaseURL string `koanf:"base_url"`
	Retries int    `koanf:"retries"`

	// command backend
	Command []string `koanf:"command"`
	UsePTY  bool     `koanf:"use_pty"`

	// hosted backend
	API       string `koanf:"api"`
	APIKeyEnv string `koanf:"api_key_env"`

	// manual backend
	PollInterval time.Duration `koanf:"poll_interval"`
	WaitTimeout  time.Duration `koanf:"wait_timeout"`
}

// LoopConfig bounds the cycle loop.
type LoopConfig struct {
	MaxCycles             int           `koanf:"max_cycles"`
	Cooldown              time.Duration `koanf:"cooldown"`
	ApplyPatches          bool          `koanf:"apply_patches"`
	RequireManualApproval bool          `koanf:"require_manual_approval"`
	MaxConsecutiveErrors  int           `koanf:"max_consecutive_errors"`
}

// CommandSpec is one analysis command: an argv, a hard timeout, and an
// optional glob of produced files to copy into the cycle's artifact dir.
type CommandSpec struct {
	Argv          []string      `koanf:"argv"`
	Timeout       time.Duration `koanf:"timeout"`
	ArtifactsGlob string        `koanf:"artifacts_glob"`
}

// Enabled reports whether the command is configured at all.
func (c CommandSpec) Enabled() bool { return len(c.Argv) > 0 }

// CommandsConfig holds the analysis commands run at the top of every cycle.
// Each one is optional; disabled commands are skipped silently.
type CommandsConfig struct {
	Analyze     CommandSpec `koanf:"analyze"`
	Test        CommandSpec `koanf:"test"`
	E2E         CommandSpec `koanf:"e2e"`
	Screenshots CommandSpec `koanf:"screenshots"`
}

// NamedCommand pairs a command spec with its section name.
type NamedCommand struct {
	Name string
	Spec CommandSpec
}

// Enabled returns the configured commands in fixed execution order.
func (c CommandsConfig) Enabled() []NamedCommand {
	all := []NamedCommand{
		{"analyze", c.Analyze},
		{"test", c.Test},
		{"e2e", c.E2E},
		{"screenshots", c.Screenshots},
	}
	out := make([]NamedCommand, 0, len(all))
	for _, nc := range all {
		if nc.Spec.Enabled() {
			out = append(out, nc)
		}
	}
	return out
}

// GitConfig controls commit and push behavior.
type GitConfig struct {
	Commit       bool          `koanf:"commit"`
	Branch       string        `koanf:"branch"`
	Push         bool          `koanf:"push"`
	Remote       string        `koanf:"remote"`
	Cadence      time.Duration `koanf:"cadence"`
	PushInterval time.Duration `koanf:"push_interval"`
}

// PatchConfig tunes patch application.
type PatchConfig struct {
	// PathPrefix rewrites a/ and b/ paths so patches written against a
	// subdirectory apply from the repository root (monorepo layouts).
	PathPrefix string `koanf:"path_prefix"`
}

// GateSpecConfig describes one verification gate.
type GateSpecConfig struct {
	Name     string        `koanf:"name"`
	Argv     []string      `koanf:"argv"`
	Required bool          `koanf:"required"`
	Critical bool          `koanf:"critical"`
	Timeout  time.Duration `koanf:"timeout"`
	Parser   string        `koanf:"parser"`
}

// GateConfig configures the verification pipeline.
type GateConfig struct {
	MinCoverage   float64          `koanf:"min_coverage"`
	RulePacks     []string         `koanf:"rule_packs"`
	EnabledChecks []string         `koanf:"enabled_checks"`
	FailFast      bool             `koanf:"fail_fast"`
	Parallel      bool             `koanf:"parallel"`
	Gates         []GateSpecConfig `koanf:"gates"`
}

// ControlConfig locates the engine state directory (status file, control
// markers, artifact bundles, manual inbox) and the marker poll interval.
type ControlConfig struct {
	Dir          string        `koanf:"dir"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// Default returns the built-in configuration. It is valid as-is: the manual
// backend needs no external services.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Type:         ProviderManual,
			Timeout:      2 * time.Minute,
			BaseURL:      "http://127.0.0.1:11434",
			Retries:      3,
			PollInterval: 2 * time.Second,
			WaitTimeout:  10 * time.Minute,
		},
		Loop: LoopConfig{
			MaxCycles:            0,
			Cooldown:             20 * time.Second,
			ApplyPatches:         true,
			MaxConsecutiveErrors: 5,
		},
		Git: GitConfig{
			Commit:       true,
			Remote:       "origin",
			Cadence:      20 * time.Minute,
			PushInterval: 30 * time.Minute,
		},
		Control: ControlConfig{
			Dir:          ".patchpilot",
			PollInterval: 2 * time.Second,
		},
	}
}

// applyDefaults fills zero values that have non-zero defaults. Called after
// unmarshal so a partial file inherits the rest.
func applyDefaults(c *Config) {
	d := Default()
	if c.Provider.Type == "" {
		c.Provider.Type = d.Provider.Type
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = d.Provider.Timeout
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = d.Provider.BaseURL
	}
	if c.Provider.Retries == 0 {
		c.Provider.Retries = d.Provider.Retries
	}
	if c.Provider.PollInterval == 0 {
		c.Provider.PollInterval = d.Provider.PollInterval
	}
	if c.Provider.WaitTimeout == 0 {
		c.Provider.WaitTimeout = d.Provider.WaitTimeout
	}
	if c.Loop.Cooldown == 0 {
		c.Loop.Cooldown = d.Loop.Cooldown
	}
	if c.Loop.MaxConsecutiveErrors == 0 {
		c.Loop.MaxConsecutiveErrors = d.Loop.MaxConsecutiveErrors
	}
	if c.Git.Remote == "" {
		c.Git.Remote = d.Git.Remote
	}
	if c.Git.Cadence == 0 {
		c.Git.Cadence = d.Git.Cadence
	}
	if c.Git.PushInterval == 0 {
		c.Git.PushInterval = d.Git.PushInterval
	}
	if c.Control.Dir == "" {
		c.Control.Dir = d.Control.Dir
	}
	if c.Control.PollInterval == 0 {
		c.Control.PollInterval = d.Control.PollInterval
	}
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the configuration. Any error wraps ErrInvalid.
func (c *Config) Validate() error {
	if err := c.validateProvider(); err != nil {
		return err
	}
	if c.Loop.MaxCycles < 0 {
		return invalidf("loop.max_cycles must be >= 0, got %d", c.Loop.MaxCycles)
	}
	if c.Loop.Cooldown < 0 {
		return invalidf("loop.cooldown must be >= 0")
	}
	if c.Loop.MaxConsecutiveErrors < 1 {
		return invalidf("loop.max_consecutive_errors must be >= 1")
	}
	for _, nc := range c.Commands.Enabled() {
		if nc.Spec.Timeout < 0 {
			return invalidf("commands.%s.timeout must be >= 0", nc.Name)
		}
	}
	if c.Git.Push && c.Git.Remote == "" {
		return invalidf("git.remote required when git.push is enabled")
	}
	if c.Git.Cadence < 0 {
		return invalidf("git.cadence must be >= 0")
	}
	if err := c.validateGate(); err != nil {
		return err
	}
	if c.Control.Dir == "" {
		return invalidf("control.dir must not be empty")
	}
	if c.Control.PollInterval <= 0 {
		return invalidf("control.poll_interval must be > 0")
	}
	return nil
}

func (c *Config) validateProvider() error {
	p := c.Provider
	if p.Timeout <= 0 {
		return invalidf("provider.timeout must be > 0")
	}
	switch p.Type {
	case ProviderCommand:
		if len(p.Command) == 0 {
			return invalidf("provider.command required for the command backend")
		}
	case ProviderHTTP:
		if p.BaseURL == "" {
			return invalidf("provider.base_url required for the http backend")
		}
		u, err := url.Parse(p.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return invalidf("provider.base_url %q is not an absolute URL", p.BaseURL)
		}
		if p.Retries < 0 {
			return invalidf("provider.retries must be >= 0")
		}
	case ProviderHosted:
		if p.API != APIOpenAI && p.API != APIAnthropic {
			return invalidf("provider.api must be %q or %q, got %q", APIOpenAI, APIAnthropic, p.API)
		}
		if p.APIKeyEnv == "" {
			return invalidf("provider.api_key_env required for the hosted backend")
		}
		if p.Model == "" {
			return invalidf("provider.model required for the hosted backend")
		}
	case ProviderManual:
		if p.PollInterval <= 0 {
			return invalidf("provider.poll_interval must be > 0")
		}
		if p.WaitTimeout <= 0 {
			return invalidf("provider.wait_timeout must be > 0")
		}
	default:
		return invalidf("provider.type %q is not one of command, http, hosted, manual", p.Type)
	}
	return nil
}

func (c *Config) validateGate() error {
	g := c.Gate
	if g.MinCoverage < 0 || g.MinCoverage > 100 {
		return invalidf("gate.min_coverage must be within [0, 100], got %v", g.MinCoverage)
	}
	seen := make(map[string]bool, len(g.Gates))
	for i, spec := range g.Gates {
		if spec.Name == "" {
			return invalidf("gate.gates[%d].name must not be empty", i)
		}
		if seen[spec.Name] {
			return invalidf("gate.gates: duplicate name %q", spec.Name)
		}
		seen[spec.Name] = true
		if len(spec.Argv) == 0 {
			return invalidf("gate.gates[%d] (%s): argv must not be empty", i, spec.Name)
		}
		if spec.Timeout < 0 {
			return invalidf("gate.gates[%d] (%s): timeout must be >= 0", i, spec.Name)
		}
		switch spec.Parser {
		case "", ParserExit, ParserCoverage, ParserJSONFindings:
		default:
			return invalidf("gate.gates[%d] (%s): unknown parser %q", i, spec.Name, spec.Parser)
		}
	}
	return nil
}
