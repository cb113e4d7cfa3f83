// Package config loads forge configuration from forge.yaml and FORGE_*
// environment variables.
//
// Precedence, lowest first: built-in defaults, the YAML file, the
// environment. The result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/forge/internal/safety"
	"github.com/steveyegge/forge/internal/sandbox"
	"github.com/steveyegge/forge/internal/types"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "forge.yaml"

// Config is the complete forge configuration.
type Config struct {
	// DataDir holds the audit ledger, snapshots, artifacts, hypotheses and
	// the SQLite database (default: .forge)
	DataDir string `yaml:"data_dir"`

	// RepoRoot is the working tree forge modifies (default: .)
	RepoRoot string `yaml:"repo_root"`

	// Listen is the API listen address (default: 127.0.0.1:7420)
	Listen string `yaml:"listen"`

	// ProtectedPaths may never be written by a sandbox or a handoff
	ProtectedPaths []string `yaml:"protected_paths,omitempty"`

	// VerifyCommand runs in the repo root after a handoff writes its files;
	// a non-zero exit restores the snapshot (optional)
	VerifyCommand string `yaml:"verify_command,omitempty"`

	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Safety      SafetyConfig      `yaml:"safety"`
	Reflection  ReflectionConfig  `yaml:"reflection"`
	Exploration ExplorationConfig `yaml:"exploration"`
	AI          AIConfig          `yaml:"ai"`
}

// SandboxConfig configures the sandbox manager and reaper.
type SandboxConfig struct {
	Runtime          string   `yaml:"runtime"` // docker or host
	Image            string   `yaml:"image,omitempty"`
	Network          string   `yaml:"network,omitempty"`
	Root             string   `yaml:"root,omitempty"` // default: <data_dir>/sandboxes
	TestCommand      string   `yaml:"test_command,omitempty"`
	TestPattern      string   `yaml:"test_pattern,omitempty"`
	TypeCheckCommand string   `yaml:"typecheck_command,omitempty"`
	ServerCommand    string   `yaml:"server_command,omitempty"`
	ExecTimeout      Duration `yaml:"exec_timeout"`
	MaxAge           Duration `yaml:"max_age"`
	MaxIdle          Duration `yaml:"max_idle"`
	DeniedCommands   []string `yaml:"denied_commands,omitempty"`
}

// SafetyConfig configures the circuit breaker and safety policy.
type SafetyConfig struct {
	FailureThreshold      int      `yaml:"failure_threshold"`
	ErrorRateThreshold    float64  `yaml:"error_rate_threshold"`
	ErrorRateWindow       Duration `yaml:"error_rate_window"`
	MinSamples            int      `yaml:"min_samples"`
	MinSafetyScore        float64  `yaml:"min_safety_score"`
	MaxHeapBytes          uint64   `yaml:"max_heap_bytes"`
	MaxActiveHighRisk     int      `yaml:"max_active_high_risk"`
	ResetTimeout          Duration `yaml:"reset_timeout"`
	MaxExperimentsPerDay  int      `yaml:"max_experiments_per_day"`
	ExperimentCooldown    Duration `yaml:"experiment_cooldown"`
	MaxConcurrentHighRisk int      `yaml:"max_concurrent_high_risk"`
}

// ReflectionConfig configures the reflection loop and API waits.
type ReflectionConfig struct {
	MaxIterations int      `yaml:"max_iterations"`
	WaitTimeout   Duration `yaml:"wait_timeout"`
}

// ExplorationConfig configures the exploration queue.
type ExplorationConfig struct {
	MaxConcurrent      int             `yaml:"max_concurrent"`
	TriggerRate        float64         `yaml:"trigger_rate"` // hypotheses per second
	TriggerBurst       int             `yaml:"trigger_burst"`
	AutoApproveMaxRisk types.RiskLevel `yaml:"auto_approve_max_risk"`
	MinConfidence      float64         `yaml:"min_confidence"`
	SweepInterval      Duration        `yaml:"sweep_interval"`
}

// AIConfig configures the model-backed refiner and hypothesis generator.
type AIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	breaker := safety.DefaultBreakerConfig()
	policy := safety.DefaultPolicyConfig()
	return &Config{
		DataDir:  ".forge",
		RepoRoot: ".",
		Listen:   "127.0.0.1:7420",
		Sandbox: SandboxConfig{
			Runtime:     "host",
			Image:       "golang:1.25",
			ExecTimeout: Duration(2 * time.Minute),
			MaxAge:      Duration(time.Hour),
			MaxIdle:     Duration(10 * time.Minute),
		},
		Safety: SafetyConfig{
			FailureThreshold:      breaker.FailureThreshold,
			ErrorRateThreshold:    breaker.ErrorRateThreshold,
			ErrorRateWindow:       Duration(breaker.ErrorRateWindow),
			MinSamples:            breaker.MinSamples,
			MinSafetyScore:        breaker.MinSafetyScore,
			MaxHeapBytes:          breaker.MaxHeapBytes,
			MaxActiveHighRisk:     breaker.MaxActiveHighRisk,
			ResetTimeout:          Duration(breaker.ResetTimeout),
			MaxExperimentsPerDay:  policy.MaxExperimentsPerDay,
			ExperimentCooldown:    Duration(policy.ExperimentCooldown),
			MaxConcurrentHighRisk: policy.MaxConcurrentHighRisk,
		},
		Reflection: ReflectionConfig{
			MaxIterations: 3,
			WaitTimeout:   Duration(5 * time.Minute),
		},
		Exploration: ExplorationConfig{
			MaxConcurrent:      3,
			TriggerRate:        1,
			TriggerBurst:       5,
			AutoApproveMaxRisk: types.RiskLow,
			MinConfidence:      0.5,
			SweepInterval:      Duration(time.Minute),
		},
	}
}

// Load reads path (if it exists) over the defaults, applies FORGE_*
// environment overrides and validates the result. An empty path means
// forge.yaml in the working directory; a missing default file is not an
// error, a missing explicit one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.RepoRoot == "" {
		return fmt.Errorf("repo_root is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}

	switch c.Sandbox.Runtime {
	case "host":
	case "docker":
		if c.Sandbox.Image == "" {
			return fmt.Errorf("sandbox.image is required for the docker runtime")
		}
	default:
		return fmt.Errorf("sandbox.runtime must be 'docker' or 'host' (got %q)", c.Sandbox.Runtime)
	}
	if c.Sandbox.ExecTimeout < 0 || c.Sandbox.MaxAge < 0 || c.Sandbox.MaxIdle < 0 {
		return fmt.Errorf("sandbox durations cannot be negative")
	}

	s := c.Safety
	if s.FailureThreshold < 0 {
		return fmt.Errorf("safety.failure_threshold cannot be negative (got %d)", s.FailureThreshold)
	}
	if s.ErrorRateThreshold < 0 || s.ErrorRateThreshold > 1 {
		return fmt.Errorf("safety.error_rate_threshold must be between 0 and 1 (got %v)", s.ErrorRateThreshold)
	}
	if s.MinSafetyScore < 0 || s.MinSafetyScore > 1 {
		return fmt.Errorf("safety.min_safety_score must be between 0 and 1 (got %v)", s.MinSafetyScore)
	}
	if s.MaxExperimentsPerDay < 0 || s.MaxConcurrentHighRisk < 0 || s.MaxActiveHighRisk < 0 {
		return fmt.Errorf("safety limits cannot be negative")
	}
	if s.ResetTimeout <= 0 {
		return fmt.Errorf("safety.reset_timeout must be positive")
	}

	if c.Reflection.MaxIterations < 1 || c.Reflection.MaxIterations > 20 {
		return fmt.Errorf("reflection.max_iterations must be between 1 and 20 (got %d)", c.Reflection.MaxIterations)
	}

	e := c.Exploration
	if e.MaxConcurrent < 1 {
		return fmt.Errorf("exploration.max_concurrent must be at least 1 (got %d)", e.MaxConcurrent)
	}
	if e.TriggerRate <= 0 || e.TriggerBurst < 1 {
		return fmt.Errorf("exploration.trigger_rate and trigger_burst must be positive")
	}
	if !e.AutoApproveMaxRisk.IsValid() {
		return fmt.Errorf("exploration.auto_approve_max_risk must be LOW, MEDIUM or HIGH (got %q)", e.AutoApproveMaxRisk)
	}
	if e.MinConfidence < 0 || e.MinConfidence > 1 {
		return fmt.Errorf("exploration.min_confidence must be between 0 and 1 (got %v)", e.MinConfidence)
	}
	return nil
}

// BreakerConfig returns the circuit breaker settings.
func (c *Config) BreakerConfig() safety.BreakerConfig {
	return safety.BreakerConfig{
		FailureThreshold:   c.Safety.FailureThreshold,
		ErrorRateThreshold: c.Safety.ErrorRateThreshold,
		ErrorRateWindow:    time.Duration(c.Safety.ErrorRateWindow),
		MinSamples:         c.Safety.MinSamples,
		MinSafetyScore:     c.Safety.MinSafetyScore,
		MaxHeapBytes:       c.Safety.MaxHeapBytes,
		MaxActiveHighRisk:  c.Safety.MaxActiveHighRisk,
		ResetTimeout:       time.Duration(c.Safety.ResetTimeout),
	}
}

// PolicyConfig returns the safety policy settings. Counters persist under
// the data dir.
func (c *Config) PolicyConfig() safety.PolicyConfig {
	return safety.PolicyConfig{
		MaxExperimentsPerDay:  c.Safety.MaxExperimentsPerDay,
		ExperimentCooldown:    time.Duration(c.Safety.ExperimentCooldown),
		MaxConcurrentHighRisk: c.Safety.MaxConcurrentHighRisk,
		PersistStatePath:      c.Path("policy_state.json"),
	}
}

// Commands returns the sandbox validation commands: configured ones first,
// the rest detected from the repository.
func (c *Config) Commands() (sandbox.Commands, error) {
	detected, err := sandbox.DetectCommands(c.RepoRoot)
	if err != nil {
		return sandbox.Commands{}, err
	}
	return sandbox.Commands{
		Test:        c.Sandbox.TestCommand,
		TestPattern: c.Sandbox.TestPattern,
		TypeCheck:   c.Sandbox.TypeCheckCommand,
		Server:      c.Sandbox.ServerCommand,
	}.Merge(detected), nil
}

// Path joins elem onto the data dir.
func (c *Config) Path(elem ...string) string {
	return filepath.Join(append([]string{c.DataDir}, elem...)...)
}

// SandboxRoot is where sandbox working copies live.
func (c *Config) SandboxRoot() string {
	if c.Sandbox.Root != "" {
		return c.Sandbox.Root
	}
	return c.Path("sandboxes")
}

// Duration is a time.Duration that reads from YAML as "90s", "10m", "7d"
// or "2w".
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ParseDuration extends time.ParseDuration to support days and weeks.
func ParseDuration(s string) (time.Duration, error) {
	var n int
	var unit string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &unit); err == nil {
		switch unit {
		case "d":
			return time.Duration(n) * 24 * time.Hour, nil
		case "w":
			return time.Duration(n) * 7 * 24 * time.Hour, nil
		}
	}
	return time.ParseDuration(s)
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
