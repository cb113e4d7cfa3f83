package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/forge/internal/types"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.yaml")
	content := `
data_dir: /var/lib/forge
listen: 0.0.0.0:9000
protected_paths: [deploy, secrets]
sandbox:
  runtime: docker
  image: golang:1.25
  exec_timeout: 90s
  max_age: 1d
safety:
  failure_threshold: 5
  reset_timeout: 10m
  max_experiments_per_day: 7
exploration:
  auto_approve_max_risk: MEDIUM
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/forge" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if len(cfg.ProtectedPaths) != 2 || cfg.ProtectedPaths[1] != "secrets" {
		t.Errorf("ProtectedPaths = %v", cfg.ProtectedPaths)
	}
	if cfg.Sandbox.Runtime != "docker" {
		t.Errorf("Sandbox.Runtime = %q", cfg.Sandbox.Runtime)
	}
	if time.Duration(cfg.Sandbox.ExecTimeout) != 90*time.Second {
		t.Errorf("ExecTimeout = %v", cfg.Sandbox.ExecTimeout)
	}
	if time.Duration(cfg.Sandbox.MaxAge) != 24*time.Hour {
		t.Errorf("MaxAge = %v", cfg.Sandbox.MaxAge)
	}
	// Untouched fields keep their defaults
	if time.Duration(cfg.Sandbox.MaxIdle) != 10*time.Minute {
		t.Errorf("MaxIdle = %v, want default", cfg.Sandbox.MaxIdle)
	}
	if cfg.Reflection.MaxIterations != 3 {
		t.Errorf("MaxIterations = %d, want default 3", cfg.Reflection.MaxIterations)
	}

	bc := cfg.BreakerConfig()
	if bc.FailureThreshold != 5 || bc.ResetTimeout != 10*time.Minute {
		t.Errorf("BreakerConfig = %+v", bc)
	}
	pc := cfg.PolicyConfig()
	if pc.MaxExperimentsPerDay != 7 {
		t.Errorf("MaxExperimentsPerDay = %d", pc.MaxExperimentsPerDay)
	}
	if pc.PersistStatePath != filepath.Join("/var/lib/forge", "policy_state.json") {
		t.Errorf("PersistStatePath = %q", pc.PersistStatePath)
	}
	if cfg.Exploration.AutoApproveMaxRisk != types.RiskMedium {
		t.Errorf("AutoApproveMaxRisk = %q", cfg.Exploration.AutoApproveMaxRisk)
	}
	if cfg.SandboxRoot() != filepath.Join("/var/lib/forge", "sandboxes") {
		t.Errorf("SandboxRoot = %q", cfg.SandboxRoot())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("explicit missing file should fail")
	}

	// The default file is optional
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load without forge.yaml: %v", err)
	}
	if cfg.Listen != Default().Listen {
		t.Errorf("Listen = %q, want default", cfg.Listen)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forge.yaml")
	os.WriteFile(path, []byte("sandbox:\n  max_idle: soon\n"), 0644)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("err = %v, want invalid duration", err)
	}
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "overrides",
			envVars: map[string]string{
				"FORGE_LISTEN":                            ":8080",
				"FORGE_PROTECTED_PATHS":                   "deploy, ,secrets",
				"FORGE_SANDBOX_MAX_IDLE":                  "2w",
				"FORGE_SAFETY_ERROR_RATE_THRESHOLD":       "0.25",
				"FORGE_SAFETY_MAX_HEAP_BYTES":             "1073741824",
				"FORGE_EXPLORATION_AUTO_APPROVE_MAX_RISK": "high",
				"FORGE_AI_ENABLED":                        "true",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Listen != ":8080" {
					t.Errorf("Listen = %q", cfg.Listen)
				}
				if len(cfg.ProtectedPaths) != 2 {
					t.Errorf("ProtectedPaths = %v", cfg.ProtectedPaths)
				}
				if time.Duration(cfg.Sandbox.MaxIdle) != 14*24*time.Hour {
					t.Errorf("MaxIdle = %v", cfg.Sandbox.MaxIdle)
				}
				if cfg.Safety.ErrorRateThreshold != 0.25 {
					t.Errorf("ErrorRateThreshold = %v", cfg.Safety.ErrorRateThreshold)
				}
				if cfg.Safety.MaxHeapBytes != 1<<30 {
					t.Errorf("MaxHeapBytes = %d", cfg.Safety.MaxHeapBytes)
				}
				if cfg.Exploration.AutoApproveMaxRisk != types.RiskHigh {
					t.Errorf("AutoApproveMaxRisk = %q", cfg.Exploration.AutoApproveMaxRisk)
				}
				if !cfg.AI.Enabled {
					t.Error("AI.Enabled should be true")
				}
			},
		},
		{
			name:    "invalid int",
			envVars: map[string]string{"FORGE_REFLECTION_MAX_ITERATIONS": "three"},
			wantErr: true,
		},
		{
			name:    "invalid bool",
			envVars: map[string]string{"FORGE_AI_ENABLED": "maybe"},
			wantErr: true,
		},
		{
			name:    "invalid duration",
			envVars: map[string]string{"FORGE_SAFETY_RESET_TIMEOUT": "later"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg := Default()
			err := cfg.ApplyEnv()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ApplyEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"unknown runtime", func(c *Config) { c.Sandbox.Runtime = "vm" }, "sandbox.runtime"},
		{"docker without image", func(c *Config) { c.Sandbox.Runtime, c.Sandbox.Image = "docker", "" }, "sandbox.image"},
		{"error rate above one", func(c *Config) { c.Safety.ErrorRateThreshold = 1.5 }, "error_rate_threshold"},
		{"zero reset timeout", func(c *Config) { c.Safety.ResetTimeout = 0 }, "reset_timeout"},
		{"too many iterations", func(c *Config) { c.Reflection.MaxIterations = 21 }, "max_iterations"},
		{"bad risk", func(c *Config) { c.Exploration.AutoApproveMaxRisk = "EXTREME" }, "auto_approve_max_risk"},
		{"no concurrency", func(c *Config) { c.Exploration.MaxConcurrent = 0 }, "max_concurrent"},
		{"no data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestCommandsPreferConfigured(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example.com/demo\n\ngo 1.25\n"), 0644)

	cfg := Default()
	cfg.RepoRoot = root
	cfg.Sandbox.TestCommand = "make test"

	cmds, err := cfg.Commands()
	if err != nil {
		t.Fatal(err)
	}
	if cmds.Test != "make test" {
		t.Errorf("Test = %q, want configured command", cmds.Test)
	}
	if cmds.TypeCheck != "go vet ./..." {
		t.Errorf("TypeCheck = %q, want detected go vet", cmds.TypeCheck)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forge.yaml")
	cfg := Default()
	cfg.Safety.ResetTimeout = Duration(7 * time.Minute)
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Safety.ResetTimeout != cfg.Safety.ResetTimeout {
		t.Errorf("ResetTimeout = %v, want %v", loaded.Safety.ResetTimeout, cfg.Safety.ResetTimeout)
	}
}
