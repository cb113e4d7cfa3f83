package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/steveyegge/forge/internal/types"
)

// ApplyEnv overrides configuration from environment variables.
//
// Environment variables:
//   - FORGE_DATA_DIR, FORGE_REPO_ROOT, FORGE_LISTEN
//   - FORGE_PROTECTED_PATHS: comma-separated
//   - FORGE_VERIFY_COMMAND
//   - FORGE_SANDBOX_RUNTIME, FORGE_SANDBOX_IMAGE, FORGE_SANDBOX_ROOT
//   - FORGE_SANDBOX_TEST_COMMAND, FORGE_SANDBOX_TYPECHECK_COMMAND, FORGE_SANDBOX_SERVER_COMMAND
//   - FORGE_SANDBOX_EXEC_TIMEOUT, FORGE_SANDBOX_MAX_AGE, FORGE_SANDBOX_MAX_IDLE
//   - FORGE_SAFETY_FAILURE_THRESHOLD, FORGE_SAFETY_ERROR_RATE_THRESHOLD, FORGE_SAFETY_RESET_TIMEOUT
//   - FORGE_SAFETY_MIN_SAFETY_SCORE, FORGE_SAFETY_MAX_HEAP_BYTES
//   - FORGE_SAFETY_MAX_EXPERIMENTS_PER_DAY, FORGE_SAFETY_EXPERIMENT_COOLDOWN
//   - FORGE_SAFETY_MAX_CONCURRENT_HIGH_RISK
//   - FORGE_REFLECTION_MAX_ITERATIONS, FORGE_REFLECTION_WAIT_TIMEOUT
//   - FORGE_EXPLORATION_MAX_CONCURRENT, FORGE_EXPLORATION_AUTO_APPROVE_MAX_RISK
//   - FORGE_AI_ENABLED, FORGE_AI_MODEL, FORGE_AI_API_KEY
//
// Returns an error if any environment variable has an invalid value.
func (c *Config) ApplyEnv() error {
	parsers := []func() error{
		func() error { return parseEnvString("FORGE_DATA_DIR", &c.DataDir) },
		func() error { return parseEnvString("FORGE_REPO_ROOT", &c.RepoRoot) },
		func() error { return parseEnvString("FORGE_LISTEN", &c.Listen) },
		func() error { return parseEnvList("FORGE_PROTECTED_PATHS", &c.ProtectedPaths) },
		func() error { return parseEnvString("FORGE_VERIFY_COMMAND", &c.VerifyCommand) },

		func() error { return parseEnvString("FORGE_SANDBOX_RUNTIME", &c.Sandbox.Runtime) },
		func() error { return parseEnvString("FORGE_SANDBOX_IMAGE", &c.Sandbox.Image) },
		func() error { return parseEnvString("FORGE_SANDBOX_ROOT", &c.Sandbox.Root) },
		func() error { return parseEnvString("FORGE_SANDBOX_TEST_COMMAND", &c.Sandbox.TestCommand) },
		func() error { return parseEnvString("FORGE_SANDBOX_TYPECHECK_COMMAND", &c.Sandbox.TypeCheckCommand) },
		func() error { return parseEnvString("FORGE_SANDBOX_SERVER_COMMAND", &c.Sandbox.ServerCommand) },
		func() error { return parseEnvDuration("FORGE_SANDBOX_EXEC_TIMEOUT", &c.Sandbox.ExecTimeout) },
		func() error { return parseEnvDuration("FORGE_SANDBOX_MAX_AGE", &c.Sandbox.MaxAge) },
		func() error { return parseEnvDuration("FORGE_SANDBOX_MAX_IDLE", &c.Sandbox.MaxIdle) },

		func() error { return parseEnvInt("FORGE_SAFETY_FAILURE_THRESHOLD", &c.Safety.FailureThreshold) },
		func() error { return parseEnvFloat("FORGE_SAFETY_ERROR_RATE_THRESHOLD", &c.Safety.ErrorRateThreshold) },
		func() error { return parseEnvFloat("FORGE_SAFETY_MIN_SAFETY_SCORE", &c.Safety.MinSafetyScore) },
		func() error { return parseEnvUint("FORGE_SAFETY_MAX_HEAP_BYTES", &c.Safety.MaxHeapBytes) },
		func() error { return parseEnvDuration("FORGE_SAFETY_RESET_TIMEOUT", &c.Safety.ResetTimeout) },
		func() error { return parseEnvInt("FORGE_SAFETY_MAX_EXPERIMENTS_PER_DAY", &c.Safety.MaxExperimentsPerDay) },
		func() error { return parseEnvDuration("FORGE_SAFETY_EXPERIMENT_COOLDOWN", &c.Safety.ExperimentCooldown) },
		func() error { return parseEnvInt("FORGE_SAFETY_MAX_CONCURRENT_HIGH_RISK", &c.Safety.MaxConcurrentHighRisk) },

		func() error { return parseEnvInt("FORGE_REFLECTION_MAX_ITERATIONS", &c.Reflection.MaxIterations) },
		func() error { return parseEnvDuration("FORGE_REFLECTION_WAIT_TIMEOUT", &c.Reflection.WaitTimeout) },

		func() error { return parseEnvInt("FORGE_EXPLORATION_MAX_CONCURRENT", &c.Exploration.MaxConcurrent) },
		func() error {
			var risk string
			if err := parseEnvString("FORGE_EXPLORATION_AUTO_APPROVE_MAX_RISK", &risk); err != nil || risk == "" {
				return err
			}
			c.Exploration.AutoApproveMaxRisk = types.RiskLevel(strings.ToUpper(risk))
			return nil
		},

		func() error { return parseEnvBool("FORGE_AI_ENABLED", &c.AI.Enabled) },
		func() error { return parseEnvString("FORGE_AI_MODEL", &c.AI.Model) },
		func() error { return parseEnvString("FORGE_AI_API_KEY", &c.AI.APIKey) },
	}
	for _, parse := range parsers {
		if err := parse(); err != nil {
			return err
		}
	}
	return nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

func parseEnvUint(key string, dest *uint64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

func parseEnvDuration(key string, dest *Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = Duration(parsed)
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	*dest = value
	return nil
}

func parseEnvList(key string, dest *[]string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dest = out
	return nil
}
