package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
)

// Commands are the validation and server commands run inside the sandbox.
// TestPattern may contain {pattern}, which is replaced by the shell-quoted
// test filter.
type Commands struct {
	Test        string `json:"test" yaml:"test"`
	TestPattern string `json:"test_pattern" yaml:"test_pattern"`
	TypeCheck   string `json:"typecheck" yaml:"typecheck"`
	Server      string `json:"server" yaml:"server"`
}

// DetectCommands inspects the repository root and returns default commands
// for the project type. go.mod selects the go toolchain; package.json
// selects npm/tsc.
func DetectCommands(root string) (Commands, error) {
	if data, err := os.ReadFile(filepath.Join(root, "go.mod")); err == nil {
		mf, err := modfile.ParseLax("go.mod", data, nil)
		if err != nil {
			return Commands{}, fmt.Errorf("failed to parse go.mod: %w", err)
		}
		cmds := Commands{
			Test:        "go test ./...",
			TestPattern: "go test -run {pattern} ./...",
			TypeCheck:   "go vet ./...",
		}
		if mf.Module != nil {
			// A cmd/<name> package matching the module's last path element is the server
			name := mf.Module.Mod.Path[strings.LastIndex(mf.Module.Mod.Path, "/")+1:]
			if _, err := os.Stat(filepath.Join(root, "cmd", name)); err == nil {
				cmds.Server = "go run ./cmd/" + name
			}
		}
		return cmds, nil
	}

	if data, err := os.ReadFile(filepath.Join(root, "package.json")); err == nil {
		var pkg struct {
			Scripts map[string]string `json:"scripts"`
		}
		if err := json.Unmarshal(data, &pkg); err != nil {
			return Commands{}, fmt.Errorf("failed to parse package.json: %w", err)
		}
		cmds := Commands{
			Test:        "npm test",
			TestPattern: "npm test -- -t {pattern}",
			TypeCheck:   "npx tsc --noEmit",
		}
		if _, ok := pkg.Scripts["start"]; ok {
			cmds.Server = "npm start"
		}
		return cmds, nil
	}

	return Commands{}, nil
}

// Merge returns c with empty fields filled from def.
func (c Commands) Merge(def Commands) Commands {
	if c.Test == "" {
		c.Test = def.Test
	}
	if c.TestPattern == "" {
		c.TestPattern = def.TestPattern
	}
	if c.TypeCheck == "" {
		c.TypeCheck = def.TypeCheck
	}
	if c.Server == "" {
		c.Server = def.Server
	}
	return c
}

// testCommand returns the command for an optional test filter.
func (c Commands) testCommand(pattern string) string {
	if pattern == "" || c.TestPattern == "" {
		return c.Test
	}
	return strings.ReplaceAll(c.TestPattern, "{pattern}", shellQuote(pattern))
}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
