package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/steveyegge/forge/internal/api"
	"github.com/steveyegge/forge/internal/config"
	"github.com/steveyegge/forge/internal/types"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

func TestBuildStack(t *testing.T) {
	gin.SetMode(gin.TestMode)
	repo := initRepo(t)

	cfg := config.Default()
	cfg.RepoRoot = repo
	cfg.DataDir = t.TempDir()

	st, err := buildStack(context.Background(), cfg)
	if err != nil {
		t.Fatalf("buildStack: %v", err)
	}
	defer st.Close()

	srv := httptest.NewServer(st.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var env struct {
		OK   bool       `json:"ok"`
		Data api.Health `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	if !env.OK || env.Data.Status != "ok" {
		t.Errorf("health = %+v", env)
	}
	if env.Data.Circuit != "closed" {
		t.Errorf("circuit = %q, want closed", env.Data.Circuit)
	}

	for _, p := range []string{"audit.jsonl", "forge.db", "snapshots", "artifacts"} {
		if _, err := os.Stat(filepath.Join(cfg.DataDir, p)); err != nil {
			t.Errorf("expected %s in data dir: %v", p, err)
		}
	}
}

func TestBuildStackRejectsNonRepo(t *testing.T) {
	cfg := config.Default()
	cfg.RepoRoot = t.TempDir()
	cfg.DataDir = t.TempDir()

	if _, err := buildStack(context.Background(), cfg); err == nil {
		t.Error("expected error for a repo root that is not a git repository")
	}
}

func TestVerifyCommand(t *testing.T) {
	dir := t.TempDir()

	if err := verifyCommand("true")(context.Background(), dir, nil); err != nil {
		t.Errorf("passing command: %v", err)
	}

	err := verifyCommand("echo broken build; exit 3")(context.Background(), dir, []types.FileChange{{Path: "a.go"}})
	if err == nil {
		t.Fatal("expected error for failing command")
	}
	if !strings.Contains(err.Error(), "exited 3") || !strings.Contains(err.Error(), "broken build") {
		t.Errorf("err = %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "info")
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hidden")
	logger.Info("shown", "task_id", "task-1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "shown" || rec["task_id"] != "task-1" {
		t.Errorf("record = %v", rec)
	}

	if _, err := newLogger(&buf, "xml", "info"); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := newLogger(&buf, "text", "loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestReadChanges(t *testing.T) {
	local := filepath.Join(t.TempDir(), "retry.go")
	if err := os.WriteFile(local, []byte("package retry\n"), 0644); err != nil {
		t.Fatal(err)
	}

	changes, err := readChanges([]string{"internal/retry/retry.go=" + local})
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].Path != "internal/retry/retry.go" || changes[0].Content != "package retry\n" {
		t.Errorf("changes = %+v", changes)
	}

	for _, bad := range []string{"no-separator", "=file", "path="} {
		if _, err := readChanges([]string{bad}); err == nil {
			t.Errorf("readChanges(%q) should fail", bad)
		}
	}
}

func TestTail(t *testing.T) {
	if got := tail("  short  ", 10); got != "short" {
		t.Errorf("tail = %q", got)
	}
	if got := tail("abcdefghij", 3); got != "...hij" {
		t.Errorf("tail = %q", got)
	}
}
