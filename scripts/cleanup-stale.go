// scripts/cleanup-stale.go - Manual cleanup of orphaned sandbox working copies
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/steveyegge/forge/internal/config"
	"github.com/steveyegge/forge/internal/control"
	"github.com/steveyegge/forge/internal/git"
	"github.com/steveyegge/forge/internal/sandbox"
)

func main() {
	ctx := context.Background()

	// FORGE_CONFIG points at a non-default config file
	cfg, err := config.Load(os.Getenv("FORGE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	root := cfg.SandboxRoot()
	fmt.Printf("Scanning sandbox root: %s\n", root)

	// A running server owns its live sandbox; leave that one alone
	live := ""
	client := control.NewClient(cfg.Listen)
	client.SetTimeout(5 * time.Second)
	if info, err := client.SandboxInfo(ctx); err == nil && info.ID != "" {
		live = info.ID
		fmt.Printf("Server is running, keeping live sandbox %s\n", live)
	}

	g, err := git.NewGit(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cleaned, err := sandbox.RemoveOrphans(ctx, g, cfg.RepoRoot, root, live)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error during cleanup: %v\n", err)
		os.Exit(1)
	}

	if cleaned > 0 {
		fmt.Printf("✓ Removed %d orphaned sandbox(es)\n", cleaned)
	} else {
		fmt.Println("✓ No orphaned sandboxes found")
	}
}
