package sandbox

import (
	"strings"
)

// deniedCommands contains substrings that must not appear in a command line
// run inside the sandbox. Matching is case-insensitive.
var deniedCommands = []string{
	"rm -rf .git",
	"rm -rf /",
	"rm -rf ~",
	"chmod 777",
	"curl | sh",
	"wget | sh",
	"curl | bash",
	"wget | bash",
	"| sh",
	"| bash",
	"eval $(",
	"> /dev/sd",
	"mkfs.",
	"dd if=/dev/zero",
	":(){ :|:& };:", // fork bomb
	"git push",
	"git remote",
	"git worktree",
	"git filter-branch",
	"git reflog expire",
}

// BlockedCommand reports whether cmdLine contains a denied substring, from
// the built-in list or extra.
func BlockedCommand(cmdLine string, extra []string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(cmdLine))
	for _, list := range [][]string{deniedCommands, extra} {
		for _, deny := range list {
			if deny == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(deny)) {
				return deny, true
			}
		}
	}
	return "", false
}
