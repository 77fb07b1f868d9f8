package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// MaxSnapshotBytes bounds the uncommitted-change snapshot attached to a timeout report
const MaxSnapshotBytes = 16 * 1024

const gitTimeout = 30 * time.Second

// SnapshotChanges returns the porcelain status and diff of the working tree at repoDir.
// It is best effort: a directory that is not a git repository yields an explanatory line.
func SnapshotChanges(ctx context.Context, repoDir string) string {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	status, err := git(ctx, repoDir, "status", "--porcelain")
	if err != nil {
		return fmt.Sprintf("(no snapshot: %v)", err)
	}
	if strings.TrimSpace(status) == "" {
		return "(working tree clean)"
	}

	var b strings.Builder
	b.WriteString(status)
	if diff, err := git(ctx, repoDir, "diff"); err == nil && diff != "" {
		b.WriteString("\n")
		b.WriteString(diff)
	}
	return truncate(b.String(), MaxSnapshotBytes)
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
