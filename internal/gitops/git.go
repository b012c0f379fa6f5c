// Package gitops provides the engine's git plumbing: pre-cycle snapshots,
// cadence-based commit scheduling, isolated temp-index commits, and
// interval-gated pushes. The operator's working tree and staging area are
// never touched by any operation here.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Git runs git commands against one repository.
type Git struct {
	dir    string
	logger *zap.Logger
}

// GitOption configures a Git helper.
type GitOption func(*Git)

// WithGitLogger sets the logger.
func WithGitLogger(l *zap.Logger) GitOption {
	return func(g *Git) { g.logger = l }
}

// NewGit creates a helper for the repository at dir.
func NewGit(dir string, opts ...GitOption) *Git {
	g := &Git{dir: dir, logger: zap.NewNop()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Dir returns the repository path.
func (g *Git) Dir() string { return g.dir }

// run executes git with extra environment entries and returns trimmed
// stdout. Errors carry the trimmed stderr, worktree-manager style.
func (g *Git) run(ctx context.Context, extraEnv []string, args ...string) (string, error) {
	out, err := g.runRaw(ctx, extraEnv, args...)
	return strings.TrimSpace(out), err
}

// runRaw is run without output trimming, for porcelain formats where
// leading whitespace is significant.
func (g *Git) runRaw(ctx context.Context, extraEnv []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.dir}, args...)...)
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("git %s: %s: %w", args[0], msg, err)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return stdout.String(), nil
}

// runCombined executes git and returns the interleaved output regardless of
// exit status, for callers that persist transcripts.
func (g *Git) runCombined(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.dir}, args...)...)
	var buf strings.Builder
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err != nil {
		err = fmt.Errorf("git %s: %w", args[0], err)
	}
	return buf.String(), err
}

// Head resolves the current HEAD commit hash.
func (g *Git) Head(ctx context.Context) (string, error) {
	return g.run(ctx, nil, "rev-parse", "HEAD")
}

// CurrentBranch returns the checked-out branch name, or "HEAD" when
// detached.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, nil, "rev-parse", "--abbrev-ref", "HEAD")
}

// StatusText returns the porcelain status listing, empty for a clean tree.
// Leading status columns are preserved.
func (g *Git) StatusText(ctx context.Context) (string, error) {
	out, err := g.runRaw(ctx, nil, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}

// LastCommit returns "<short-hash> <subject>" of HEAD.
func (g *Git) LastCommit(ctx context.Context) (string, error) {
	return g.run(ctx, nil, "log", "-1", "--pretty=%h %s")
}

// IsRepo reports whether dir is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context) bool {
	out, err := g.run(ctx, nil, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Push pushes branch to remote, returning the interleaved transcript for
// the artifact bundle whether or not the push succeeded.
func (g *Git) Push(ctx context.Context, remote, branch string) (string, error) {
	args := []string{"push", remote}
	if branch != "" && branch != "HEAD" {
		args = append(args, branch)
	}
	out, err := g.runCombined(ctx, args...)
	if err != nil {
		g.logger.Warn("git push failed", zap.String("remote", remote), zap.Error(err))
		return out, err
	}
	g.logger.Info("pushed", zap.String("remote", remote), zap.String("branch", branch))
	return out, nil
}
