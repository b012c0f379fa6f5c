package gitops

import (
	"context"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
)

// CommitError reports which step of the isolated commit failed. Any step
// failing leaves the repository exactly as it was: the temp index is
// discarded and HEAD is only moved by the final compare-and-swap.
type CommitError struct {
	Step string
	Err  error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s: %v", e.Step, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// CommitResult describes a created commit.
type CommitResult struct {
	Hash    string   `json:"hash"`
	OldHead string   `json:"old_head"`
	Tree    string   `json:"tree"`
	Paths   []string `json:"paths"`
	Subject string   `json:"subject"`
}

// Committer creates commits through a temporary index. The operator's
// staging area is never read or written, so a human can work in the same
// checkout while the engine runs.
type Committer struct {
	git    *Git
	logger *zap.Logger
}

// NewCommitter creates a Committer over git.
func NewCommitter(git *Git, logger *zap.Logger) *Committer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Committer{git: git, logger: logger}
}

// Commit stages exactly the given paths into a temp index and advances the
// current branch with a compare-and-swap against the expected old head. A
// concurrent commit by anyone else makes the swap fail instead of
// clobbering their work.
func (c *Committer) Commit(ctx context.Context, paths []string, subject string) (*CommitResult, error) {
	if len(paths) == 0 {
		return nil, &CommitError{Step: "stage", Err: fmt.Errorf("no paths to commit")}
	}

	oldHead, err := c.git.Head(ctx)
	if err != nil {
		return nil, &CommitError{Step: "resolve-head", Err: err}
	}

	tmp, err := os.CreateTemp("", "patchpilot-index-*")
	if err != nil {
		return nil, &CommitError{Step: "temp-index", Err: err}
	}
	indexPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(indexPath) }()
	env := []string{"GIT_INDEX_FILE=" + indexPath}

	if _, err := c.git.run(ctx, env, "read-tree", oldHead); err != nil {
		return nil, &CommitError{Step: "read-tree", Err: err}
	}

	addArgs := append([]string{"add", "--"}, paths...)
	if _, err := c.git.run(ctx, env, addArgs...); err != nil {
		return nil, &CommitError{Step: "stage", Err: err}
	}

	// The staged set must be exactly what the cycle applied. Anything else
	// means the patch and the worktree disagree; refuse rather than commit
	// a surprise.
	staged, err := c.git.run(ctx, env, "diff", "--cached", "--name-only", oldHead)
	if err != nil {
		return nil, &CommitError{Step: "verify", Err: err}
	}
	stagedPaths := splitLines(staged)
	if !sameSet(stagedPaths, paths) {
		return nil, &CommitError{Step: "verify",
			Err: fmt.Errorf("staged set %v does not match requested %v", stagedPaths, paths)}
	}
	if len(stagedPaths) == 0 {
		return nil, &CommitError{Step: "verify", Err: fmt.Errorf("nothing staged")}
	}

	tree, err := c.git.run(ctx, env, "write-tree")
	if err != nil {
		return nil, &CommitError{Step: "write-tree", Err: err}
	}

	hash, err := c.git.run(ctx, env, "commit-tree", tree, "-p", oldHead, "-m", subject)
	if err != nil {
		return nil, &CommitError{Step: "commit-tree", Err: err}
	}

	// CAS: moves the branch only if nobody moved it since the snapshot.
	if _, err := c.git.run(ctx, nil, "update-ref", "HEAD", hash, oldHead); err != nil {
		return nil, &CommitError{Step: "update-ref", Err: err}
	}

	c.logger.Info("commit created",
		zap.String("hash", hash),
		zap.Int("paths", len(paths)),
		zap.String("subject", subject))
	return &CommitResult{
		Hash:    hash,
		OldHead: oldHead,
		Tree:    tree,
		Paths:   append([]string(nil), paths...),
		Subject: subject,
	}, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if line := s[start:i]; line != "" {
				out = append(out, line)
			}
			start = i + 1
		}
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
