package gitops

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitStagesOnlyRequestedPaths(t *testing.T) {
	g := initRepo(t)
	ctx := context.Background()
	c := NewCommitter(g, nil)

	oldHead, err := g.Head(ctx)
	require.NoError(t, err)

	writeFile(t, g.Dir(), "a.txt", "engine change\n")
	writeFile(t, g.Dir(), "b.txt", "operator change\n")

	res, err := c.Commit(ctx, []string{"a.txt"}, "patchpilot: cycle 1")
	require.NoError(t, err)

	newHead, err := g.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, newHead, res.Hash)
	assert.Equal(t, oldHead, res.OldHead)
	assert.NotEqual(t, oldHead, newHead)
	assert.Equal(t, []string{"a.txt"}, res.Paths)
	assert.Equal(t, "patchpilot: cycle 1", res.Subject)

	// Only a.txt lands in the commit.
	shown := mustGit(t, g, "show", "--name-only", "--format=%s", "HEAD")
	assert.Contains(t, shown, "patchpilot: cycle 1")
	assert.Contains(t, shown, "a.txt")
	assert.NotContains(t, shown, "b.txt")

	// b.txt stays dirty in the worktree for the operator.
	status, err := g.StatusText(ctx)
	require.NoError(t, err)
	assert.Contains(t, status, "b.txt")
}

func TestCommitLeavesOperatorIndexUntouched(t *testing.T) {
	g := initRepo(t)
	ctx := context.Background()
	c := NewCommitter(g, nil)

	// The operator has something staged in the real index.
	writeFile(t, g.Dir(), "staged.txt", "operator work\n")
	mustGit(t, g, "add", "staged.txt")

	writeFile(t, g.Dir(), "a.txt", "engine change\n")
	_, err := c.Commit(ctx, []string{"a.txt"}, "engine commit")
	require.NoError(t, err)

	// staged.txt is still staged and still absent from the new commit.
	cached := mustGit(t, g, "diff", "--cached", "--name-only")
	assert.Contains(t, cached, "staged.txt")
	shown := mustGit(t, g, "show", "--name-only", "--format=", "HEAD")
	assert.NotContains(t, shown, "staged.txt")
}

func TestCommitNewFile(t *testing.T) {
	g := initRepo(t)
	ctx := context.Background()
	c := NewCommitter(g, nil)

	writeFile(t, g.Dir(), "docs/note.md", "fresh\n")
	res, err := c.Commit(ctx, []string{"docs/note.md"}, "add note")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Tree)

	shown := mustGit(t, g, "show", "--name-only", "--format=", "HEAD")
	assert.Equal(t, "docs/note.md", strings.TrimSpace(shown))
}

func TestCommitEmptyPathsRejected(t *testing.T) {
	g := initRepo(t)
	c := NewCommitter(g, nil)

	_, err := c.Commit(context.Background(), nil, "nothing")
	var cerr *CommitError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "stage", cerr.Step)
}

func TestCommitUnchangedPathFailsVerify(t *testing.T) {
	g := initRepo(t)
	ctx := context.Background()
	c := NewCommitter(g, nil)

	oldHead, err := g.Head(ctx)
	require.NoError(t, err)

	// README.md exists but is identical to HEAD, so nothing stages.
	_, err = c.Commit(ctx, []string{"README.md"}, "no-op")
	var cerr *CommitError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "verify", cerr.Step)

	// HEAD did not move.
	head, err := g.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, oldHead, head)
}

func TestCommitMissingPathFailsWithoutMovingHead(t *testing.T) {
	g := initRepo(t)
	ctx := context.Background()
	c := NewCommitter(g, nil)

	oldHead, err := g.Head(ctx)
	require.NoError(t, err)

	_, err = c.Commit(ctx, []string{"does-not-exist.txt"}, "broken")
	var cerr *CommitError
	require.ErrorAs(t, err, &cerr)

	head, err := g.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, oldHead, head)
}

func TestCommitErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &CommitError{Step: "write-tree", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "commit write-tree: boom", err.Error())
}

func TestSameSet(t *testing.T) {
	assert.True(t, sameSet([]string{"a", "b"}, []string{"b", "a"}))
	assert.False(t, sameSet([]string{"a"}, []string{"a", "b"}))
	assert.False(t, sameSet([]string{"a", "c"}, []string{"a", "b"}))
	assert.True(t, sameSet(nil, nil))
}

func TestSplitLines(t *testing.T) {
	assert.Equal(t, []string{"a.txt", "b/c.txt"}, splitLines("a.txt\nb/c.txt\n"))
	assert.Nil(t, splitLines(""))
}
