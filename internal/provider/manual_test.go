package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/internal/config"
)

func newTestManualBackend(t *testing.T, poll, wait time.Duration) *manualBackend {
	t.Helper()
	b, err := newManualBackend(config.ProviderConfig{
		Type:         config.ProviderManual,
		PollInterval: poll,
		WaitTimeout:  wait,
	}, Deps{})
	require.NoError(t, err)
	return b
}

func testCycle(t *testing.T) CycleContext {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "cycle_001_20250101-000000")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return CycleContext{Index: 1, Dir: dir, InboxDir: filepath.Join(root, "inbox")}
}

type generateResult struct {
	resp *Response
	err  error
}

func generateAsync(b *manualBackend, cycle CycleContext) <-chan generateResult {
	ch := make(chan generateResult, 1)
	go func() {
		resp, err := b.GeneratePatch(context.Background(), "please fix", cycle)
		ch <- generateResult{resp, err}
	}()
	return ch
}

func TestManualBackendConsumesInboxPatch(t *testing.T) {
	b := newTestManualBackend(t, 20*time.Millisecond, 5*time.Second)
	cycle := testCycle(t)
	done := generateAsync(b, cycle)

	// Let the wait loop start, then drop the patch in the shared inbox.
	time.Sleep(50 * time.Millisecond)
	patch := filepath.Join(cycle.InboxDir, fmt.Sprintf("cycle_%d.patch", cycle.Index))
	require.NoError(t, os.WriteFile(patch, []byte("diff --git a/x b/x\n"), 0o644))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "diff --git a/x b/x\n", res.resp.Text)
		assert.Equal(t, config.ProviderManual, res.resp.Backend)
	case <-time.After(5 * time.Second):
		t.Fatal("GeneratePatch did not return after patch drop")
	}

	// The prompt must be published and the patch consumed.
	prompt, err := os.ReadFile(filepath.Join(cycle.Dir, promptFileName))
	require.NoError(t, err)
	assert.Equal(t, "please fix", string(prompt))
	_, err = os.Stat(patch)
	assert.True(t, os.IsNotExist(err), "consumed patch file should be removed")
}

func TestManualBackendCycleDirDrop(t *testing.T) {
	b := newTestManualBackend(t, 20*time.Millisecond, 5*time.Second)
	cycle := testCycle(t)
	done := generateAsync(b, cycle)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(cycle.Dir, "inbox.patch"), []byte("patch body"), 0o644))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "patch body", res.resp.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("GeneratePatch did not return after patch drop")
	}
}

func TestManualBackendDeadline(t *testing.T) {
	b := newTestManualBackend(t, 10*time.Millisecond, 80*time.Millisecond)
	cycle := testCycle(t)

	start := time.Now()
	_, err := b.GeneratePatch(context.Background(), "please fix", cycle)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAwaitingInput), "got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestManualBackendEmptyFileIgnored(t *testing.T) {
	b := newTestManualBackend(t, 10*time.Millisecond, 100*time.Millisecond)
	cycle := testCycle(t)
	require.NoError(t, os.MkdirAll(cycle.InboxDir, 0o755))

	// An empty file looks like a writer mid-copy and must not be consumed.
	empty := filepath.Join(cycle.InboxDir, "cycle_1.patch")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	_, err := b.GeneratePatch(context.Background(), "please fix", cycle)
	assert.True(t, errors.Is(err, ErrAwaitingInput), "got %v", err)
	_, statErr := os.Stat(empty)
	assert.NoError(t, statErr, "empty file should be left in place")
}

func TestManualBackendContextCanceled(t *testing.T) {
	b := newTestManualBackend(t, 10*time.Millisecond, 10*time.Second)
	cycle := testCycle(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := b.GeneratePatch(ctx, "please fix", cycle)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestManualBackendPatchAlreadyWaiting(t *testing.T) {
	b := newTestManualBackend(t, time.Second, 5*time.Second)
	cycle := testCycle(t)
	require.NoError(t, os.MkdirAll(cycle.InboxDir, 0o755))
	patch := filepath.Join(cycle.InboxDir, "cycle_001.patch")
	require.NoError(t, os.WriteFile(patch, []byte("early bird"), 0o644))

	// Found on the first check, before any tick or event.
	start := time.Now()
	resp, err := b.GeneratePatch(context.Background(), "please fix", cycle)
	require.NoError(t, err)
	assert.Equal(t, "early bird", resp.Text)
	assert.Less(t, time.Since(start), time.Second)
}
