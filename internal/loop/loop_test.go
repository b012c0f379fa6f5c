package loop

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"patchpilot/internal/analysis"
	"patchpilot/internal/config"
	"patchpilot/internal/gate"
	"patchpilot/internal/gitops"
	"patchpilot/internal/patch"
	"patchpilot/internal/provider"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// sampleResponse is a provider answer containing one fenced diff.
const sampleResponse = "Here is the fix.\n\n```diff\n" +
	"diff --git a/a.txt b/a.txt\n" +
	"--- a/a.txt\n" +
	"+++ b/a.txt\n" +
	"@@ -1 +1 @@\n" +
	"-old\n" +
	"+new\n" +
	"```\n"

// --- Fakes ---

type scripted struct {
	resp *provider.Response
	err  error
}

type fakeProvider struct {
	model     string
	steps     []scripted
	call      int
	prompts   []string
	healthErr error
}

func (f *fakeProvider) Name() string       { return "fake" }
func (f *fakeProvider) Model() string      { return f.model }
func (f *fakeProvider) SetModel(m string)  { f.model = m }
func (f *fakeProvider) ListModels(context.Context) ([]string, error) { return nil, nil }
func (f *fakeProvider) HealthCheck(context.Context) error            { return f.healthErr }

func (f *fakeProvider) GeneratePatch(_ context.Context, prompt string, _ provider.CycleContext) (*provider.Response, error) {
	f.prompts = append(f.prompts, prompt)
	if f.call >= len(f.steps) {
		return nil, errors.New("unscripted provider call")
	}
	s := f.steps[f.call]
	f.call++
	if s.err != nil {
		return nil, s.err
	}
	resp := *s.resp
	return &resp, nil
}

// respond scripts n identical successful responses.
func respond(text string, n int) []scripted {
	steps := make([]scripted, n)
	for i := range steps {
		steps[i] = scripted{resp: &provider.Response{Text: text, Model: "m-test", Backend: "fake"}}
	}
	return steps
}

type fakeAnalysis struct {
	results []analysis.Result
	calls   int
}

func (f *fakeAnalysis) RunAll(context.Context, []analysis.Command) []analysis.Result {
	f.calls++
	return f.results
}

type fakeApplier struct {
	res           *patch.ApplyResult
	err           error
	applyCalls    int
	validateCalls int
}

func (f *fakeApplier) Apply(_ context.Context, p *patch.Patch) (*patch.ApplyResult, error) {
	f.applyCalls++
	return f.result(p, false)
}

func (f *fakeApplier) Validate(_ context.Context, p *patch.Patch) (*patch.ApplyResult, error) {
	f.validateCalls++
	return f.result(p, true)
}

func (f *fakeApplier) result(p *patch.Patch, dryRun bool) (*patch.ApplyResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		res := *f.res
		if dryRun {
			res.Applied = false
		}
		return &res, nil
	}
	return &patch.ApplyResult{
		Validated: true,
		Applied:   !dryRun,
		Paths:     p.Paths,
		Text:      p.Text,
		Log:       "dry-run ok\n",
	}, nil
}

type fakeGates struct {
	pass  bool
	calls int
}

func (f *fakeGates) Run(context.Context, string) *gate.Report {
	f.calls++
	return &gate.Report{
		Pass: f.pass,
		Results: []gate.Result{{
			Name: "test", Required: true, Passed: f.pass,
			Summary: "exit status", OutputRef: "gate_test.log", Output: "ok\n",
		}},
	}
}

type pushCall struct{ remote, branch string }

type fakeRepo struct {
	isRepo  bool
	snap    *gitops.Snapshot
	pushErr error
	pushes  []pushCall
}

func (f *fakeRepo) IsRepo(context.Context) bool { return f.isRepo }

func (f *fakeRepo) Snapshot(context.Context) (*gitops.Snapshot, error) {
	if f.snap == nil {
		return nil, errors.New("no snapshot scripted")
	}
	snap := *f.snap
	return &snap, nil
}

func (f *fakeRepo) StatusText(context.Context) (string, error) { return " M d.txt", nil }
func (f *fakeRepo) LastCommit(context.Context) (string, error) { return "abc1234 prior work", nil }

func (f *fakeRepo) Push(_ context.Context, remote, branch string) (string, error) {
	f.pushes = append(f.pushes, pushCall{remote, branch})
	if f.pushErr != nil {
		return "push rejected\n", f.pushErr
	}
	return "To origin\n", nil
}

type fakeCommitter struct {
	err      error
	calls    [][]string
	subjects []string
}

func (f *fakeCommitter) Commit(_ context.Context, paths []string, subject string) (*gitops.CommitResult, error) {
	f.calls = append(f.calls, append([]string(nil), paths...))
	f.subjects = append(f.subjects, subject)
	if f.err != nil {
		return nil, f.err
	}
	return &gitops.CommitResult{
		Hash: "feedc0ffee1234567890", OldHead: "0ld", Tree: "tr33",
		Paths: paths, Subject: subject,
	}, nil
}

// collectObserver records callbacks; onEnd lets a test act between cycles.
type collectObserver struct {
	phases   []Phase
	outcomes []*Outcome
	onEnd    func(*Outcome)
}

func (c *collectObserver) OnCycleStart(int, string) {}
func (c *collectObserver) OnPhase(_ int, p Phase)   { c.phases = append(c.phases, p) }
func (c *collectObserver) OnLoopEnd(*Summary)       {}

func (c *collectObserver) OnCycleEnd(out *Outcome) {
	c.outcomes = append(c.outcomes, out)
	if c.onEnd != nil {
		c.onEnd(out)
	}
}

// --- Fixture ---

type fixture struct {
	workDir   string
	cfg       *config.Config
	prov      *fakeProvider
	applier   *fakeApplier
	gates     *fakeGates
	repo      *fakeRepo
	committer *fakeCommitter
	buf       bytes.Buffer
	obs       *collectObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Loop.MaxCycles = 1
	cfg.Loop.Cooldown = 0
	cfg.Control.PollInterval = 10 * time.Millisecond

	return &fixture{
		workDir: t.TempDir(),
		cfg:     cfg,
		prov:    &fakeProvider{model: "m-test", steps: respond(sampleResponse, 1)},
		applier: &fakeApplier{},
		gates:   &fakeGates{pass: true},
		repo: &fakeRepo{
			isRepo: true,
			snap:   &gitops.Snapshot{Head: "0ld", Branch: "main", TakenAt: time.Now()},
		},
		committer: &fakeCommitter{},
		obs:       &collectObserver{},
	}
}

func (f *fixture) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(f.cfg, f.workDir, Deps{
		Provider:  f.prov,
		Analysis:  &fakeAnalysis{},
		Applier:   f.applier,
		Gates:     f.gates,
		Repo:      f.repo,
		Committer: f.committer,
		Output:    &f.buf,
		Observer:  f.obs,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) stateDir() string { return StateDir(f.cfg, f.workDir) }

func (f *fixture) controlDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(f.stateDir(), "control")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func (f *fixture) writeMarker(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.controlDir(t), name), nil, 0o644))
}

func (f *fixture) writeCommand(t *testing.T, name, value string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.controlDir(t), name+".cmd"), []byte(value+"\n"), 0o644))
}

// bundleDirs lists the cycle bundle directories, oldest first.
func (f *fixture) bundleDirs(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(f.stateDir(), "artifacts", "cycle_*"))
	require.NoError(t, err)
	return matches
}

func (f *fixture) readStatus(t *testing.T) *Status {
	t.Helper()
	s, err := NewStatusWriter(f.stateDir()).Read()
	require.NoError(t, err)
	return s
}

// --- Tests ---

func TestRunSingleCycleCommits(t *testing.T) {
	f := newFixture(t)
	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Cycles)
	assert.Equal(t, 1, summary.PatchesApplied)
	assert.Equal(t, 1, summary.Commits)
	assert.Equal(t, StopBudget, summary.StopReason)
	assert.Equal(t, 1, f.applier.applyCalls)
	assert.Equal(t, 1, f.gates.calls)

	require.Len(t, f.committer.calls, 1)
	assert.Equal(t, []string{"a.txt"}, f.committer.calls[0])
	assert.Contains(t, f.committer.subjects[0], "cycle 1")

	dirs := f.bundleDirs(t)
	require.Len(t, dirs, 1)
	for _, name := range []string{
		"prompt.md", "provider_output.txt", "proposed.patch", "applied.patch",
		"apply.log", "gate_test.log", "gate_report.json", "commit.json",
		"cycle.json", "snapshot.json",
	} {
		assert.FileExists(t, filepath.Join(dirs[0], name), name)
	}

	status := f.readStatus(t)
	assert.Equal(t, "completed", status.State)
	assert.Equal(t, "budget-exhausted", status.StopReason)
	assert.Equal(t, 1, status.Tallies.Commits)
	assert.Contains(t, status.LastCommit, "feedc0f")

	out := f.buf.String()
	assert.Contains(t, out, "cycle 1/1")
	assert.Contains(t, out, "committed feedc0f")
	assert.Contains(t, out, "Run complete:")
}

func TestRunPhaseSequence(t *testing.T) {
	f := newFixture(t)
	_, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	want := []Phase{
		PhaseAnalyzing, PhasePrompting, PhaseAwaitingProvider,
		PhaseExtractingPatch, PhaseApplying, PhaseGating,
		PhaseCommitting, PhaseCooldown,
	}
	assert.Equal(t, want, f.obs.phases)
}

func TestRunNoPatchCycle(t *testing.T) {
	f := newFixture(t)
	f.prov.steps = respond("Everything looks good already, nothing to change.", 1)

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.NoPatchCycles)
	assert.Zero(t, summary.PatchesApplied)
	assert.Zero(t, f.gates.calls, "gates must not run without a patch")
	assert.Empty(t, f.committer.calls)

	require.Len(t, f.obs.outcomes, 1)
	out := f.obs.outcomes[0]
	assert.True(t, out.NoPatch)
	assert.Equal(t, PhaseExtractingPatch, out.Phase)

	// The bundle still exists with prompt and raw output.
	dirs := f.bundleDirs(t)
	require.Len(t, dirs, 1)
	assert.FileExists(t, filepath.Join(dirs[0], "prompt.md"))
	assert.FileExists(t, filepath.Join(dirs[0], "provider_output.txt"))
	assert.FileExists(t, filepath.Join(dirs[0], "cycle.json"))
}

func TestRunGateFailureBlocksCommit(t *testing.T) {
	f := newFixture(t)
	f.gates.pass = false

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.PatchesApplied)
	assert.Equal(t, 1, summary.GateFailures)
	assert.Zero(t, summary.Commits)
	assert.Empty(t, f.committer.calls)

	require.Len(t, f.obs.outcomes, 1)
	out := f.obs.outcomes[0]
	assert.True(t, out.PatchApplied)
	assert.False(t, out.GatePass)
	assert.Equal(t, "gate failed", out.CommitSkipReason)
	assert.Contains(t, f.buf.String(), "gate failed")
}

func TestRunPatchConflictLeavesCycleErrored(t *testing.T) {
	f := newFixture(t)
	f.applier.err = &patch.ConflictError{Diagnostic: "error: patch failed: a.txt:1\n"}

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ErrorCycles)
	assert.Zero(t, summary.PatchesApplied)
	assert.Zero(t, f.gates.calls)
	assert.Empty(t, f.committer.calls)

	out := f.obs.outcomes[0]
	assert.Equal(t, PhaseErrored, out.Phase)
	assert.Equal(t, "patch_conflict", out.ErrorKind)
	assert.Contains(t, out.Error, "does not apply cleanly")

	status := f.readStatus(t)
	assert.Contains(t, status.LastError, "does not apply cleanly")
}

func TestRunTransientProviderErrorScopesToCycle(t *testing.T) {
	f := newFixture(t)
	f.cfg.Loop.MaxCycles = 3
	netErr := &provider.Error{Kind: provider.KindNetwork, Backend: "fake", Op: "generate",
		Err: errors.New("connection refused")}
	f.prov.steps = []scripted{
		{err: netErr},
		{err: netErr},
		respond(sampleResponse, 1)[0],
	}

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Cycles)
	assert.Equal(t, 2, summary.ErrorCycles)
	assert.Equal(t, 1, summary.PatchesApplied)
	assert.Equal(t, StopBudget, summary.StopReason)
	assert.Equal(t, 2, f.readStatus(t).Tallies.ProviderErrors)
}

func TestRunAuthErrorIsFatal(t *testing.T) {
	f := newFixture(t)
	f.cfg.Loop.MaxCycles = 5
	f.prov.steps = []scripted{{err: &provider.Error{
		Kind: provider.KindAuth, Backend: "fake", Op: "generate",
		Err: errors.New("401 unauthorized"),
	}}}

	summary, err := f.orchestrator(t).Run(context.Background())
	require.Error(t, err)
	assert.True(t, provider.IsAuth(err))

	assert.Equal(t, 1, summary.Cycles, "run must stop at the first auth failure")
	assert.Equal(t, StopAuthError, summary.StopReason)
	assert.Equal(t, 3, summary.StopReason.ExitCode())

	status := f.readStatus(t)
	assert.Equal(t, "completed", status.State)
	assert.Equal(t, PhaseErrored, status.Phase)
}

func TestRunConsecutiveErrorStreakStops(t *testing.T) {
	f := newFixture(t)
	f.cfg.Loop.MaxCycles = 10
	f.cfg.Loop.MaxConsecutiveErrors = 2
	netErr := &provider.Error{Kind: provider.KindNetwork, Backend: "fake", Op: "generate",
		Err: errors.New("connection refused")}
	f.prov.steps = []scripted{{err: netErr}, {err: netErr}, {err: netErr}}

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Cycles)
	assert.Equal(t, StopErrorStreak, summary.StopReason)
	assert.Equal(t, 4, summary.StopReason.ExitCode())
}

func TestRunAwaitingInputCyclesAreNoOps(t *testing.T) {
	f := newFixture(t)
	f.cfg.Loop.MaxCycles = 3
	f.prov.steps = []scripted{
		{err: provider.ErrAwaitingInput},
		{err: provider.ErrAwaitingInput},
		{err: provider.ErrAwaitingInput},
	}

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Cycles)
	assert.Zero(t, summary.ErrorCycles, "waiting is not an error")
	assert.Equal(t, StopBudget, summary.StopReason)
	assert.Equal(t, 0, summary.StopReason.ExitCode())

	dirs := f.bundleDirs(t)
	require.Len(t, dirs, 3, "every cycle leaves a bundle")
	for _, out := range f.obs.outcomes {
		assert.True(t, out.AwaitingInput)
		assert.False(t, out.PatchApplied)
	}
	assert.Contains(t, f.buf.String(), "awaiting manual input")
}

func TestRunStopMarkerAtStartRunsNoCycles(t *testing.T) {
	f := newFixture(t)
	f.cfg.Loop.MaxCycles = 5
	f.writeMarker(t, "stop")

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.Cycles)
	assert.Equal(t, StopRequested, summary.StopReason)
	assert.Zero(t, f.prov.call)

	// Consumed: a later run must not exit immediately.
	assert.NoFileExists(t, filepath.Join(f.controlDir(t), "stop"))

	status := f.readStatus(t)
	assert.Equal(t, PhaseAborted, status.Phase)
}

func TestRunStopMarkerBetweenCycles(t *testing.T) {
	f := newFixture(t)
	f.cfg.Loop.MaxCycles = 5
	f.prov.steps = respond(sampleResponse, 5)
	f.obs.onEnd = func(*Outcome) { f.writeMarker(t, "stop") }

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Cycles, "stop observed at the next boundary")
	assert.Equal(t, StopRequested, summary.StopReason)
}

func TestRunContextCancellation(t *testing.T) {
	f := newFixture(t)
	f.cfg.Loop.MaxCycles = 5
	f.prov.steps = respond(sampleResponse, 5)

	ctx, cancel := context.WithCancel(context.Background())
	f.obs.onEnd = func(*Outcome) { cancel() }

	summary, err := f.orchestrator(t).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Cycles)
	assert.Equal(t, StopCanceled, summary.StopReason)
	assert.Equal(t, 2, summary.StopReason.ExitCode())
	assert.Equal(t, PhaseAborted, f.readStatus(t).Phase)
}

func TestRunPauseMarkerHoldsLoop(t *testing.T) {
	f := newFixture(t)
	f.writeMarker(t, "pause")
	o := f.orchestrator(t)

	done := make(chan *Summary, 1)
	go func() {
		summary, _ := o.Run(context.Background())
		done <- summary
	}()

	// The loop must report paused, then hold until the marker is removed.
	require.Eventually(t, func() bool {
		s, err := NewStatusWriter(f.stateDir()).Read()
		return err == nil && s.State == "paused"
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-done:
		t.Fatal("loop finished while paused")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, os.Remove(filepath.Join(f.controlDir(t), "pause")))

	select {
	case summary := <-done:
		assert.Equal(t, 1, summary.Cycles)
		assert.Equal(t, StopBudget, summary.StopReason)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not resume after unpause")
	}
}

func TestRunCommitNowForcesCadence(t *testing.T) {
	f := newFixture(t)
	f.cfg.Git.Cadence = time.Hour

	// A prior commit inside the cadence window would normally block this one.
	sched, err := gitops.NewScheduler(f.stateDir(), true, f.cfg.Git.Cadence, nil)
	require.NoError(t, err)
	require.NoError(t, sched.RecordCommit(time.Now()))

	f.writeMarker(t, "commit_now")
	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Commits)
	assert.NoFileExists(t, filepath.Join(f.controlDir(t), "commit_now"))

	// Consumed by the commit: the ledger must not carry the force forward.
	sched, err = gitops.NewScheduler(f.stateDir(), true, f.cfg.Git.Cadence, nil)
	require.NoError(t, err)
	assert.False(t, sched.State().ForceNext)
}

func TestRunForceSurvivesGateFailure(t *testing.T) {
	f := newFixture(t)
	f.cfg.Git.Cadence = time.Hour
	f.gates.pass = false
	f.writeMarker(t, "commit_now")

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Commits)

	// The forced commit never happened, so the request stays pending.
	sched, err := gitops.NewScheduler(f.stateDir(), true, f.cfg.Git.Cadence, nil)
	require.NoError(t, err)
	assert.True(t, sched.State().ForceNext)
}

func TestRunCadenceBlocksSecondCommit(t *testing.T) {
	f := newFixture(t)
	f.cfg.Loop.MaxCycles = 2
	f.cfg.Git.Cadence = time.Hour
	f.prov.steps = respond(sampleResponse, 2)

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.PatchesApplied)
	assert.Equal(t, 1, summary.Commits, "second cycle falls inside the cadence window")
	require.Len(t, f.obs.outcomes, 2)
	assert.Contains(t, f.obs.outcomes[1].CommitSkipReason, "cadence not elapsed")
}

func TestRunDirtyPathsExcludedFromCommit(t *testing.T) {
	f := newFixture(t)
	f.repo.snap.DirtyPaths = []string{"a.txt"}
	f.applier.res = &patch.ApplyResult{
		Validated: true, Applied: true,
		Paths: []string{"a.txt", "b.txt"},
		Text:  "diff", Log: "ok\n",
	}

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Commits)
	require.Len(t, f.committer.calls, 1)
	assert.Equal(t, []string{"b.txt"}, f.committer.calls[0],
		"paths dirty before the cycle stay out of the commit")
}

func TestRunOutsideRepositorySkipsCommit(t *testing.T) {
	f := newFixture(t)
	f.repo.isRepo = false

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.PatchesApplied, "applying works without git")
	assert.Zero(t, summary.Commits)
	assert.Equal(t, "not a git repository", f.obs.outcomes[0].CommitSkipReason)
}

func TestRunControlCommandsApplied(t *testing.T) {
	f := newFixture(t)
	f.writeCommand(t, "model", "m-next")
	f.writeCommand(t, "session", "refactor-auth")
	f.writeCommand(t, "cadence", "15m")

	_, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "m-next", f.prov.model)
	require.Len(t, f.prov.prompts, 1)
	assert.Contains(t, f.prov.prompts[0], "scope=refactor-auth")

	sched, err := gitops.NewScheduler(f.stateDir(), true, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, sched.State().Cadence)

	// Consumed: the command files are gone.
	left, err := filepath.Glob(filepath.Join(f.controlDir(t), "*.cmd"))
	require.NoError(t, err)
	assert.Empty(t, left)

	assert.Equal(t, "refactor-auth", f.readStatus(t).Session)
}

func TestRunAutoCommitCommandDisables(t *testing.T) {
	f := newFixture(t)
	f.writeCommand(t, "auto_commit", "false")

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.Commits)
	assert.Equal(t, "auto-commit disabled", f.obs.outcomes[0].CommitSkipReason)
	require.Len(t, f.prov.prompts, 1)
	assert.Contains(t, f.prov.prompts[0], "auto_commit=off")
}

func TestRunRequireApprovalHoldsPatch(t *testing.T) {
	f := newFixture(t)
	f.cfg.Loop.RequireManualApproval = true

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.PatchesApplied)
	assert.Zero(t, f.applier.applyCalls)
	assert.Equal(t, 1, f.applier.validateCalls)

	out := f.obs.outcomes[0]
	assert.True(t, out.PatchValidated)
	assert.False(t, out.PatchApplied)
	assert.Equal(t, "awaiting approval", out.ApplyNote)
}

func TestRunApprovalMarkerReleasesPatch(t *testing.T) {
	f := newFixture(t)
	f.cfg.Loop.RequireManualApproval = true
	f.writeMarker(t, "approve")

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.PatchesApplied)
	assert.Equal(t, 1, f.applier.applyCalls)
	assert.NoFileExists(t, filepath.Join(f.controlDir(t), "approve"),
		"approval is burned by the real apply")
}

func TestRunApprovalSurvivesConflict(t *testing.T) {
	f := newFixture(t)
	f.cfg.Loop.RequireManualApproval = true
	f.writeMarker(t, "approve")
	f.applier.err = &patch.ConflictError{Diagnostic: "error: patch failed\n"}

	_, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(f.controlDir(t), "approve"),
		"a conflicting patch must not waste the approval")
}

func TestRunDryRunValidatesOnly(t *testing.T) {
	f := newFixture(t)
	f.cfg.Loop.ApplyPatches = false

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.PatchesApplied)
	assert.Zero(t, f.applier.applyCalls)
	assert.Equal(t, 1, f.applier.validateCalls)
	assert.Equal(t, 1, f.gates.calls, "gates still judge the validated tree")
	assert.Empty(t, f.committer.calls)

	out := f.obs.outcomes[0]
	assert.Equal(t, "dry-run only", out.ApplyNote)
	assert.Equal(t, "nothing staged", out.CommitSkipReason)
}

func TestRunPushAfterCommit(t *testing.T) {
	f := newFixture(t)
	f.cfg.Git.Push = true

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Commits)
	require.Len(t, f.repo.pushes, 1)
	assert.Equal(t, pushCall{"origin", "main"}, f.repo.pushes[0],
		"branch falls back to the snapshot branch")
	assert.True(t, f.obs.outcomes[0].Pushed)
}

func TestRunPushFailureDoesNotFailCycle(t *testing.T) {
	f := newFixture(t)
	f.cfg.Git.Push = true
	f.repo.pushErr = errors.New("remote unreachable")

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Commits, "the commit is safe locally")
	assert.Zero(t, summary.ErrorCycles)
	assert.Contains(t, f.readStatus(t).LastError, "remote unreachable")
}

func TestRunTaskContextFlowsIntoPromptAndCommit(t *testing.T) {
	f := newFixture(t)
	tasksPath := filepath.Join(f.stateDir(), "tasks.yaml")
	require.NoError(t, os.MkdirAll(f.stateDir(), 0o755))
	require.NoError(t, os.WriteFile(tasksPath, []byte(
		"tasks:\n  - id: T-7\n    description: tighten input validation\n    status: pending\n"), 0o644))

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Commits)

	require.Len(t, f.prov.prompts, 1)
	assert.Contains(t, f.prov.prompts[0], "[task]")
	assert.Contains(t, f.prov.prompts[0], "tighten input validation")
	assert.Contains(t, f.committer.subjects[0], "(T-7)")
	assert.Equal(t, "T-7", f.obs.outcomes[0].TaskID)

	// Picking the task moved it to in_progress.
	data, err := os.ReadFile(tasksPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "in_progress")
}

func TestRunUnboundedLoopStopsOnRequest(t *testing.T) {
	f := newFixture(t)
	f.cfg.Loop.MaxCycles = 0
	f.prov.steps = respond(sampleResponse, 10)
	f.obs.onEnd = func(out *Outcome) {
		if out.Index == 3 {
			f.writeMarker(t, "stop")
		}
	}

	summary, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Cycles)
	assert.Equal(t, StopRequested, summary.StopReason)
}

func TestRunCycleRecordRoundTrips(t *testing.T) {
	f := newFixture(t)
	_, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	dirs := f.bundleDirs(t)
	require.Len(t, dirs, 1)
	data, err := os.ReadFile(filepath.Join(dirs[0], "cycle.json"))
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, `"phase": "committing"`)
	assert.Contains(t, text, `"patch_applied": true`)
	assert.Contains(t, text, `"committed": true`)
	assert.True(t, strings.HasPrefix(filepath.Base(dirs[0]), "cycle_001_"))
}
