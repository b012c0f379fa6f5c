package loop

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"patchpilot/internal/analysis"
	"patchpilot/internal/artifact"
	"patchpilot/internal/config"
	"patchpilot/internal/gitops"
	"patchpilot/internal/patch"
	"patchpilot/internal/prompt"
	"patchpilot/internal/provider"
	"patchpilot/internal/task"
)

// Error kinds recorded in cycle outcomes and commit records.
const (
	errKindArtifact = "artifact"
	errKindProvider = "provider"
	errKindExtract  = "extract"
	errKindConflict = "patch_conflict"
	errKindApply    = "apply"
	errKindCommit   = "commit"
)

// Outcome is the derived result of one cycle, persisted as cycle.json in
// the cycle's artifact bundle.
type Outcome struct {
	Index        int           `json:"index"`
	ArtifactName string        `json:"artifact"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Duration     time.Duration `json:"duration_ns"`
	// Phase is the last work phase the cycle reached.
	Phase   Phase  `json:"phase"`
	Backend string `json:"backend"`
	Model   string `json:"model,omitempty"`
	TaskID  string `json:"task_id,omitempty"`

	NoPatch        bool   `json:"no_patch,omitempty"`
	AwaitingInput  bool   `json:"awaiting_input,omitempty"`
	PatchValidated bool   `json:"patch_validated,omitempty"`
	PatchApplied   bool   `json:"patch_applied"`
	// ApplyNote says why a valid patch was not applied (dry-run
	// configuration or a missing approval marker).
	ApplyNote string `json:"apply_note,omitempty"`
	GatesRun  bool   `json:"gates_run,omitempty"`
	GatePass  bool   `json:"gate_pass"`
	Committed bool   `json:"committed"`
	// CommitSkipReason is the scheduler's verdict when no commit was made.
	CommitSkipReason string `json:"commit_skip_reason,omitempty"`
	CommitHash       string `json:"commit_hash,omitempty"`
	Pushed           bool   `json:"pushed,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	// ArtifactDir is the absolute bundle path. Not persisted: the record
	// already lives inside it.
	ArtifactDir string `json:"-"`

	// fatal is set when the run must stop (auth failure). Everything else
	// is scoped to this cycle.
	fatal error
}

// describe renders the one-phrase result shown on the console cycle line.
func (out *Outcome) describe() string {
	switch {
	case out.Error != "":
		return "error: " + out.Error
	case out.Committed:
		return "committed " + shortHash(out.CommitHash)
	case out.PatchApplied && !out.GatePass:
		return "applied, gate failed"
	case out.PatchApplied && out.CommitSkipReason != "":
		return "applied (" + out.CommitSkipReason + ")"
	case out.PatchApplied:
		return "applied"
	case out.PatchValidated && out.ApplyNote != "":
		return "validated (" + out.ApplyNote + ")"
	case out.PatchValidated:
		return "validated"
	case out.AwaitingInput:
		return "awaiting manual input"
	case out.NoPatch:
		return "no patch"
	default:
		return "no-op"
	}
}

// errValue reconstructs the recorded error, nil when the cycle succeeded.
func (out *Outcome) errValue() error {
	if out.Error == "" {
		return nil
	}
	return errors.New(out.Error)
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}

// recordError marks the cycle errored. The error lands in the outcome, the
// status record, and the engine log. Cycle errors never stop the loop here;
// the caller decides based on the fatal flag and the error streak.
func (o *Orchestrator) recordError(out *Outcome, kind string, err error) {
	out.Error = err.Error()
	out.ErrorKind = kind
	o.noteError(err)
	o.logger.Error("cycle error",
		zap.Int("cycle", out.Index),
		zap.String("kind", kind),
		zap.Error(err))
}

// runCycle executes one full cycle through the phase machine. It never
// returns an error: every failure is recorded in the Outcome and the bundle
// and scoped to this cycle, except an auth failure which sets out.fatal.
func (o *Orchestrator) runCycle(ctx context.Context, index int) *Outcome {
	out := &Outcome{
		Index:     index,
		StartedAt: o.deps.Now(),
		Backend:   o.deps.Provider.Name(),
		Model:     o.deps.Provider.Model(),
	}
	defer func() {
		out.FinishedAt = o.deps.Now()
		out.Duration = out.FinishedAt.Sub(out.StartedAt)
	}()

	ctx, endCycle := o.deps.Tracer.StartCycle(ctx, index)
	defer func() { endCycle(out.errValue()) }()

	bundle, err := o.deps.Store.NewCycle(index, out.StartedAt)
	if err != nil {
		out.Phase = PhaseErrored
		o.recordError(out, errKindArtifact, err)
		return out
	}
	out.ArtifactName = bundle.Name()
	out.ArtifactDir = bundle.Dir()
	o.obs.OnCycleStart(index, bundle.Name())

	// The bundle is the durability contract: the outcome record is written
	// on every exit path, success or not.
	defer func() {
		if err := bundle.SaveJSON("cycle.json", out); err != nil {
			o.logger.Warn("cycle record not saved", zap.Error(err))
		}
	}()

	step := func(p Phase) {
		out.Phase = p
		o.setPhase(index, p)
	}

	snap := o.baseline(ctx, bundle)

	step(PhaseAnalyzing)
	results := o.analyze(ctx, bundle)

	step(PhasePrompting)
	promptText := o.composePrompt(ctx, out, snap, results)
	if err := bundle.SaveText("prompt.md", promptText); err != nil {
		step(PhaseErrored)
		o.recordError(out, errKindArtifact, err)
		return out
	}

	step(PhaseAwaitingProvider)
	pctx, endPhase := o.deps.Tracer.StartPhase(ctx, PhaseAwaitingProvider.String())
	resp, err := o.deps.Provider.GeneratePatch(pctx, promptText, provider.CycleContext{
		Index:    index,
		Dir:      bundle.Dir(),
		InboxDir: o.inboxDir(),
	})
	endPhase(err)
	switch {
	case err == nil:
	case errors.Is(err, provider.ErrAwaitingInput):
		// Expected manual-backend outcome: nobody answered in time. The
		// prompt stays published; the next cycle republishes fresh context.
		out.AwaitingInput = true
		o.logger.Info("no manual patch arrived", zap.Int("cycle", index))
		return out
	case provider.IsAuth(err):
		step(PhaseErrored)
		o.recordError(out, errKindProvider, err)
		out.fatal = err
		return out
	default:
		o.recordError(out, errKindProvider, err)
		return out
	}
	if resp.Model != "" {
		out.Model = resp.Model
	}
	if err := bundle.SaveText("provider_output.txt", resp.Text); err != nil {
		o.logger.Warn("provider output not saved", zap.Error(err))
	}

	step(PhaseExtractingPatch)
	p, err := o.deps.Extract(resp.Text)
	if err != nil {
		if errors.Is(err, patch.ErrNoPatch) {
			out.NoPatch = true
			return out
		}
		step(PhaseErrored)
		o.recordError(out, errKindExtract, err)
		return out
	}
	if err := bundle.SaveText("proposed.patch", p.Text); err != nil {
		o.logger.Warn("proposed patch not saved", zap.Error(err))
	}

	step(PhaseApplying)
	res, ok := o.applyStep(ctx, bundle, out, p)
	if !ok {
		return out
	}

	step(PhaseGating)
	o.gateStep(ctx, bundle, out)

	step(PhaseCommitting)
	o.commitStep(ctx, bundle, out, snap, res)
	return out
}

// baseline snapshots the repository before the cycle touches anything. A
// non-repo work directory yields nil: applying still works, committing is
// skipped later.
func (o *Orchestrator) baseline(ctx context.Context, bundle *artifact.Cycle) *gitops.Snapshot {
	if !o.deps.Repo.IsRepo(ctx) {
		return nil
	}
	snap, err := o.deps.Repo.Snapshot(ctx)
	if err != nil {
		o.logger.Warn("snapshot failed", zap.Error(err))
		return nil
	}
	if err := bundle.SaveJSON("snapshot.json", snap); err != nil {
		o.logger.Warn("snapshot not saved", zap.Error(err))
	}
	return snap
}

// analyze runs the configured analysis commands and persists one log per
// command plus any declared artifact files.
func (o *Orchestrator) analyze(ctx context.Context, bundle *artifact.Cycle) []analysis.Result {
	pctx, end := o.deps.Tracer.StartPhase(ctx, PhaseAnalyzing.String())
	defer end(nil)

	cmds := analysisCommands(o.cfg.Commands)
	results := o.deps.Analysis.RunAll(pctx, cmds)
	for i := range results {
		if err := bundle.SaveText(results[i].Name+".log", results[i].Log()); err != nil {
			o.logger.Warn("command log not saved",
				zap.String("command", results[i].Name), zap.Error(err))
		}
	}
	for _, c := range cmds {
		if c.ArtifactsGlob == "" {
			continue
		}
		pattern := c.ArtifactsGlob
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(o.workDir, pattern)
		}
		n, err := bundle.CollectGlob(pattern, c.Name)
		if err != nil {
			o.logger.Warn("artifact collection failed",
				zap.String("command", c.Name), zap.Error(err))
		} else if n > 0 {
			o.logger.Debug("artifacts collected",
				zap.String("command", c.Name), zap.Int("count", n))
		}
	}
	return results
}

// analysisCommands maps the configured command specs to runner commands.
func analysisCommands(cfg config.CommandsConfig) []analysis.Command {
	named := cfg.Enabled()
	cmds := make([]analysis.Command, 0, len(named))
	for _, nc := range named {
		cmds = append(cmds, analysis.Command{
			Name:          nc.Name,
			Argv:          nc.Spec.Argv,
			Timeout:       nc.Spec.Timeout,
			ArtifactsGlob: nc.Spec.ArtifactsGlob,
		})
	}
	return cmds
}

// composePrompt gathers the prompt input and renders it. Git context and
// task context are both best-effort: their absence degrades the prompt,
// never the cycle.
func (o *Orchestrator) composePrompt(ctx context.Context, out *Outcome, snap *gitops.Snapshot, results []analysis.Result) string {
	in := prompt.Input{
		Results:         results,
		RequireApproval: o.cfg.Loop.RequireManualApproval,
	}
	if snap != nil {
		in.Branch = snap.Branch
		if text, err := o.deps.Repo.StatusText(ctx); err == nil {
			in.GitStatus = text
		}
		if head, err := o.deps.Repo.LastCommit(ctx); err == nil {
			in.LastCommit = head
		}
	}

	if t, err := o.deps.Tasks.Next(); err != nil {
		o.logger.Warn("task list unreadable", zap.Error(err))
	} else if t != nil {
		out.TaskID = t.ID
		if t.Status == task.StatusPending {
			if err := o.deps.Tasks.MarkInProgress(t.ID); err != nil {
				o.logger.Warn("task not marked in progress",
					zap.String("task", t.ID), zap.Error(err))
			} else {
				t.Status = task.StatusInProgress
			}
		}
		in.Task = t
	}

	if o.session != "" {
		in.Session = prompt.Session{Scope: o.session, Status: "active"}
	}

	sched := o.deps.Scheduler.State()
	in.Policy = prompt.CommitPolicy{
		AutoCommit: sched.AutoCommit && !sched.Paused,
		Cadence:    sched.Cadence,
	}
	return o.deps.Compose(in)
}

// applyStep validates or lands the extracted patch. The second return is
// false when the cycle cannot continue to gating: a conflict or an apply
// failure ends the cycle here, with the tree untouched.
func (o *Orchestrator) applyStep(ctx context.Context, bundle *artifact.Cycle, out *Outcome, p *patch.Patch) (*patch.ApplyResult, bool) {
	dryRun := !o.cfg.Loop.ApplyPatches
	held := o.cfg.Loop.RequireManualApproval && !o.control.Approved()

	pctx, end := o.deps.Tracer.StartPhase(ctx, PhaseApplying.String())
	var res *patch.ApplyResult
	var err error
	if dryRun || held {
		res, err = o.deps.Applier.Validate(pctx, p)
	} else {
		res, err = o.deps.Applier.Apply(pctx, p)
	}
	end(err)

	if res != nil && res.Log != "" {
		if saveErr := bundle.SaveText("apply.log", res.Log); saveErr != nil {
			o.logger.Warn("apply log not saved", zap.Error(saveErr))
		}
	}
	if err != nil {
		var conflict *patch.ConflictError
		if errors.As(err, &conflict) {
			out.Phase = PhaseErrored
			o.setPhase(out.Index, PhaseErrored)
			o.recordError(out, errKindConflict,
				fmt.Errorf("%w: %s", err, firstLine(conflict.Diagnostic)))
			return nil, false
		}
		out.Phase = PhaseErrored
		o.setPhase(out.Index, PhaseErrored)
		o.recordError(out, errKindApply, err)
		return nil, false
	}

	out.PatchValidated = res.Validated
	out.PatchApplied = res.Applied
	if res.Applied {
		if err := bundle.SaveText("applied.patch", res.Text); err != nil {
			o.logger.Warn("applied patch not saved", zap.Error(err))
		}
		// Approval is burned only by a real apply. A conflicting patch
		// leaves the marker for the next attempt.
		if o.cfg.Loop.RequireManualApproval {
			o.control.ConsumeApproval()
		}
		return res, true
	}

	switch {
	case dryRun:
		out.ApplyNote = "dry-run only"
	case held:
		out.ApplyNote = "awaiting approval"
	}
	o.logger.Info("patch validated but not applied",
		zap.Int("cycle", out.Index), zap.String("note", out.ApplyNote))
	return res, true
}

// gateStep runs the verification pipeline and persists the report plus one
// log per gate.
func (o *Orchestrator) gateStep(ctx context.Context, bundle *artifact.Cycle, out *Outcome) {
	pctx, end := o.deps.Tracer.StartPhase(ctx, PhaseGating.String())
	report := o.deps.Gates.Run(pctx, o.workDir)
	end(nil)

	out.GatesRun = true
	out.GatePass = report.Pass
	for _, r := range report.Results {
		if r.Output == "" || r.OutputRef == "" {
			continue
		}
		if err := bundle.SaveText(r.OutputRef, r.Output); err != nil {
			o.logger.Warn("gate log not saved", zap.String("gate", r.Name), zap.Error(err))
		}
	}
	if err := bundle.SaveJSON("gate_report.json", report); err != nil {
		o.logger.Warn("gate report not saved", zap.Error(err))
	}
}

// commitRecord is the commit.json artifact: the scheduler's verdict and, if
// a commit was made, its result.
type commitRecord struct {
	Committed bool     `json:"committed"`
	Reason    string   `json:"reason"`
	Paths     []string `json:"paths,omitempty"`
	// ExcludedPaths were touched by the patch but dirty before the cycle
	// started; they stay out of the commit.
	ExcludedPaths []string             `json:"excluded_paths,omitempty"`
	Result        *gitops.CommitResult `json:"result,omitempty"`
	Error         string               `json:"error,omitempty"`
	Push          *pushRecord          `json:"push,omitempty"`
}

// pushRecord is the push portion of commit.json.
type pushRecord struct {
	Pushed bool   `json:"pushed"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// commitStep asks the scheduler for a verdict and, when allowed, creates
// the isolated commit and optionally pushes. A commit failure is surfaced
// but the cycle still completes: the work is on disk and in the bundle.
func (o *Orchestrator) commitStep(ctx context.Context, bundle *artifact.Cycle, out *Outcome, snap *gitops.Snapshot, res *patch.ApplyResult) {
	rec := &commitRecord{}
	defer func() {
		if err := bundle.SaveJSON("commit.json", rec); err != nil {
			o.logger.Warn("commit record not saved", zap.Error(err))
		}
	}()

	if res != nil && res.Applied {
		for _, path := range res.Paths {
			if snap != nil && snap.WasDirty(path) {
				rec.ExcludedPaths = append(rec.ExcludedPaths, path)
				continue
			}
			rec.Paths = append(rec.Paths, path)
		}
	}
	if len(rec.ExcludedPaths) > 0 {
		o.logger.Info("pre-existing dirty paths excluded from commit",
			zap.Strings("paths", rec.ExcludedPaths))
	}

	if snap == nil {
		rec.Reason = "not a git repository"
		out.CommitSkipReason = rec.Reason
		return
	}
	if !o.cfg.Git.Commit {
		rec.Reason = "committing disabled"
		out.CommitSkipReason = rec.Reason
		return
	}

	now := o.deps.Now()
	allowed, reason := o.deps.Scheduler.ShouldCommit(now, len(rec.Paths) > 0, out.GatePass)
	rec.Reason = reason
	if !allowed {
		out.CommitSkipReason = reason
		o.logger.Info("commit skipped", zap.Int("cycle", out.Index), zap.String("reason", reason))
		return
	}

	pctx, end := o.deps.Tracer.StartPhase(ctx, PhaseCommitting.String())
	result, err := o.deps.Committer.Commit(pctx, rec.Paths, commitSubject(out))
	end(err)
	if err != nil {
		rec.Error = err.Error()
		o.recordError(out, errKindCommit, err)
		return
	}
	rec.Committed = true
	rec.Result = result
	out.Committed = true
	out.CommitHash = result.Hash
	o.stat.LastCommit = shortHash(result.Hash) + " " + result.Subject
	if err := o.deps.Scheduler.RecordCommit(now); err != nil {
		o.logger.Warn("scheduler ledger not updated", zap.Error(err))
	}

	if !o.cfg.Git.Push {
		return
	}
	rec.Push = o.pushStep(ctx, bundle, out, snap, now)
}

// pushStep pushes the branch when the push interval allows. Push failures
// are recorded but do not fail the cycle: the commit is safe locally.
func (o *Orchestrator) pushStep(ctx context.Context, bundle *artifact.Cycle, out *Outcome, snap *gitops.Snapshot, now time.Time) *pushRecord {
	pr := &pushRecord{}
	allowed, reason := o.deps.Scheduler.ShouldPush(now, o.cfg.Git.PushInterval)
	pr.Reason = reason
	if !allowed {
		return pr
	}

	branch := o.cfg.Git.Branch
	if branch == "" {
		branch = snap.Branch
	}
	log, err := o.deps.Repo.Push(ctx, o.cfg.Git.Remote, branch)
	if log != "" {
		if saveErr := bundle.SaveText("git_push.log", log); saveErr != nil {
			o.logger.Warn("push log not saved", zap.Error(saveErr))
		}
	}
	if err != nil {
		pr.Error = err.Error()
		o.noteError(err)
		o.logger.Error("push failed", zap.String("remote", o.cfg.Git.Remote),
			zap.String("branch", branch), zap.Error(err))
		return pr
	}
	pr.Pushed = true
	out.Pushed = true
	if err := o.deps.Scheduler.RecordPush(now); err != nil {
		o.logger.Warn("scheduler ledger not updated", zap.Error(err))
	}
	o.logger.Info("pushed", zap.String("remote", o.cfg.Git.Remote), zap.String("branch", branch))
	return pr
}

// commitSubject builds the one-line commit message for a cycle's commit.
func commitSubject(out *Outcome) string {
	if out.TaskID != "" {
		return fmt.Sprintf("patchpilot: cycle %d (%s)", out.Index, out.TaskID)
	}
	return fmt.Sprintf("patchpilot: cycle %d", out.Index)
}

// firstLine trims a multi-line diagnostic down to its first line for error
// messages; the full text is preserved in apply.log.
func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
