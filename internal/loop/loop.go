// Package loop drives the cycle state machine: analyze → prompt → provider →
// extract → apply → gate → commit → cooldown, repeated until the cycle budget
// runs out or a stop is requested.
//
// The loop is single-threaded and cooperative. Exactly one cycle is ever in
// flight, the working tree is only written during that cycle's applying
// phase, and external control (stop/pause/force-commit markers) is observed
// at state-transition boundaries, never mid call.
package loop

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"patchpilot/internal/analysis"
	"patchpilot/internal/artifact"
	"patchpilot/internal/config"
	"patchpilot/internal/gate"
	"patchpilot/internal/gitops"
	"patchpilot/internal/patch"
	"patchpilot/internal/prompt"
	"patchpilot/internal/provider"
	"patchpilot/internal/task"
	"patchpilot/internal/trace"

	"github.com/google/uuid"
)

// AnalysisRunner runs the pre-prompt repository commands.
type AnalysisRunner interface {
	RunAll(ctx context.Context, cmds []analysis.Command) []analysis.Result
}

// Applier lands or validates an extracted patch.
type Applier interface {
	Apply(ctx context.Context, p *patch.Patch) (*patch.ApplyResult, error)
	Validate(ctx context.Context, p *patch.Patch) (*patch.ApplyResult, error)
}

// Gatekeeper runs the verification pipeline.
type Gatekeeper interface {
	Run(ctx context.Context, workDir string) *gate.Report
}

// Repo is the read side of the git plumbing the loop needs.
type Repo interface {
	IsRepo(ctx context.Context) bool
	Snapshot(ctx context.Context) (*gitops.Snapshot, error)
	StatusText(ctx context.Context) (string, error)
	LastCommit(ctx context.Context) (string, error)
	Push(ctx context.Context, remote, branch string) (string, error)
}

// Committer creates the isolated per-cycle commit.
type Committer interface {
	Commit(ctx context.Context, paths []string, subject string) (*gitops.CommitResult, error)
}

// Deps carries the orchestrator's collaborators. Nil fields are replaced
// with production implementations by New; tests substitute fakes.
type Deps struct {
	Provider  provider.Provider
	Analysis  AnalysisRunner
	Compose   func(prompt.Input) string
	Extract   func(string) (*patch.Patch, error)
	Applier   Applier
	Gates     Gatekeeper
	Repo      Repo
	Committer Committer
	Scheduler *gitops.Scheduler
	Store     *artifact.Store
	Tasks     *task.Store
	Tracer    *trace.Tracer

	Logger *zap.Logger
	// Output receives human-facing progress lines. Defaults to os.Stdout.
	Output io.Writer
	// Observer receives progress callbacks in addition to the console
	// observer built from Output.
	Observer Observer
	Now      func() time.Time
}

// Orchestrator owns one run of the cycle loop.
type Orchestrator struct {
	cfg      *config.Config
	workDir  string
	stateDir string
	deps     Deps

	control *Plane
	status  *StatusWriter
	obs     Observer
	logger  *zap.Logger

	runID   string
	session string
	stat    Status
}

// StateDir resolves the engine state directory for a work directory.
func StateDir(cfg *config.Config, workDir string) string {
	dir := cfg.Control.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(workDir, dir)
	}
	return dir
}

// New wires an orchestrator for workDir. Only cfg and deps.Provider have no
// defaults: the provider choice is the operator's.
func New(cfg *config.Config, workDir string, deps Deps) (*Orchestrator, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Output == nil {
		deps.Output = os.Stdout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	stateDir := StateDir(cfg, workDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, err
	}

	if deps.Provider == nil {
		p, err := provider.New(cfg.Provider, provider.Deps{Logger: deps.Logger.Named("provider")})
		if err != nil {
			return nil, err
		}
		deps.Provider = p
	}
	if deps.Analysis == nil {
		deps.Analysis = analysis.NewRunner(workDir,
			analysis.WithLogger(deps.Logger.Named("analysis")))
	}
	if deps.Compose == nil {
		composer := &prompt.Composer{}
		deps.Compose = composer.Compose
	}
	if deps.Extract == nil {
		deps.Extract = patch.Extract
	}
	if deps.Applier == nil {
		deps.Applier = patch.NewApplier(workDir,
			patch.WithPathPrefix(cfg.Patch.PathPrefix),
			patch.WithApplierLogger(deps.Logger.Named("patch")))
	}
	if deps.Gates == nil {
		specs, err := gate.SpecsFor(cfg.Gate)
		if err != nil {
			return nil, err
		}
		deps.Gates = gate.NewPipeline(specs,
			gate.WithMinCoverage(cfg.Gate.MinCoverage),
			gate.WithFailFast(cfg.Gate.FailFast),
			gate.WithParallel(cfg.Gate.Parallel),
			gate.WithLogger(deps.Logger.Named("gate")))
	}

	git := gitops.NewGit(workDir, gitops.WithGitLogger(deps.Logger.Named("git")))
	if deps.Repo == nil {
		deps.Repo = git
	}
	if deps.Committer == nil {
		deps.Committer = gitops.NewCommitter(git, deps.Logger.Named("git"))
	}
	if deps.Scheduler == nil {
		sched, err := gitops.NewScheduler(stateDir, cfg.Git.Commit, cfg.Git.Cadence,
			deps.Logger.Named("scheduler"))
		if err != nil {
			return nil, err
		}
		deps.Scheduler = sched
	}
	if deps.Store == nil {
		deps.Store = artifact.NewStore(stateDir)
	}
	if deps.Tasks == nil {
		deps.Tasks = task.NewStore(stateDir)
	}

	control, err := NewPlane(stateDir, deps.Logger.Named("control"))
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:      cfg,
		workDir:  workDir,
		stateDir: stateDir,
		deps:     deps,
		control:  control,
		status:   NewStatusWriter(stateDir),
		obs: NewMultiObserver(
			NewConsoleObserver(deps.Output, cfg.Loop.MaxCycles),
			deps.Observer),
		logger: deps.Logger.Named("loop"),
		runID:  uuid.NewString(),
	}, nil
}

// StatusPath returns the status record location, for callers that print it.
func (o *Orchestrator) StatusPath() string { return o.status.Path() }

// inboxDir is where humans drop patches for the manual backend.
func (o *Orchestrator) inboxDir() string { return filepath.Join(o.stateDir, "inbox") }

// Run executes cycles until the budget is exhausted, a stop or cancellation
// is observed at a boundary, the provider reports an auth failure, or too
// many consecutive cycles error out. The returned error is non-nil only for
// the auth case; every other stop is a normal end of run described by the
// summary.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	start := o.deps.Now()
	summary := &Summary{StopReason: StopBudget}
	defer func() {
		summary.Duration = o.deps.Now().Sub(start)
		o.completeStatus(summary)
		o.obs.OnLoopEnd(summary)
	}()

	o.initStatus(start)
	o.preflight(ctx)

	errStreak := 0
	for index := 1; o.cfg.Loop.MaxCycles == 0 || index <= o.cfg.Loop.MaxCycles; index++ {
		// Transition boundary: pause, stop, cancellation, operator commands.
		o.waitWhilePaused(ctx)
		if ctx.Err() != nil {
			summary.StopReason = StopCanceled
			return summary, nil
		}
		if o.control.StopRequested() {
			o.control.ConsumeStop()
			summary.StopReason = StopRequested
			return summary, nil
		}
		o.applyControl()

		out := o.runCycle(ctx, index)
		o.absorb(out, summary)

		if out.fatal != nil {
			summary.StopReason = StopAuthError
			return summary, out.fatal
		}
		if out.Error != "" {
			errStreak++
			if errStreak >= o.cfg.Loop.MaxConsecutiveErrors {
				o.logger.Error("stopping after consecutive error cycles",
					zap.Int("streak", errStreak))
				summary.StopReason = StopErrorStreak
				return summary, nil
			}
		} else {
			errStreak = 0
		}

		if o.cfg.Loop.MaxCycles > 0 && index >= o.cfg.Loop.MaxCycles {
			break // budget exhausted, no trailing cooldown
		}
		o.cooldown(ctx)
	}
	return summary, nil
}

// preflight checks the provider before the first cycle. Failures are logged
// but only block later, when a cycle actually needs the backend: a daemon
// that is down now may be up in a minute.
func (o *Orchestrator) preflight(ctx context.Context) {
	if err := o.deps.Provider.HealthCheck(ctx); err != nil {
		o.logger.Warn("provider health check failed",
			zap.String("backend", o.deps.Provider.Name()), zap.Error(err))
		o.noteError(err)
	}
	if models, err := o.deps.Provider.ListModels(ctx); err == nil && len(models) > 0 {
		o.logger.Debug("provider models", zap.Strings("models", models))
	}
}

// applyControl drains the operator command files and applies them. Runs at
// the cycle boundary only, so a command never changes behavior mid cycle.
func (o *Orchestrator) applyControl() {
	if o.control.ConsumeCommitNow() {
		if err := o.deps.Scheduler.Force(); err != nil {
			o.logger.Warn("force-commit request not persisted", zap.Error(err))
		}
	}
	for _, cmd := range o.control.DrainCommands() {
		var err error
		switch cmd.Name {
		case "model":
			o.deps.Provider.SetModel(cmd.Value)
		case "cadence":
			var d time.Duration
			if d, err = time.ParseDuration(cmd.Value); err == nil {
				err = o.deps.Scheduler.SetCadence(d)
			}
		case "auto_commit":
			switch cmd.Value {
			case "pause":
				err = o.deps.Scheduler.SetPaused(true)
			case "resume":
				err = o.deps.Scheduler.SetPaused(false)
			default:
				var on bool
				if on, err = strconv.ParseBool(cmd.Value); err == nil {
					err = o.deps.Scheduler.SetAutoCommit(on)
				}
			}
		case "session":
			o.session = cmd.Value
		default:
			o.logger.Warn("unknown control command", zap.String("command", cmd.Name))
			continue
		}
		if err != nil {
			o.logger.Warn("control command rejected",
				zap.String("command", cmd.Name),
				zap.String("value", cmd.Value),
				zap.Error(err))
		} else {
			o.logger.Info("control command applied",
				zap.String("command", cmd.Name),
				zap.String("value", cmd.Value))
		}
	}
}

// waitWhilePaused idles at the boundary while the pause marker is present.
// Cancellation and stop requests end the wait.
func (o *Orchestrator) waitWhilePaused(ctx context.Context) {
	if !o.control.Paused() {
		return
	}
	o.logger.Info("paused by control marker")
	o.stat.State = "paused"
	o.stat.Phase = PhaseIdle
	o.writeStatus()

	tick := time.NewTicker(o.cfg.Control.PollInterval)
	defer tick.Stop()
	for o.control.Paused() {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if o.control.StopRequested() {
				return
			}
		}
	}
	o.logger.Info("resumed")
	o.stat.State = "running"
	o.writeStatus()
}

// cooldown sleeps the inter-cycle delay. Cancellation wakes it immediately;
// a stop marker wakes it within one poll interval, so a long cooldown never
// holds the run hostage.
func (o *Orchestrator) cooldown(ctx context.Context) {
	d := o.cfg.Loop.Cooldown
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	tick := time.NewTicker(o.cfg.Control.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-tick.C:
			if o.control.StopRequested() {
				return
			}
		}
	}
}

// initStatus seeds the status record at run start.
func (o *Orchestrator) initStatus(start time.Time) {
	o.stat = Status{
		RunID:     o.runID,
		PID:       os.Getpid(),
		State:     "running",
		Phase:     PhaseIdle,
		MaxCycles: o.cfg.Loop.MaxCycles,
		Backend:   o.deps.Provider.Name(),
		Model:     o.deps.Provider.Model(),
		StartedAt: start,
		UpdatedAt: start,
	}
	o.writeStatus()
}

// completeStatus marks the run finished. Stops and cancellations land on
// Aborted, fatal conditions on Errored, a spent budget back on Idle.
func (o *Orchestrator) completeStatus(summary *Summary) {
	o.stat.State = "completed"
	switch summary.StopReason {
	case StopRequested, StopCanceled:
		o.stat.Phase = PhaseAborted
	case StopAuthError, StopErrorStreak:
		o.stat.Phase = PhaseErrored
	default:
		o.stat.Phase = PhaseIdle
	}
	o.stat.StopReason = summary.StopReason.String()
	o.writeStatus()
}

// setPhase records a state transition: status file first, then observers.
func (o *Orchestrator) setPhase(index int, phase Phase) {
	o.stat.State = "running"
	o.stat.Cycle = index
	o.stat.Phase = phase
	o.stat.Model = o.deps.Provider.Model()
	o.stat.Session = o.session
	o.writeStatus()
	o.obs.OnPhase(index, phase)
	o.logger.Debug("phase", zap.Int("cycle", index), zap.Stringer("phase", phase))
}

// noteError makes an error externally visible immediately, without waiting
// for the next transition's status write.
func (o *Orchestrator) noteError(err error) {
	o.stat.LastError = err.Error()
	o.writeStatus()
}

func (o *Orchestrator) writeStatus() {
	o.stat.UpdatedAt = o.deps.Now()
	if err := o.status.Write(o.stat); err != nil {
		o.logger.Warn("status write failed", zap.Error(err))
	}
}

// absorb folds a finished cycle into the run summary and status tallies.
func (o *Orchestrator) absorb(out *Outcome, summary *Summary) {
	summary.Cycles++
	t := &o.stat.Tallies
	if out.PatchApplied {
		summary.PatchesApplied++
		t.PatchesApplied++
	}
	if out.Committed {
		summary.Commits++
		t.Commits++
	}
	if out.NoPatch {
		summary.NoPatchCycles++
		t.NoPatchCycles++
	}
	if out.GatesRun && !out.GatePass {
		summary.GateFailures++
		t.GateFailures++
	}
	if out.Error != "" {
		summary.ErrorCycles++
		t.ErrorCycles++
		if out.ErrorKind == errKindProvider {
			t.ProviderErrors++
		}
	}
	o.obs.OnCycleEnd(out)
	if out.fatal == nil {
		// The cooldown transition is the cycle's last boundary; writing it
		// here also publishes the updated tallies.
		o.setPhase(out.Index, PhaseCooldown)
	}
}
