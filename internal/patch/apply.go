package patch

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// ConflictError reports a patch that does not apply cleanly. The working
// tree is guaranteed untouched when this is returned.
type ConflictError struct {
	Diagnostic string // verbatim git apply output
}

func (e *ConflictError) Error() string {
	return "patch does not apply cleanly"
}

// GitRunner executes a git subcommand in a directory with the given stdin,
// returning combined output. Swappable for tests.
type GitRunner func(ctx context.Context, dir, stdin string, args ...string) (string, error)

func defaultGitRunner(ctx context.Context, dir, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(stdin)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// ApplyResult records the outcome of one application attempt.
type ApplyResult struct {
	Validated bool     // dry-run passed
	Applied   bool     // working tree was mutated
	Paths     []string // paths touched (after any prefix rewrite)
	Text      string   // the diff as handed to git, after any prefix rewrite
	Log       string   // verbatim transcript of both phases
}

// Applier validates and applies diffs to a working tree.
//
// Application is two-phase: a --check dry run first, then the real apply
// only if the dry run passed. git apply itself refuses partial application,
// so a conflict at either phase leaves the tree byte-identical.
type Applier struct {
	workDir    string
	pathPrefix string
	dryRunOnly bool
	git        GitRunner
	logger     *zap.Logger
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithPathPrefix rewrites diff paths under prefix before applying.
func WithPathPrefix(prefix string) ApplierOption {
	return func(a *Applier) { a.pathPrefix = prefix }
}

// WithDryRunOnly validates patches without mutating the tree.
func WithDryRunOnly(on bool) ApplierOption {
	return func(a *Applier) { a.dryRunOnly = on }
}

// WithGitRunner injects a custom git runner (used in tests).
func WithGitRunner(g GitRunner) ApplierOption {
	return func(a *Applier) { a.git = g }
}

// WithApplierLogger sets the engine logger.
func WithApplierLogger(l *zap.Logger) ApplierOption {
	return func(a *Applier) { a.logger = l }
}

// NewApplier creates an Applier rooted at workDir.
func NewApplier(workDir string, opts ...ApplierOption) *Applier {
	a := &Applier{
		workDir: workDir,
		git:     defaultGitRunner,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Apply runs the two-phase application. On conflict it returns a
// *ConflictError with zero filesystem mutation; the raw tool diagnostic is
// preserved in both the error and the result log.
func (a *Applier) Apply(ctx context.Context, p *Patch) (*ApplyResult, error) {
	return a.run(ctx, p, a.dryRunOnly)
}

// Validate runs only the dry-run phase, leaving the tree untouched even for
// clean patches. Used when patches need operator approval before landing.
func (a *Applier) Validate(ctx context.Context, p *Patch) (*ApplyResult, error) {
	return a.run(ctx, p, true)
}

func (a *Applier) run(ctx context.Context, p *Patch, dryRunOnly bool) (*ApplyResult, error) {
	if p == nil || strings.TrimSpace(p.Text) == "" {
		return nil, fmt.Errorf("empty patch")
	}

	text := p.Text
	if a.pathPrefix != "" {
		text = RewritePathPrefix(text, a.pathPrefix)
	}

	res := &ApplyResult{Paths: AffectedPaths(text), Text: text}
	var log strings.Builder

	out, err := a.git(ctx, a.workDir, text, "apply", "--check", "--whitespace=nowarn")
	fmt.Fprintf(&log, "$ git apply --check --whitespace=nowarn\n%s", out)
	if err != nil {
		fmt.Fprintf(&log, "dry-run failed: %v\n", err)
		res.Log = log.String()
		a.logger.Warn("patch dry-run conflict", zap.String("diagnostic", strings.TrimSpace(out)))
		return res, &ConflictError{Diagnostic: out}
	}
	res.Validated = true
	fmt.Fprintf(&log, "dry-run ok\n")

	if dryRunOnly {
		res.Log = log.String()
		a.logger.Info("patch validated (dry-run only)", zap.Strings("paths", res.Paths))
		return res, nil
	}

	out, err = a.git(ctx, a.workDir, text, "apply", "--whitespace=fix")
	fmt.Fprintf(&log, "$ git apply --whitespace=fix\n%s", out)
	if err != nil {
		// git apply is all-or-nothing without --reject; the tree is intact.
		fmt.Fprintf(&log, "apply failed: %v\n", err)
		res.Log = log.String()
		return res, &ConflictError{Diagnostic: out}
	}
	fmt.Fprintf(&log, "applied %d path(s)\n", len(res.Paths))
	res.Applied = true
	res.Log = log.String()

	a.logger.Info("patch applied", zap.Strings("paths", res.Paths))
	return res, nil
}
