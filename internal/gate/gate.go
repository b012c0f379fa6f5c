// Package gate runs the verification pipeline that decides whether an
// applied patch is allowed to reach a commit. Gates are external commands;
// each one is judged by a parser (exit code, coverage floor, or findings
// count) and the pipeline passes only when every required gate passed.
package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a gate that declares none.
const DefaultTimeout = 5 * time.Minute

// Spec describes one gate.
type Spec struct {
	Name string
	Argv []string
	// Required gates block the commit when they fail. Optional gates are
	// informational and skip cleanly when their tool is absent.
	Required bool
	// Critical gates stop the pipeline early under fail-fast.
	Critical bool
	Timeout  time.Duration
	Parser   string
}

// Result is the outcome of one gate.
type Result struct {
	Name     string        `json:"name"`
	Required bool          `json:"required"`
	Passed   bool          `json:"passed"`
	Skipped  bool          `json:"skipped,omitempty"`
	Summary  string        `json:"summary"`
	Duration time.Duration `json:"duration_ns"`
	// OutputRef names the artifact holding the full output.
	OutputRef string `json:"output_ref,omitempty"`
	// Output is the raw combined output, persisted separately.
	Output string `json:"-"`
}

// Report aggregates one pipeline run.
type Report struct {
	Results  []Result      `json:"results"`
	Pass     bool          `json:"pass"`
	Duration time.Duration `json:"duration_ns"`
}

// CommandFactory builds the *exec.Cmd for a gate invocation. Tests inject
// a factory that re-execs the test binary.
type CommandFactory func(ctx context.Context, workDir string, argv []string) *exec.Cmd

func defaultCommandFactory(ctx context.Context, workDir string, argv []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	return cmd
}

type options struct {
	minCoverage float64
	failFast    bool
	parallel    bool
	factory     CommandFactory
	logger      *zap.Logger
}

// Option configures a Pipeline.
type Option func(*options)

// WithMinCoverage sets the coverage floor used by the coverage parser.
func WithMinCoverage(pct float64) Option {
	return func(o *options) { o.minCoverage = pct }
}

// WithFailFast stops the sequential pipeline after a critical gate fails.
func WithFailFast(on bool) Option {
	return func(o *options) { o.failFast = on }
}

// WithParallel runs all gates concurrently. Fail-fast does not apply: every
// gate has already been started.
func WithParallel(on bool) Option {
	return func(o *options) { o.parallel = on }
}

// WithCommandFactory injects a custom command factory (tests).
func WithCommandFactory(f CommandFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Pipeline executes a fixed list of gates against a working directory.
type Pipeline struct {
	specs []Spec
	cfg   options
}

// NewPipeline creates a pipeline over specs.
func NewPipeline(specs []Spec, opts ...Option) *Pipeline {
	cfg := options{
		factory: defaultCommandFactory,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Pipeline{specs: specs, cfg: cfg}
}

// Run executes every gate and returns the report. The result count always
// equals the spec count: gates skipped by fail-fast are emitted as skipped
// results, never silently dropped.
func (p *Pipeline) Run(ctx context.Context, workDir string) *Report {
	start := time.Now()
	results := make([]Result, len(p.specs))

	if p.cfg.parallel {
		var wg sync.WaitGroup
		for i, s := range p.specs {
			wg.Add(1)
			go func(i int, s Spec) {
				defer wg.Done()
				results[i] = p.runOne(ctx, workDir, s)
			}(i, s)
		}
		wg.Wait()
	} else {
		halted := false
		haltedBy := ""
		for i, s := range p.specs {
			if halted {
				results[i] = Result{
					Name:     s.Name,
					Required: s.Required,
					Skipped:  true,
					Summary:  fmt.Sprintf("skipped: critical gate %s failed", haltedBy),
				}
				continue
			}
			results[i] = p.runOne(ctx, workDir, s)
			if p.cfg.failFast && s.Critical && !results[i].Passed {
				halted = true
				haltedBy = s.Name
			}
		}
	}

	report := &Report{Results: results, Pass: true, Duration: time.Since(start)}
	for _, r := range results {
		if r.Required && !r.Passed {
			report.Pass = false
		}
	}
	p.cfg.logger.Info("gate pipeline finished",
		zap.Bool("pass", report.Pass),
		zap.Int("gates", len(results)),
		zap.Duration("duration", report.Duration))
	return report
}

// runOne executes a single gate under its timeout and judges the outcome
// with the gate's parser.
func (p *Pipeline) runOne(ctx context.Context, workDir string, s Spec) Result {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := Result{
		Name:      s.Name,
		Required:  s.Required,
		OutputRef: "gate_" + s.Name + ".log",
	}

	cmd := p.cfg.factory(ctx, workDir, s.Argv)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	res.Duration = time.Since(start)
	res.Output = buf.String()

	if ctx.Err() == context.DeadlineExceeded {
		res.Summary = fmt.Sprintf("timed out after %s", timeout)
		return res
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Launch failure: the tool is not installed here. Optional
			// gates skip; required gates fail loudly.
			res.Skipped = true
			res.Passed = !s.Required
			res.Summary = fmt.Sprintf("tool not available: %v", err)
			return res
		}
	}

	res.Passed, res.Summary = parse(s.Parser, exitCode, res.Output, p.cfg.minCoverage)
	p.cfg.logger.Debug("gate finished",
		zap.String("name", s.Name),
		zap.Bool("passed", res.Passed),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", res.Duration))
	return res
}
