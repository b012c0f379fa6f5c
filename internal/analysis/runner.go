// Package analysis executes the configured repository analysis commands
// (analyze/test/e2e/screenshots) ahead of each cycle's prompt.
//
// Commands are opaque external tools. Their output is captured regardless of
// exit code; a failing or missing tool is data for the prompt, never fatal.
package analysis

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout is the per-command timeout when a command declares none.
const DefaultTimeout = 5 * time.Minute

// Command is one configured analysis command.
type Command struct {
	Name          string
	Argv          []string
	Timeout       time.Duration
	ArtifactsGlob string
}

// Result holds the outcome of a single command invocation.
type Result struct {
	Name     string
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool   // true if the command was killed due to timeout
	StartErr string // non-empty when the command could not be launched at all
}

// Failed reports whether the command is considered failed: launch failure,
// timeout, or non-zero exit.
func (r *Result) Failed() bool {
	return r.StartErr != "" || r.TimedOut || r.ExitCode != 0
}

// Log renders the result as the artifact log text persisted per command.
func (r *Result) Log() string {
	var b strings.Builder
	fmt.Fprintf(&b, "$ %s\n", strings.Join(r.Argv, " "))
	fmt.Fprintf(&b, "exit_code: %d  duration: %s  timed_out: %t\n", r.ExitCode, r.Duration.Round(time.Millisecond), r.TimedOut)
	if r.StartErr != "" {
		fmt.Fprintf(&b, "start_error: %s\n", r.StartErr)
	}
	if r.Stdout != "" {
		b.WriteString("--- stdout ---\n")
		b.WriteString(r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			b.WriteString("\n")
		}
	}
	if r.Stderr != "" {
		b.WriteString("--- stderr ---\n")
		b.WriteString(r.Stderr)
		if !strings.HasSuffix(r.Stderr, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// CommandFactory builds an *exec.Cmd for the given context, working
// directory, and argv. Tests can inject a factory that invokes a helper
// process instead.
type CommandFactory func(ctx context.Context, workDir string, argv []string) *exec.Cmd

// defaultCommandFactory creates a real command.
func defaultCommandFactory(ctx context.Context, workDir string, argv []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	return cmd
}

// options holds optional configuration for a Runner.
type options struct {
	commandFactory CommandFactory
	stdoutWriter   io.Writer
	logger         *zap.Logger
}

// Option configures Runner behaviour.
type Option func(*options)

// WithCommandFactory injects a custom command factory (used in tests).
func WithCommandFactory(f CommandFactory) Option {
	return func(o *options) { o.commandFactory = f }
}

// WithStdoutWriter tees live command stdout to w (default: discarded; the
// captured copy always ends up in the Result).
func WithStdoutWriter(w io.Writer) Option {
	return func(o *options) { o.stdoutWriter = w }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Runner executes analysis commands in a fixed working directory.
type Runner struct {
	workDir string
	cfg     options
}

// NewRunner creates a Runner for workDir.
func NewRunner(workDir string, opts ...Option) *Runner {
	cfg := options{
		commandFactory: defaultCommandFactory,
		stdoutWriter:   io.Discard,
		logger:         zap.NewNop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Runner{workDir: workDir, cfg: cfg}
}

// Run executes one command under its timeout and captures the outcome.
// Failures are recorded in the Result, never returned: the caller always
// gets output to persist.
func (r *Runner) Run(ctx context.Context, c Command) *Result {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Derive a timeout context so the process is killed on expiry.
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := &Result{Name: c.Name, Argv: c.Argv}
	if len(c.Argv) == 0 {
		res.StartErr = "empty argv"
		return res
	}

	cmd := r.cfg.commandFactory(ctx, r.workDir, c.Argv)

	// Capture stdout: tee to live writer + buffer.
	var stdoutBuf bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdoutBuf, r.cfg.stdoutWriter)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	start := time.Now()
	err := cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdoutBuf.String()
	res.Stderr = stderrBuf.String()

	// Detect whether the process was killed due to context timeout.
	res.TimedOut = ctx.Err() == context.DeadlineExceeded

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.StartErr = err.Error()
			res.ExitCode = -1
		}
	}

	r.cfg.logger.Debug("analysis command finished",
		zap.String("name", c.Name),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration))
	return res
}

// RunAll executes the commands in order. Every command runs regardless of
// earlier failures; only context cancellation stops the sequence early.
func (r *Runner) RunAll(ctx context.Context, cmds []Command) []Result {
	results := make([]Result, 0, len(cmds))
	for _, c := range cmds {
		if ctx.Err() != nil {
			break
		}
		results = append(results, *r.Run(ctx, c))
	}
	return results
}
