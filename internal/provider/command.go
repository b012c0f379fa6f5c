package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"patchpilot/internal/config"
	"patchpilot/internal/pty"
)

// stderrTailBytes bounds how much stderr is embedded in an error message.
const stderrTailBytes = 2048

// CommandFactory builds the *exec.Cmd for one generation. Tests inject a
// factory that re-execs the test binary instead.
type CommandFactory func(ctx context.Context, argv []string) *exec.Cmd

func defaultCommandFactory(ctx context.Context, argv []string) *exec.Cmd {
	return exec.CommandContext(ctx, argv[0], argv[1:]...)
}

// commandBackend pipes the prompt into a local CLI and reads the response
// from stdout. One invocation per cycle, never retried: subprocesses are
// not assumed idempotent.
type commandBackend struct {
	argv    []string
	timeout time.Duration
	usePTY  bool
	pty     pty.Runner
	factory CommandFactory
	logger  *zap.Logger
	model   modelRef
}

func newCommandBackend(cfg config.ProviderConfig, deps Deps) (*commandBackend, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("%w: provider.command required for the command backend", config.ErrInvalid)
	}
	b := &commandBackend{
		argv:    cfg.Command,
		timeout: cfg.Timeout,
		usePTY:  cfg.UsePTY,
		pty:     deps.PTY,
		factory: defaultCommandFactory,
		logger:  deps.Logger,
	}
	b.model.set(cfg.Model)
	return b, nil
}

func (b *commandBackend) Name() string          { return config.ProviderCommand }
func (b *commandBackend) Model() string         { return b.model.get() }
func (b *commandBackend) SetModel(model string) { b.model.set(model) }

// GeneratePatch runs the configured command with the prompt on stdin and
// returns stdout. Non-zero exit is an invalid_response error carrying a
// stderr tail; the deadline kills the process.
func (b *commandBackend) GeneratePatch(ctx context.Context, prompt string, _ CycleContext) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	out, stderr, err := b.invoke(ctx, prompt)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errf(KindTimeout, b.Name(), "generate", 0, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail := tail(stderr, stderrTailBytes)
			return nil, errf(KindInvalidResponse, b.Name(), "generate", 0,
				&exitError{code: exitErr.ExitCode(), stderr: detail})
		}
		return nil, errf(KindNetwork, b.Name(), "generate", 0, err)
	}
	b.logger.Debug("command backend answered",
		zap.Duration("duration", time.Since(start)),
		zap.Int("bytes", len(out)))
	return &Response{Text: string(out), Model: b.model.get(), Backend: b.Name()}, nil
}

// invoke runs one generation, with or without a PTY, returning stdout (or
// combined PTY output) and captured stderr.
func (b *commandBackend) invoke(ctx context.Context, prompt string) (out, stderr []byte, err error) {
	cmd := b.factory(ctx, b.argv)
	if b.usePTY {
		// A PTY merges the streams; stderr has no separate channel.
		out, err = b.pty.Run(ctx, cmd, []byte(prompt), pty.DefaultSize)
		return out, nil, err
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	err = cmd.Run()
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), err
}

// ListModels returns the configured model; a local CLI exposes no catalog.
func (b *commandBackend) ListModels(context.Context) ([]string, error) {
	if m := b.model.get(); m != "" {
		return []string{m}, nil
	}
	return nil, nil
}

// HealthCheck verifies the command binary is on PATH.
func (b *commandBackend) HealthCheck(context.Context) error {
	if _, err := exec.LookPath(b.argv[0]); err != nil {
		return errf(KindNetwork, b.Name(), "health", 0, err)
	}
	return nil
}

// exitError reports a non-zero subprocess exit with a stderr excerpt.
type exitError struct {
	code   int
	stderr string
}

func (e *exitError) Error() string {
	if e.stderr == "" {
		return fmt.Sprintf("exit %d", e.code)
	}
	return fmt.Sprintf("exit %d: %s", e.code, e.stderr)
}

// tail returns at most n trailing bytes of b as a trimmed string.
func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
