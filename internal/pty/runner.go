// Package pty runs one-shot commands under a pseudo-terminal.
//
// Some model CLIs detect a non-TTY stdin and switch to interactive or
// degraded output modes; running them under a PTY keeps their behavior
// identical to a manual invocation. The prompt is written to the terminal
// followed by an EOT so line-disciplined readers see end of input.
package pty

import (
	"bytes"
	"context"
	"io"
	"os/exec"

	"github.com/creack/pty"
)

// Size represents terminal dimensions in rows and columns.
type Size struct {
	Rows uint16
	Cols uint16
}

// DefaultSize is used when the caller does not care about dimensions.
var DefaultSize = Size{Rows: 40, Cols: 120}

// Runner executes a command under a PTY, feeding it input and collecting
// combined output until exit. Implementations can be swapped for tests.
type Runner interface {
	Run(ctx context.Context, cmd *exec.Cmd, input []byte, size Size) ([]byte, error)
}

// CreackPTY implements Runner using github.com/creack/pty.
type CreackPTY struct{}

// Ensure CreackPTY implements Runner.
var _ Runner = (*CreackPTY)(nil)

// Run spawns cmd in a PTY, writes input followed by EOT, and reads output
// until the command exits or ctx is canceled. On cancellation the process
// is killed and the output read so far is returned with ctx.Err().
func (CreackPTY) Run(ctx context.Context, cmd *exec.Cmd, input []byte, size Size) ([]byte, error) {
	ws := &pty.Winsize{Rows: size.Rows, Cols: size.Cols}
	f, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if len(input) > 0 {
		if _, err := f.Write(input); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, err
		}
		if input[len(input)-1] != '\n' {
			_, _ = f.Write([]byte("\n"))
		}
		// EOT ends input for readers that consume stdin until EOF.
		_, _ = f.Write([]byte{0x04})
	}

	var buf bytes.Buffer
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		// Read returns EIO once the child exits and the slave side closes;
		// that is the normal end-of-output condition for a PTY.
		_, _ = io.Copy(&buf, f)
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		_ = f.Close()
		<-readDone
		return buf.Bytes(), ctx.Err()
	case err := <-waitErr:
		_ = f.Close()
		<-readDone
		return buf.Bytes(), err
	}
}
