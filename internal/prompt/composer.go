// Package prompt assembles the single text prompt sent to the provider each
// cycle: repository status, captured command logs, and task context.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"patchpilot/internal/analysis"
	"patchpilot/internal/task"
)

// DefaultMaxLogTail is the number of trailing log lines kept per command
// section when a composer declares no limit.
const DefaultMaxLogTail = 200

const header = `Repository improvement cycle.

You are an autonomous engineer operating on this repository. Review all
context below (git status, command output, task) and propose the safest
patch that progresses the current goals.

Guidelines:
- Keep changes minimal, compilable, and focused
- Address failing tests or lint errors shown below first
- Follow the codebase's existing patterns and style
- Add tests for new functionality`

const footer = "Output format:\n" +
	"Return ONLY a unified diff fenced with ```diff ...```. Use paths relative\n" +
	"to the repository root and include full file contents for new files."

// Session is the active work-session context, when one is running.
type Session struct {
	Scope  string
	Status string
}

// CommitPolicy is the scheduler posture echoed into the prompt so the model
// knows whether its change will be committed automatically.
type CommitPolicy struct {
	AutoCommit bool
	Cadence    time.Duration
}

// Input carries everything one cycle's prompt is built from. Compose is a
// pure function of this value.
type Input struct {
	Branch          string
	GitStatus       string // porcelain v1 output
	LastCommit      string // one-line head description
	Task            *task.Task
	Results         []analysis.Result
	Session         Session
	Policy          CommitPolicy
	RequireApproval bool
}

// Composer renders cycle prompts.
type Composer struct {
	// MaxLogTail caps each command section to its last N lines.
	// Zero means DefaultMaxLogTail.
	MaxLogTail int
}

// Compose renders the prompt. Section order is fixed so diffs between
// consecutive cycle prompts stay readable.
func (c *Composer) Compose(in Input) string {
	tail := c.MaxLogTail
	if tail <= 0 {
		tail = DefaultMaxLogTail
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")

	if in.Task != nil {
		b.WriteString("\n[task]\n")
		fmt.Fprintf(&b, "id=%s status=%s\n", in.Task.ID, in.Task.Status)
		b.WriteString(strings.TrimSpace(in.Task.Description))
		b.WriteString("\n")
	}

	b.WriteString("\n[git]\n")
	if in.Branch != "" {
		fmt.Fprintf(&b, "branch: %s\n", in.Branch)
	}
	if in.LastCommit != "" {
		fmt.Fprintf(&b, "head: %s\n", in.LastCommit)
	}
	if status := strings.TrimSpace(in.GitStatus); status != "" {
		b.WriteString(status)
		b.WriteString("\n")
	} else {
		b.WriteString("working tree clean\n")
	}

	for _, res := range in.Results {
		fmt.Fprintf(&b, "\n[command:%s]\n", res.Name)
		fmt.Fprintf(&b, "exit=%d timed_out=%t\n", res.ExitCode, res.TimedOut)
		if res.StartErr != "" {
			fmt.Fprintf(&b, "start_error: %s\n", res.StartErr)
		}
		if out := combinedOutput(&res); out != "" {
			b.WriteString(tailLines(out, tail))
			if !strings.HasSuffix(out, "\n") {
				b.WriteString("\n")
			}
		}
	}

	if in.Session.Scope != "" {
		b.WriteString("\n[session]\n")
		fmt.Fprintf(&b, "scope=%s status=%s\n", in.Session.Scope, in.Session.Status)
	}

	b.WriteString("\n[commit_policy]\n")
	mode := "off"
	if in.Policy.AutoCommit {
		mode = "on"
	}
	fmt.Fprintf(&b, "auto_commit=%s cadence=%s\n", mode, in.Policy.Cadence)
	if in.RequireApproval {
		b.WriteString("patches are applied only after manual approval\n")
	}

	b.WriteString("\n")
	b.WriteString(footer)
	b.WriteString("\n")
	return b.String()
}

func combinedOutput(r *analysis.Result) string {
	switch {
	case r.Stdout != "" && r.Stderr != "":
		return r.Stdout + "\n--- stderr ---\n" + r.Stderr
	case r.Stderr != "":
		return r.Stderr
	default:
		return r.Stdout
	}
}

// tailLines keeps the last n lines of s, prefixing an elision marker when
// lines were dropped.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	elided := len(lines) - n
	kept := lines[len(lines)-n:]
	return fmt.Sprintf("... (%d earlier lines elided)\n%s", elided, strings.Join(kept, "\n"))
}
