package loop

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Control plane file names under <statedir>/control. Markers are empty
// files judged by presence; *.cmd files carry a single-line value and are
// consumed (deleted) once processed.
const (
	markerStop      = "stop"
	markerPause     = "pause"
	markerCommitNow = "commit_now"
	markerApprove   = "approve"

	cmdSuffix = ".cmd"
)

// Command is one consumed assignment command, e.g. {Name: "cadence",
// Value: "15m"} from a control/cadence.cmd file.
type Command struct {
	Name  string
	Value string
}

// Plane is the cooperative control surface shared with external monitors.
// The orchestrator reads it only at state-transition boundaries, so a
// marker never interrupts an in-flight external call; reaction latency is
// bounded by that call's timeout.
type Plane struct {
	dir    string
	logger *zap.Logger
}

// NewPlane creates the control directory under stateDir.
func NewPlane(stateDir string, logger *zap.Logger) (*Plane, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(stateDir, "control")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Plane{dir: dir, logger: logger}, nil
}

// Dir returns the control directory.
func (p *Plane) Dir() string { return p.dir }

func (p *Plane) markerPath(name string) string { return filepath.Join(p.dir, name) }

func (p *Plane) present(name string) bool {
	_, err := os.Stat(p.markerPath(name))
	return err == nil
}

func (p *Plane) consume(name string) bool {
	if !p.present(name) {
		return false
	}
	if err := os.Remove(p.markerPath(name)); err != nil {
		p.logger.Warn("control marker not removable", zap.String("marker", name), zap.Error(err))
		return false
	}
	p.logger.Info("control marker consumed", zap.String("marker", name))
	return true
}

// StopRequested reports whether the stop marker is present. The marker is
// left in place; ConsumeStop removes it once the loop is winding down.
func (p *Plane) StopRequested() bool { return p.present(markerStop) }

// ConsumeStop removes the stop marker so the next run does not exit
// immediately.
func (p *Plane) ConsumeStop() { p.consume(markerStop) }

// Paused reports whether the pause marker is present. The loop idles at
// the cycle boundary until the operator removes the file.
func (p *Plane) Paused() bool { return p.present(markerPause) }

// ConsumeCommitNow reports and clears a pending force-commit request.
func (p *Plane) ConsumeCommitNow() bool { return p.consume(markerCommitNow) }

// Approved reports whether the approval marker is present. It is not
// consumed here: approval is burned by ConsumeApproval only after a patch
// really reaches the working tree, so a conflicting patch does not waste it.
func (p *Plane) Approved() bool { return p.present(markerApprove) }

// ConsumeApproval removes the approval marker after a real apply.
func (p *Plane) ConsumeApproval() { p.consume(markerApprove) }

// DrainCommands reads and deletes every *.cmd file, returning the commands
// ordered by name. The file body's first line is the value; the rest is
// ignored. Unreadable files are skipped and left in place for inspection.
func (p *Plane) DrainCommands() []Command {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		p.logger.Warn("control dir unreadable", zap.Error(err))
		return nil
	}

	var cmds []Command
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, cmdSuffix) {
			continue
		}
		path := filepath.Join(p.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			p.logger.Warn("control command unreadable", zap.String("file", name), zap.Error(err))
			continue
		}
		if err := os.Remove(path); err != nil {
			p.logger.Warn("control command not removable", zap.String("file", name), zap.Error(err))
			continue
		}
		value := strings.TrimSpace(data2line(data))
		cmds = append(cmds, Command{Name: strings.TrimSuffix(name, cmdSuffix), Value: value})
		p.logger.Info("control command consumed",
			zap.String("command", strings.TrimSuffix(name, cmdSuffix)),
			zap.String("value", value))
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}

// data2line returns the first line of data.
func data2line(data []byte) string {
	s := string(data)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
