// Package artifact persists the per-cycle bundle: prompt, provider output,
// patches, apply log, gate reports, and commit metadata.
//
// One directory per cycle, named cycle_<index>_<timestamp>. The bundle is the
// engine's durability contract: every cycle writes one regardless of outcome,
// and external monitors read these files instead of engine memory.
package artifact

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const (
	// DirEnv overrides the artifact base directory (for testing).
	DirEnv = "PATCHPILOT_ARTIFACTS_DIR"
	// defaultSubdir is the artifact base under the state directory.
	defaultSubdir = "artifacts"

	cycleStampLayout = "20060102-150405"
)

// Store allocates cycle bundles under a base directory.
type Store struct {
	base string
}

// NewStore creates a store rooted at stateDir/artifacts, or at the path in
// PATCHPILOT_ARTIFACTS_DIR if set.
func NewStore(stateDir string) *Store {
	base := os.Getenv(DirEnv)
	if base == "" {
		base = filepath.Join(stateDir, defaultSubdir)
	}
	return &Store{base: base}
}

// Base returns the artifact base directory.
func (s *Store) Base() string { return s.base }

// NewCycle creates the bundle directory for one cycle.
func (s *Store) NewCycle(index int, startedAt time.Time) (*Cycle, error) {
	name := fmt.Sprintf("cycle_%03d_%s", index, startedAt.Format(cycleStampLayout))
	dir := filepath.Join(s.base, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cycle dir %s: %w", dir, err)
	}
	return &Cycle{dir: dir, name: name}, nil
}

// Cycle is one cycle's bundle directory.
type Cycle struct {
	dir  string
	name string
}

// Dir returns the absolute bundle directory.
func (c *Cycle) Dir() string { return c.dir }

// Name returns the bundle directory's base name (cycle_###_<timestamp>).
func (c *Cycle) Name() string { return c.name }

// Path returns the absolute path of a named artifact inside the bundle.
func (c *Cycle) Path(name string) string { return filepath.Join(c.dir, name) }

// Save writes one artifact file.
func (c *Cycle) Save(name string, data []byte) error {
	if err := os.WriteFile(c.Path(name), data, 0o644); err != nil {
		return fmt.Errorf("saving artifact %s: %w", name, err)
	}
	return nil
}

// SaveText writes a text artifact.
func (c *Cycle) SaveText(name, text string) error {
	return c.Save(name, []byte(text))
}

// SaveJSON writes v as an indented JSON artifact.
func (c *Cycle) SaveJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling artifact %s: %w", name, err)
	}
	return c.Save(name, append(data, '\n'))
}

// Load reads one artifact file back.
func (c *Cycle) Load(name string) ([]byte, error) {
	data, err := os.ReadFile(c.Path(name))
	if err != nil {
		return nil, fmt.Errorf("loading artifact %s: %w", name, err)
	}
	return data, nil
}

// Exists reports whether a named artifact is present in the bundle.
func (c *Cycle) Exists(name string) bool {
	_, err := os.Stat(c.Path(name))
	return err == nil
}

// CollectGlob copies files matching pattern into a subdirectory of the
// bundle, returning the number collected. Directories in the match set are
// skipped. Used for command outputs like screenshots.
func (c *Cycle) CollectGlob(pattern, subdir string) (int, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0, fmt.Errorf("bad artifact glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return 0, nil
	}
	dest := filepath.Join(c.dir, subdir)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, fmt.Errorf("creating %s: %w", dest, err)
	}
	count := 0
	for _, src := range matches {
		info, err := os.Stat(src)
		if err != nil || info.IsDir() {
			continue
		}
		if err := copyFile(src, filepath.Join(dest, filepath.Base(src))); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("collecting %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("collecting %s: %w", src, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("collecting %s: %w", src, err)
	}
	return out.Close()
}
