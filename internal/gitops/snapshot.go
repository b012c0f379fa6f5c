package gitops

import (
	"context"
	"strings"
	"time"
)

// Snapshot is the repository baseline taken at the top of a cycle. Commits
// are computed against it, not against whatever HEAD moves to later, and
// paths dirty before the cycle are excluded from the cycle's commit.
type Snapshot struct {
	Head       string    `json:"head"`
	Branch     string    `json:"branch"`
	DirtyPaths []string  `json:"dirty_paths,omitempty"`
	TakenAt    time.Time `json:"taken_at"`
}

// Snapshot captures HEAD, the branch, and the pre-existing dirty paths.
func (g *Git) Snapshot(ctx context.Context) (*Snapshot, error) {
	head, err := g.Head(ctx)
	if err != nil {
		return nil, err
	}
	branch, err := g.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	status, err := g.StatusText(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Head:       head,
		Branch:     branch,
		DirtyPaths: parsePorcelainPaths(status),
		TakenAt:    time.Now(),
	}, nil
}

// WasDirty reports whether path was already modified before the cycle.
func (s *Snapshot) WasDirty(path string) bool {
	for _, p := range s.DirtyPaths {
		if p == path {
			return true
		}
	}
	return false
}

// parsePorcelainPaths extracts paths from `git status --porcelain` output.
// Renames list the destination side.
func parsePorcelainPaths(status string) []string {
	if status == "" {
		return nil
	}
	var paths []string
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}
