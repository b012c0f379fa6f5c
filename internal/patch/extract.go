// Package patch turns raw provider responses into unified diffs and applies
// them to the working tree without ever leaving it half-mutated.
package patch

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoPatch reports that a provider response contained no diff-shaped
// content. It is an expected terminal state for a cycle, not a failure.
var ErrNoPatch = errors.New("no patch found in response")

// Patch is an immutable extracted diff payload.
type Patch struct {
	Text  string
	Paths []string
}

var (
	ansiEscapeRE = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	// Fence contents are matched lazily so multiple blocks in one response
	// each produce their own candidate.
	fenceLabeledRE = regexp.MustCompile("(?is)```(?:diff|patch)[^\\S\\n]*\\n(.*?)\\n[ \t]*```")
	fenceAnyRE     = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*[^\\S\\n]*\\n(.*?)\\n[ \t]*```")
	hunkHeaderRE   = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)
)

// Extract parses a raw provider response into a normalized diff.
//
// Candidates are considered in priority order: fenced blocks labeled
// diff/patch, then any fenced block with diff-shaped content, then raw spans
// beginning at a diff header. Within a fence tier the last diff-shaped block
// wins: models commonly quote an earlier attempt and finish with the
// corrected one. Raw spans are concatenated in order of appearance.
func Extract(raw string) (*Patch, error) {
	text := normalize(raw)
	if strings.TrimSpace(text) == "" {
		return nil, ErrNoPatch
	}

	if body := lastDiffFence(fenceLabeledRE, text); body != "" {
		return newPatch(body), nil
	}
	if body := lastDiffFence(fenceAnyRE, text); body != "" {
		return newPatch(body), nil
	}
	if spans := scanSpans(text); len(spans) > 0 {
		return newPatch(strings.Join(spans, "\n")), nil
	}
	return nil, ErrNoPatch
}

func newPatch(text string) *Patch {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return &Patch{Text: text, Paths: AffectedPaths(text)}
}

func normalize(raw string) string {
	s := ansiEscapeRE.ReplaceAllString(raw, "")
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// looksLikeUnifiedDiff mirrors the loose header check used at extraction:
// any one marker is enough, the applier does the strict validation.
func looksLikeUnifiedDiff(s string) bool {
	return strings.Contains(s, "--- ") ||
		strings.Contains(s, "+++ ") ||
		strings.Contains(s, "@@ ")
}

func lastDiffFence(re *regexp.Regexp, text string) string {
	var body string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		if looksLikeUnifiedDiff(m[1]) {
			body = m[1]
		}
	}
	return body
}

// scanSpans walks the text line by line collecting maximal contiguous diff
// spans. Hunk extents are tracked from the @@ header counts so prose that
// merely starts with '-' or '+' after a hunk ends does not get swallowed.
func scanSpans(text string) []string {
	lines := strings.Split(text, "\n")

	var spans []string
	var cur []string
	oldLeft, newLeft := 0, 0

	flush := func() {
		for len(cur) > 0 && strings.TrimSpace(cur[len(cur)-1]) == "" {
			cur = cur[:len(cur)-1]
		}
		if len(cur) > 0 && looksLikeUnifiedDiff(strings.Join(cur, "\n")) {
			spans = append(spans, strings.Join(cur, "\n"))
		}
		cur = nil
		oldLeft, newLeft = 0, 0
	}

	inHunk := func() bool { return oldLeft > 0 || newLeft > 0 }

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff --git "):
			cur = append(cur, line)
			oldLeft, newLeft = 0, 0
		case !inHunk() && strings.HasPrefix(line, "--- "):
			// A span may start here only when the +++ pair follows.
			if len(cur) == 0 && !(i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ")) {
				continue
			}
			cur = append(cur, line)
		case len(cur) == 0:
			// Outside any span; keep scanning for the next header.
		case inHunk():
			consumed := true
			switch {
			case strings.HasPrefix(line, "+"):
				newLeft--
			case strings.HasPrefix(line, "-"):
				oldLeft--
			case strings.HasPrefix(line, "\\"):
				// "\ No newline at end of file" consumes nothing.
			case strings.HasPrefix(line, " ") || line == "":
				// Context line; models often strip the leading space from
				// blank context lines.
				oldLeft--
				newLeft--
			default:
				consumed = false
			}
			if !consumed {
				flush()
				i-- // reconsider this line as a potential new span start
				continue
			}
			cur = append(cur, line)
		case strings.HasPrefix(line, "@@"):
			m := hunkHeaderRE.FindStringSubmatch(line)
			if m == nil {
				flush()
				continue
			}
			oldLeft = hunkCount(m[2])
			newLeft = hunkCount(m[4])
			cur = append(cur, line)
		case strings.HasPrefix(line, "+++ "),
			strings.HasPrefix(line, "index "),
			strings.HasPrefix(line, "new file mode"),
			strings.HasPrefix(line, "deleted file mode"),
			strings.HasPrefix(line, "old mode"),
			strings.HasPrefix(line, "new mode"),
			strings.HasPrefix(line, "similarity index"),
			strings.HasPrefix(line, "rename from"),
			strings.HasPrefix(line, "rename to"),
			strings.HasPrefix(line, "copy from"),
			strings.HasPrefix(line, "copy to"),
			strings.HasPrefix(line, "Binary files"):
			cur = append(cur, line)
		default:
			flush()
		}
	}
	flush()
	return spans
}

func hunkCount(s string) int {
	if s == "" {
		return 1
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return n
}

// AffectedPaths returns the repo-relative paths a diff touches, in order of
// first appearance. Deletions report the a-side path since the b-side is
// /dev/null.
func AffectedPaths(text string) []string {
	var paths []string
	seen := make(map[string]bool)
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || p == "/dev/null" || seen[p] {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}

	var oldPath string
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			oldPath = ""
		case strings.HasPrefix(line, "--- "):
			oldPath = stripPathPrefix(strings.TrimPrefix(line, "--- "), "a/")
		case strings.HasPrefix(line, "+++ "):
			target := stripPathPrefix(strings.TrimPrefix(line, "+++ "), "b/")
			if target == "/dev/null" {
				add(oldPath)
			} else {
				add(target)
			}
		}
	}
	return paths
}

func stripPathPrefix(p, prefix string) string {
	p = strings.TrimSpace(p)
	// Classic unified diffs append a tab plus timestamp after the path.
	if i := strings.IndexByte(p, '\t'); i >= 0 {
		p = p[:i]
	}
	if p == "/dev/null" {
		return p
	}
	return strings.TrimPrefix(p, prefix)
}

// RewritePathPrefix prepends prefix to every a/ and b/ path in the diff so a
// patch written against a subdirectory applies from the repository root.
// /dev/null sides are left alone.
func RewritePathPrefix(text, prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return text
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "diff --git a/"):
			rest := strings.TrimPrefix(line, "diff --git a/")
			j := strings.Index(rest, " b/")
			if j < 0 {
				continue
			}
			lines[i] = "diff --git a/" + prefix + "/" + rest[:j] + " b/" + prefix + "/" + rest[j+len(" b/"):]
		case strings.HasPrefix(line, "--- a/"):
			lines[i] = "--- a/" + prefix + "/" + strings.TrimPrefix(line, "--- a/")
		case strings.HasPrefix(line, "+++ b/"):
			lines[i] = "+++ b/" + prefix + "/" + strings.TrimPrefix(line, "+++ b/")
		}
	}
	return strings.Join(lines, "\n")
}
