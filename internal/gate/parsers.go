package gate

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"patchpilot/internal/config"
)

// parse judges a finished gate. The parser name comes from config and has
// already been validated; unknown names fall back to exit-code judgement.
func parse(parser string, exitCode int, output string, minCoverage float64) (bool, string) {
	switch parser {
	case config.ParserCoverage:
		return parseCoverage(exitCode, output, minCoverage)
	case config.ParserJSONFindings:
		return parseJSONFindings(exitCode, output)
	default:
		return parseExit(exitCode, output)
	}
}

// parseExit passes on exit zero.
func parseExit(exitCode int, output string) (bool, string) {
	if exitCode == 0 {
		return true, "ok"
	}
	return false, fmt.Sprintf("exit %d: %s", exitCode, headLine(output))
}

var percentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)

// parseCoverage extracts coverage percentages from go-test or pytest style
// output and compares the lowest against the floor. A zero floor disables
// the check and only the exit code counts.
func parseCoverage(exitCode int, output string, minCoverage float64) (bool, string) {
	if exitCode != 0 {
		return false, fmt.Sprintf("exit %d: %s", exitCode, headLine(output))
	}
	if minCoverage <= 0 {
		return true, "ok (coverage floor disabled)"
	}

	lowest, found := 0.0, false
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "coverage") && !strings.Contains(line, "TOTAL") {
			continue
		}
		for _, m := range percentRe.FindAllStringSubmatch(line, -1) {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			if !found || v < lowest {
				lowest, found = v, true
			}
		}
	}
	if !found {
		return false, "no coverage figure in output"
	}
	if lowest < minCoverage {
		return false, fmt.Sprintf("coverage %.1f%% below floor %.1f%%", lowest, minCoverage)
	}
	return true, fmt.Sprintf("coverage %.1f%%", lowest)
}

// parseJSONFindings counts the findings array in a JSON report and passes
// only when it is empty. The parser, not the exit code, decides: scanners
// conventionally exit non-zero exactly when findings exist.
func parseJSONFindings(exitCode int, output string) (bool, string) {
	count, err := countFindings(output)
	if err != nil {
		return false, fmt.Sprintf("exit %d, unparseable report: %v", exitCode, err)
	}
	if count > 0 {
		return false, fmt.Sprintf("%d finding(s)", count)
	}
	return true, "no findings"
}

// countFindings locates the first JSON value in output and counts its
// findings. Accepts a top-level array or an object with a conventional
// findings key.
func countFindings(output string) (int, error) {
	idx := strings.IndexAny(output, "[{")
	if idx < 0 {
		return 0, errors.New("no JSON in output")
	}
	var v any
	if err := json.NewDecoder(strings.NewReader(output[idx:])).Decode(&v); err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case []any:
		return len(t), nil
	case map[string]any:
		for _, key := range []string{"findings", "results", "vulnerabilities", "issues"} {
			if arr, ok := t[key].([]any); ok {
				return len(arr), nil
			}
		}
		return 0, errors.New("report has no findings array")
	default:
		return 0, errors.New("unexpected JSON shape")
	}
}

// headLine returns the first non-empty output line, truncated.
func headLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > 200 {
			return line[:200] + "..."
		}
		return line
	}
	return "(no output)"
}
