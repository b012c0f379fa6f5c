// Package rulepack ships embedded verification presets for the gate
// pipeline. A pack is a YAML list of checks for one ecosystem (go, python,
// security); config selects packs by name and they expand into gate specs
// ahead of any explicitly configured gates.
package rulepack

import (
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed packs/*.yaml
var packFS embed.FS

// Entry is one preset check, shaped to become a gate spec.
type Entry struct {
	Name     string
	Argv     []string
	Required bool
	Critical bool
	Timeout  time.Duration
	Parser   string
}

// packFile is the on-disk pack shape. Timeouts are duration strings.
type packFile struct {
	Checks []struct {
		Name     string   `yaml:"name"`
		Argv     []string `yaml:"argv"`
		Required bool     `yaml:"required"`
		Critical bool     `yaml:"critical"`
		Timeout  string   `yaml:"timeout"`
		Parser   string   `yaml:"parser"`
	} `yaml:"checks"`
}

// Names lists the available packs, sorted.
func Names() []string {
	entries, err := packFS.ReadDir("packs")
	if err != nil {
		// Embedded FS is compiled in; this cannot fail at runtime.
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// Load returns the checks of the named pack in file order.
func Load(name string) ([]Entry, error) {
	data, err := packFS.ReadFile("packs/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown rule pack %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	var pf packFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("rule pack %s: %w", name, err)
	}
	out := make([]Entry, 0, len(pf.Checks))
	for i, c := range pf.Checks {
		if c.Name == "" || len(c.Argv) == 0 {
			return nil, fmt.Errorf("rule pack %s: check %d has no name or argv", name, i)
		}
		e := Entry{
			Name:     c.Name,
			Argv:     c.Argv,
			Required: c.Required,
			Critical: c.Critical,
			Parser:   c.Parser,
		}
		if c.Timeout != "" {
			d, err := time.ParseDuration(c.Timeout)
			if err != nil {
				return nil, fmt.Errorf("rule pack %s: check %s: bad timeout: %w", name, c.Name, err)
			}
			e.Timeout = d
		}
		out = append(out, e)
	}
	return out, nil
}
