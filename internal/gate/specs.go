package gate

import (
	"patchpilot/internal/config"
	"patchpilot/internal/rulepack"
)

// SpecsFor builds the pipeline's gate list from config: rule packs expand
// first (filtered by enabled_checks when set), then explicit gates. An
// explicit gate sharing a pack check's name replaces it, so operators can
// override a preset's argv without forking the pack.
func SpecsFor(cfg config.GateConfig) ([]Spec, error) {
	enabled := func(string) bool { return true }
	if len(cfg.EnabledChecks) > 0 {
		set := make(map[string]bool, len(cfg.EnabledChecks))
		for _, name := range cfg.EnabledChecks {
			set[name] = true
		}
		enabled = func(name string) bool { return set[name] }
	}

	var specs []Spec
	index := make(map[string]int)
	for _, pack := range cfg.RulePacks {
		entries, err := rulepack.Load(pack)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !enabled(e.Name) {
				continue
			}
			index[e.Name] = len(specs)
			specs = append(specs, Spec{
				Name:     e.Name,
				Argv:     e.Argv,
				Required: e.Required,
				Critical: e.Critical,
				Timeout:  e.Timeout,
				Parser:   e.Parser,
			})
		}
	}

	for _, g := range cfg.Gates {
		spec := Spec{
			Name:     g.Name,
			Argv:     g.Argv,
			Required: g.Required,
			Critical: g.Critical,
			Timeout:  g.Timeout,
			Parser:   g.Parser,
		}
		if i, ok := index[g.Name]; ok {
			specs[i] = spec
			continue
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
