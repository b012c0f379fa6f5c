package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// DefaultPath is the config file looked up relative to the work
	// directory when no explicit path is given.
	DefaultPath = "patchpilot.yaml"

	envPrefix         = "PATCHPILOT_"
	maxConfigFileSize = 1 << 20
)

// Load reads configuration with the precedence (highest first):
//
//  1. PATCHPILOT_* environment variables
//  2. the YAML file at path
//  3. built-in defaults
//
// A missing file is not an error when the path is the default one; the
// engine then runs on defaults plus environment. Duration fields accept Go
// duration strings ("90s", "20m"). Environment keys map section-first:
// PATCHPILOT_PROVIDER_BASE_URL -> provider.base_url.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) > maxConfigFileSize {
			return nil, invalidf("config file %s exceeds %d bytes", path, maxConfigFileSize)
		}
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults only.
	default:
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyToPath), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKeyToPath maps PATCHPILOT_SECTION_FIELD_NAME to section.field_name.
// Sections are single words, so only the first underscore splits.
func envKeyToPath(key string) string {
	lower := strings.ToLower(strings.TrimPrefix(key, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}
