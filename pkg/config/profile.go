package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadProfile overlays dir/profile_<name>.yaml onto a copy of base and validates the
// result. Profiles hold only the fields they change, such as an edge deployment's
// smaller core set. Lists in a profile replace the base list; maps merge.
func LoadProfile(base *Config, dir, name string) (*Config, error) {
	name = strings.ToLower(name)
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	cfg, err := base.clone()
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", name, err)
	}
	return cfg, nil
}

// Profiles lists the profile names found in dir, sorted.
func Profiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, path := range matches {
		base := filepath.Base(path)
		names = append(names, strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml"))
	}
	slices.Sort(names)
	return names, nil
}

func (c *Config) clone() (*Config, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: copy: %w", err)
	}
	out := &Config{}
	if err := yaml.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("config: copy: %w", err)
	}
	return out, nil
}
