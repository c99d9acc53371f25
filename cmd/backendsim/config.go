package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/lifeline/internal/backendsim"
	"github.com/danmuck/lifeline/internal/version"
)

type fileConfig struct {
	Addr               string         `toml:"addr"`
	CurrentVersion     string         `toml:"current_version"`
	RecommendedVersion string         `toml:"recommended_version"`
	MinimumVersion     string         `toml:"minimum_version"`
	Maintenance        bool           `toml:"maintenance"`
	RequireToken       string         `toml:"require_token"`
	Routes             map[string]any `toml:"routes"`
	Extra              map[string]any `toml:"extra"`
	CorsOrigins        []string       `toml:"cors_origins"`
}

// loadSimConfig overlays the keys present in path onto the defaults.
func loadSimConfig(path string) (backendsim.Config, error) {
	cfg := backendsim.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return backendsim.Config{}, fmt.Errorf("load backendsim config: %w", err)
	}

	if meta.IsDefined("addr") {
		if addr := strings.TrimSpace(raw.Addr); addr != "" {
			cfg.Addr = addr
		}
	}

	versions := []struct {
		key   string
		value string
		dst   *string
	}{
		{"current_version", raw.CurrentVersion, &cfg.CurrentVersion},
		{"recommended_version", raw.RecommendedVersion, &cfg.RecommendedVersion},
		{"minimum_version", raw.MinimumVersion, &cfg.MinimumVersion},
	}
	for _, v := range versions {
		if !meta.IsDefined(v.key) {
			continue
		}
		value := strings.TrimSpace(v.value)
		if value != "" {
			if _, err := version.Parse(value); err != nil {
				return backendsim.Config{}, fmt.Errorf("parse %s: %w", v.key, err)
			}
		}
		*v.dst = value
	}

	if meta.IsDefined("maintenance") {
		cfg.Maintenance = raw.Maintenance
	}
	if meta.IsDefined("require_token") {
		cfg.RequireToken = strings.TrimSpace(raw.RequireToken)
	}
	if meta.IsDefined("routes") {
		cfg.Routes = raw.Routes
	}
	if meta.IsDefined("extra") {
		cfg.Extra = raw.Extra
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return backendsim.Config{}, fmt.Errorf("unknown backendsim config keys: %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}
