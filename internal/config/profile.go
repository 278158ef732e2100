// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is an optional local YAML override for the CLI, letting a
// developer pin network/tunable values without exporting every
// environment variable by hand. Anything left zero-valued here does
// not override the corresponding environment-derived Config field.
type Profile struct {
	Network           string `yaml:"network,omitempty"`
	SearchLimit       int    `yaml:"search_limit,omitempty"`
	RecheckDelayMs    int    `yaml:"recheck_delay_ms,omitempty"`
	FollowerWaitMinMs int    `yaml:"follower_wait_min_ms,omitempty"`
	FollowerWaitMaxMs int    `yaml:"follower_wait_max_ms,omitempty"`
}

// LoadProfile reads a YAML profile from path. A missing file is not an
// error: callers treat an empty Profile as "use environment defaults".
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Profile{}, nil
		}
		return nil, fmt.Errorf("config: read profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return &p, nil
}

// ApplyProfile overlays non-zero Profile fields onto cfg, giving the
// profile file priority over the built-in defaults but not over
// explicitly set environment variables (Load already resolved those).
func ApplyProfile(cfg *Config, p *Profile) {
	if p == nil {
		return
	}
	envSet := func(name string) bool { return os.Getenv(name) != "" }
	if p.Network != "" && !envSet("ARKE_NETWORK") {
		cfg.Network = Network(p.Network)
	}
	if p.SearchLimit > 0 && !envSet("KG_SEARCH_LIMIT") {
		cfg.SearchLimit = p.SearchLimit
	}
	if p.RecheckDelayMs > 0 && !envSet("KG_RECHECK_DELAY_MS") {
		cfg.RecheckDelay = millis(p.RecheckDelayMs)
	}
	if p.FollowerWaitMinMs > 0 && !envSet("KG_FOLLOWER_WAIT_MIN_MS") {
		cfg.FollowerWaitMin = millis(p.FollowerWaitMinMs)
	}
	if p.FollowerWaitMaxMs > 0 && !envSet("KG_FOLLOWER_WAIT_MAX_MS") {
		cfg.FollowerWaitMax = millis(p.FollowerWaitMaxMs)
	}
}
