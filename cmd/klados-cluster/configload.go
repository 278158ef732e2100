// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/klados-io/klados-cluster/internal/config"
)

// configBundle is the fully-resolved configuration a command needs:
// environment Config with any local profile overrides applied.
type configBundle struct {
	Config *config.Config
}

// loadConfigBundle reads Config from the environment and overlays
// profilePath, if present. A missing profile file is not an error.
func loadConfigBundle(profilePath string) (*configBundle, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	profile, err := config.LoadProfile(profilePath)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	config.ApplyProfile(cfg, profile)

	return &configBundle{Config: cfg}, nil
}
