// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workflow loads the workflow-definition file the CLI registers
// against the external orchestration service: a JSON document naming
// the per-step klados id for each stage, with "$VAR"-prefixed values
// substituted from the process environment at load time.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/klados-io/klados-cluster/internal/config"
)

// KladosRef names the klados registered for one workflow step. ID may
// arrive as a literal id or as a "$VAR" placeholder to be resolved
// from the environment.
type KladosRef struct {
	ID string `json:"id"`
}

// Step is one entry in the workflow's flow graph.
type Step struct {
	Klados KladosRef `json:"klados"`
}

// Definition is the parsed, fully-resolved workflow-definition document.
type Definition struct {
	Label   string          `json:"label"`
	Version string          `json:"version"`
	Entry   string          `json:"entry"`
	Flow    map[string]Step `json:"flow"`
}

// Resolver looks up an environment-variable-style name. os.LookupEnv
// satisfies this signature; tests supply a fake.
type Resolver func(name string) (string, bool)

// LoadDefinition reads the workflow-definition JSON file at path and
// resolves every "$VAR" klados id against the process environment. A
// variable that is unset or empty aborts with a *config.ErrMissingEnv,
// the same configuration-error type config.Load returns, so callers
// can treat both uniformly as exit-code-1 startup failures.
func LoadDefinition(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	return ParseDefinition(raw, os.LookupEnv)
}

// ParseDefinition parses raw workflow-definition JSON and substitutes
// klados ids using resolve, rather than the live process environment.
// Exported so tests can supply a fixed env; the CLI, --dry-run
// included, goes through LoadDefinition and the live environment.
func ParseDefinition(raw []byte, resolve Resolver) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("workflow: parse definition: %w", err)
	}

	for name, step := range def.Flow {
		resolved, err := substitute(step.Klados.ID, resolve)
		if err != nil {
			return nil, fmt.Errorf("workflow: step %q: %w", name, err)
		}
		step.Klados.ID = resolved
		def.Flow[name] = step
	}
	return &def, nil
}

// substitute resolves a single value. Values not prefixed with "$"
// pass through unchanged; everything else is an environment-variable
// reference that must resolve to a non-empty value.
func substitute(value string, resolve Resolver) (string, error) {
	if !strings.HasPrefix(value, "$") {
		return value, nil
	}
	name := strings.TrimPrefix(value, "$")
	v, ok := resolve(name)
	if !ok || v == "" {
		return "", &config.ErrMissingEnv{Var: name}
	}
	return v, nil
}
