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
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/klados-io/klados-cluster/internal/statefile"
	"github.com/klados-io/klados-cluster/internal/workflow"
)

// registerCmd resolves the workflow definition against the environment
// and records (or updates) the local registration state that decides
// create-vs-update on the next invocation.
//
// # Exit Codes
//
//	0 - Success
//	1 - Configuration or registration error
var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the workflow definition against the resolved environment",
	RunE:  runRegister,
}

// registrationPlan is the action register decided to take, reported
// verbatim under --dry-run and after a real write.
type registrationPlan struct {
	Action       string `json:"action"`
	Label        string `json:"label"`
	Network      string `json:"network"`
	RhizaID      string `json:"rhiza_id"`
	CollectionID string `json:"collection_id"`
	Version      int    `json:"version"`
}

func runRegister(cmd *cobra.Command, args []string) error {
	bundle, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := bundle.Config

	def, err := workflow.LoadDefinition(flagWorkflowPath)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	statePath := statefile.Path(def.Label, string(cfg.Network))
	store, err := statefile.Open(statePath)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer store.Close()

	existing, found, err := store.Read()
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	plan := planRegistration(existing, found, def.Label, string(cfg.Network), cfg.Rhiza)

	if flagDryRun {
		return printRegistrationPlan(plan)
	}

	if err := store.Write(statefile.State{
		RhizaID:      plan.RhizaID,
		CollectionID: plan.CollectionID,
		Version:      plan.Version,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	return printRegistrationPlan(plan)
}

// planRegistration decides create-vs-update per spec.md §6: a found
// prior state is updated in place (same collection, version bumped); no
// prior state creates a fresh collection id at version 1.
func planRegistration(existing statefile.State, found bool, label, network, rhizaID string) registrationPlan {
	if !found {
		return registrationPlan{
			Action:       "create",
			Label:        label,
			Network:      network,
			RhizaID:      rhizaID,
			CollectionID: uuid.NewString(),
			Version:      1,
		}
	}
	return registrationPlan{
		Action:       "update",
		Label:        label,
		Network:      network,
		RhizaID:      rhizaID,
		CollectionID: existing.CollectionID,
		Version:      existing.Version + 1,
	}
}

func printRegistrationPlan(plan registrationPlan) error {
	if flagJSONOutput {
		enc := json.NewEncoder(cmdStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	fmt.Fprintf(cmdStdout(), "%s workflow %q on network %q (rhiza=%s collection=%s version=%d)\n",
		plan.Action, plan.Label, plan.Network, plan.RhizaID, plan.CollectionID, plan.Version)
	return nil
}
