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
	"github.com/spf13/cobra"
)

// Global flags shared by every subcommand.
var (
	flagWorkflowPath string
	flagProfilePath  string
	flagJSONOutput   bool
	flagDryRun       bool
)

var rootCmd = &cobra.Command{
	Use:   "klados-cluster",
	Short: "Knowledge-graph clustering coordinator",
	Long: `klados-cluster registers and drives the recursive clustering
stage of a knowledge-graph construction pipeline: entities at layer 0
cluster into layer-1 leaders, which in turn cluster into layer-2
leaders, and so on until a single layer converges or the recursion
safety cap is reached.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagWorkflowPath, "workflow", "workflow.json",
		"path to the workflow-definition JSON file")
	rootCmd.PersistentFlags().StringVar(&flagProfilePath, "profile", "profile.yaml",
		"path to an optional local YAML config override")
	rootCmd.PersistentFlags().BoolVar(&flagJSONOutput, "json", false,
		"emit machine-readable JSON instead of text")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false,
		"print the action plan and exit without mutating anything")

	rootCmd.AddCommand(registerCmd, invokeCmd, simulateCmd, validateCmd)
}

// loadConfig resolves env-driven Config then overlays the optional
// local profile, matching the precedence ApplyProfile documents.
func loadConfig() (*configBundle, error) {
	return loadConfigBundle(flagProfilePath)
}
