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
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/klados-io/klados-cluster/internal/entity"
)

var (
	flagValidateRootLogID    string
	flagValidateJobCollection string
)

// validateCmd walks a completed (or in-flight) job tree and renders the
// problem list: every log that ended in error, plus any log id the walk
// referenced but could not resolve. A caller may name either the root
// log directly or the job collection id from an invoke response;
// --job-collection resolves to a root log the same way JobStatus does.
//
// # Exit Codes
//
//	0 - No error-status or unresolved logs found (an in-flight tree can pass)
//	1 - Configuration error, or the tree has problems to report
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Render the problem list of a job tree's completed logs",
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&flagValidateRootLogID, "root-log-id", "",
		"root log id of the job tree to evaluate")
	validateCmd.Flags().StringVar(&flagValidateJobCollection, "job-collection", "",
		"job collection id to resolve to a root log via its first_log relationship")
}

type validateProblem struct {
	LogID  string `json:"log_id"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type validateReport struct {
	RootLogID string            `json:"root_log_id"`
	NodeCount int               `json:"node_count"`
	Complete  bool              `json:"complete"`
	Problems  []validateProblem `json:"problems,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	if flagValidateRootLogID == "" && flagValidateJobCollection == "" {
		return fmt.Errorf("validate: one of --root-log-id or --job-collection is required")
	}

	bundle, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := newApp(ctx, bundle.Config)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	defer app.close(ctx)

	rootLogID := flagValidateRootLogID
	if rootLogID == "" {
		rootLogID, err = app.observer.ResolveRoot(ctx, flagValidateJobCollection)
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}
	}

	tree, err := app.observer.Evaluate(ctx, rootLogID)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	report := validateReport{
		RootLogID: rootLogID,
		NodeCount: len(tree.Nodes),
		Complete:  tree.Complete(),
	}
	for id, log := range tree.Nodes {
		if log.Status != entity.LogError {
			continue
		}
		report.Problems = append(report.Problems, validateProblem{
			LogID:  id,
			Status: string(log.Status),
			Detail: errorDetail(log),
		})
	}
	for _, id := range tree.Unresolved {
		report.Problems = append(report.Problems, validateProblem{
			LogID:  id,
			Detail: "unresolved: referenced but could not be fetched",
		})
	}

	if err := printValidateReport(report); err != nil {
		return err
	}
	if len(report.Problems) > 0 {
		return fmt.Errorf("validate: %d problem(s) found", len(report.Problems))
	}
	return nil
}

func errorDetail(log *entity.Log) string {
	return log.Entry.Error
}

func printValidateReport(report validateReport) error {
	if flagJSONOutput {
		enc := json.NewEncoder(cmdStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(cmdStdout(), "root %s: %d nodes, complete=%v, %d problem(s)\n",
		report.RootLogID, report.NodeCount, report.Complete, len(report.Problems))
	for _, p := range report.Problems {
		if p.Detail != "" {
			fmt.Fprintf(cmdStdout(), "  - %s (%s): %s\n", p.LogID, p.Status, p.Detail)
		} else {
			fmt.Fprintf(cmdStdout(), "  - %s (%s)\n", p.LogID, p.Status)
		}
	}
	return nil
}
