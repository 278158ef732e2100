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
	"net/http"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/klados-io/klados-cluster/internal/apiserver"
	"github.com/klados-io/klados-cluster/internal/entity"
	"github.com/klados-io/klados-cluster/internal/observer"
	"github.com/klados-io/klados-cluster/internal/scatter"
)

var (
	flagInvokeEntityIDs  []string
	flagInvokeJobID      string
	flagInvokeRhiza      string
	flagInvokeMaxWorkers int
	flagInvokeWait       bool
)

// invokeCmd starts one scatter over a batch of entity ids, fans
// cluster-worker invocations out over them and, unless --wait=false is
// given, waits for the resulting job tree to converge.
//
// # Exit Codes
//
//	0 - Success (job started, or converged if waiting)
//	1 - Configuration or invocation error
var invokeCmd = &cobra.Command{
	Use:   "invoke",
	Short: "Invoke the pipeline's entry point over a batch of entity ids",
	RunE:  runInvoke,
}

func init() {
	invokeCmd.Flags().StringSliceVar(&flagInvokeEntityIDs, "entity-ids", nil,
		"comma-separated layer-0 entity ids to scatter over (required)")
	invokeCmd.Flags().StringVar(&flagInvokeJobID, "job-id", "",
		"job id to use (default: a generated uuid)")
	invokeCmd.Flags().StringVar(&flagInvokeRhiza, "rhiza", "",
		"rhiza id to invoke against (default: the registered state's rhiza id)")
	invokeCmd.Flags().IntVar(&flagInvokeMaxWorkers, "max-workers", 8,
		"maximum concurrent cluster-worker invocations")
	invokeCmd.Flags().BoolVar(&flagInvokeWait, "wait", true,
		"wait for the job tree to converge before exiting")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	if len(flagInvokeEntityIDs) == 0 {
		return fmt.Errorf("invoke: --entity-ids must name at least one entity")
	}

	bundle, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := bundle.Config

	rhizaID := flagInvokeRhiza
	if rhizaID == "" {
		rhizaID = cfg.Rhiza
	}

	jobID := flagInvokeJobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	req := scatter.Request{
		RhizaID:   rhizaID,
		JobID:     jobID,
		EntityIDs: flagInvokeEntityIDs,
	}

	if flagDryRun {
		return printInvokePlan(req)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := newApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("invoke: %w", err)
	}
	defer app.close(ctx)

	var admin *http.Server
	if cfg.AdminAddr != "" {
		admin = &http.Server{Addr: cfg.AdminAddr, Handler: apiserver.New(app.observer)}
		go func() {
			_ = admin.ListenAndServe()
		}()
		defer admin.Close()
	}

	result, err := app.scatter.Start(ctx, cfg.Kladoi.Scatter, req)
	if err != nil {
		return fmt.Errorf("invoke: %w", err)
	}

	if err := runClusterFanout(ctx, app, cfg.Kladoi.Cluster, flagInvokeEntityIDs, flagInvokeMaxWorkers); err != nil {
		return fmt.Errorf("invoke: %w", err)
	}

	if !flagInvokeWait {
		return printInvokeResult(result, nil)
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.ObserverTimeout)
	defer cancel()

	// Resolve the job collection's first_log relationship ourselves
	// rather than reaching into result directly, since this is the same
	// path a later process following only the documented
	// {job_id, job_collection} response would have to take.
	rootLogID, err := app.observer.ResolveRoot(waitCtx, result.JobCollection)
	if err != nil {
		return fmt.Errorf("invoke: %w", err)
	}

	waitResult, err := app.observer.Wait(waitCtx, rootLogID, cfg.ObserverPollInterval, cfg.ObserverTimeout)
	if err != nil {
		return fmt.Errorf("invoke: %w", err)
	}
	return printInvokeResult(result, waitResult)
}

// runClusterFanout runs one cluster-worker invocation per entity id,
// bounded to maxWorkers concurrent in-flight workers. A single entity's
// failure does not cancel its siblings: each worker owns exactly one
// log and fails it independently, per the propagation policy every
// worker in this system follows.
func runClusterFanout(ctx context.Context, a *app, kladosID string, entityIDs []string, maxWorkers int) error {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	sem := semaphore.NewWeighted(int64(maxWorkers))
	var g errgroup.Group

	for _, id := range entityIDs {
		id := id
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			_, err := a.cluster.Run(ctx, kladosID, entity.LogReceived{TargetEntity: id})
			return err
		})
	}
	return g.Wait()
}

func printInvokePlan(req scatter.Request) error {
	plan := map[string]any{
		"action":     "invoke",
		"rhiza_id":   req.RhizaID,
		"job_id":     req.JobID,
		"entity_ids": req.EntityIDs,
	}
	if flagJSONOutput {
		enc := json.NewEncoder(cmdStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	fmt.Fprintf(cmdStdout(), "would invoke job %s over %d entities against rhiza %s\n",
		req.JobID, len(req.EntityIDs), req.RhizaID)
	return nil
}

type invokeReport struct {
	Status    string `json:"status"`
	JobID     string `json:"job_id"`
	Complete  bool   `json:"complete,omitempty"`
	NodeCount int    `json:"node_count,omitempty"`
	TimedOut  bool   `json:"timed_out,omitempty"`
}

func printInvokeResult(result *scatter.Result, wait *observer.WaitResult) error {
	report := invokeReport{Status: result.Status, JobID: result.JobID}
	if wait != nil {
		report.Complete = wait.Complete
		report.TimedOut = wait.TimedOut
		if wait.Tree != nil {
			report.NodeCount = len(wait.Tree.Nodes)
		}
	}

	if flagJSONOutput {
		enc := json.NewEncoder(cmdStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if wait == nil {
		fmt.Fprintf(cmdStdout(), "started job %s (%s)\n", report.JobID, report.Status)
		return nil
	}
	state := "incomplete"
	if report.Complete {
		state = "complete"
	}
	fmt.Fprintf(cmdStdout(), "job %s %s (%s), %d nodes observed\n",
		report.JobID, state, report.Status, report.NodeCount)
	return nil
}
