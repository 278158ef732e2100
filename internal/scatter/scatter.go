// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scatter implements the entry-point fan-out: one invocation
// request carrying N entity ids becomes a job collection, a root log,
// and a single scatter handoff recording all N as expected branches.
package scatter

import (
	"context"
	"fmt"

	"github.com/klados-io/klados-cluster/internal/entity"
	"github.com/klados-io/klados-cluster/internal/handoff"
	"github.com/klados-io/klados-cluster/internal/observability"
)

// Store is the subset of entitystore.Client the coordinator needs.
type Store interface {
	CreateWithRelationships(ctx context.Context, e *entity.Entity) error
}

// LogWriter is the subset of logwriter.Writer the coordinator needs.
type LogWriter interface {
	CreateLog(ctx context.Context, kladosID string, received entity.LogReceived) (*entity.Log, error)
	SetHandoffs(ctx context.Context, logID string, handoffs ...handoff.Handoff) error
	Complete(ctx context.Context, logID string, messages ...entity.LogMessage) error
}

// Request is one invocation of the pipeline's entry point.
type Request struct {
	RhizaID          string
	JobID            string
	TargetEntity     string
	TargetCollection string
	EntityIDs        []string
}

// Result mirrors the invocation API's documented response contract:
// job id and job collection id only. A caller resolves the root log to
// observe by looking up the job collection's first_log relationship
// (see observer.Observer.ResolveRoot), not from a field on this struct.
type Result struct {
	Status        string
	JobID         string
	JobCollection string
}

// Coordinator runs the scatter step.
type Coordinator struct {
	store   Store
	logs    LogWriter
	metrics *observability.Metrics
}

// New constructs a Coordinator. metrics may be nil, in which case the
// coordinator runs without recording Prometheus instruments.
func New(store Store, logs LogWriter, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{store: store, logs: logs, metrics: metrics}
}

// Start creates the job collection, the root scatter log, and records
// a single scatter handoff whose outputs are req.EntityIDs — one
// branch per entity id, each entering extraction independently. There
// are no retries: a failure here is surfaced to the caller immediately
// rather than partially started.
func (c *Coordinator) Start(ctx context.Context, kladosID string, req Request) (*Result, error) {
	if len(req.EntityIDs) == 0 {
		return nil, fmt.Errorf("scatter: request carries no entity ids")
	}
	if req.JobID == "" {
		return nil, fmt.Errorf("scatter: request carries no job id")
	}

	rootLog, err := c.logs.CreateLog(ctx, kladosID, entity.LogReceived{
		ScatterTotal: len(req.EntityIDs),
	})
	if err != nil {
		return nil, fmt.Errorf("scatter: create root log: %w", err)
	}

	jobCollection := entity.NewJobCollection(req.JobID, rootLog.ID, entity.ScatterJobProperties{
		RhizaID:   req.RhizaID,
		EntityIDs: req.EntityIDs,
		JobID:     req.JobID,
	})
	if err := c.store.CreateWithRelationships(ctx, jobCollection); err != nil {
		return nil, fmt.Errorf("scatter: create job collection: %w", err)
	}

	if err := c.logs.SetHandoffs(ctx, rootLog.ID, &handoff.Scatter{Outputs: req.EntityIDs}); err != nil {
		return nil, fmt.Errorf("scatter: record scatter handoff: %w", err)
	}
	if err := c.logs.Complete(ctx, rootLog.ID); err != nil {
		return nil, fmt.Errorf("scatter: seal root log: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RecordHandoff("scatter", "scatter")
	}

	return &Result{Status: "started", JobID: req.JobID, JobCollection: req.JobID}, nil
}
