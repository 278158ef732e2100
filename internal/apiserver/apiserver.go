// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apiserver exposes the coordinator's admin surface: health and
// metrics endpoints for operators, and a job status endpoint that walks
// the observer's log tree to report whether a scatter has converged.
package apiserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/klados-io/klados-cluster/internal/observability"
	"github.com/klados-io/klados-cluster/internal/observer"
)

// JobObserver is the subset of observer.Observer the job status handler
// needs.
type JobObserver interface {
	ResolveRoot(ctx context.Context, jobCollectionID string) (string, error)
	Evaluate(ctx context.Context, rootLogID string) (*observer.LogTree, error)
}

// New builds the coordinator's gin router: otelgin tracing middleware,
// /healthz, /metrics (Prometheus exposition), and /v1/jobs/:id (job
// status by job collection id, resolved to its root log through obs).
func New(obs JobObserver) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("klados-cluster"))

	router.GET("/healthz", HealthCheck)
	router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	v1 := router.Group("/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.GET("/:id", JobStatus(obs))
		}
	}

	return router
}

// HealthCheck reports liveness. It never depends on the entity store:
// an unhealthy dependency should show up as degraded job status, not as
// a failed liveness probe that causes an unnecessary restart.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// jobStatusResponse is the JSON shape returned by JobStatus.
type jobStatusResponse struct {
	JobCollection string   `json:"job_collection"`
	RootLogID     string   `json:"root_log_id"`
	Complete      bool     `json:"complete"`
	NodeCount     int      `json:"node_count"`
	Unresolved    []string `json:"unresolved,omitempty"`
}

// JobStatus returns a handler reporting whether the log tree for the
// job collection named by the :id path parameter has converged. The
// invoke response only ever hands a caller a job collection id, so the
// handler resolves its first_log relationship to a root log id before
// walking the tree.
func JobStatus(obs JobObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobCollectionID := c.Param("id")
		if jobCollectionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing job id"})
			return
		}

		rootLogID, err := obs.ResolveRoot(c.Request.Context(), jobCollectionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		tree, err := obs.Evaluate(c.Request.Context(), rootLogID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, jobStatusResponse{
			JobCollection: jobCollectionID,
			RootLogID:     rootLogID,
			Complete:      tree.Complete(),
			NodeCount:     len(tree.Nodes),
			Unresolved:    tree.Unresolved,
		})
	}
}
