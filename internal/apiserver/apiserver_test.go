// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klados-io/klados-cluster/internal/entity"
	"github.com/klados-io/klados-cluster/internal/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeObserver struct {
	root       string
	resolveErr error
	tree       *observer.LogTree
	err        error
}

func (f *fakeObserver) ResolveRoot(ctx context.Context, jobCollectionID string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	if f.root != "" {
		return f.root, nil
	}
	return jobCollectionID, nil
}

func (f *fakeObserver) Evaluate(ctx context.Context, rootLogID string) (*observer.LogTree, error) {
	return f.tree, f.err
}

func TestHealthCheck_ReturnsOK(t *testing.T) {
	router := gin.New()
	router.GET("/healthz", HealthCheck)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestJobStatus_ReportsCompleteTree(t *testing.T) {
	obs := &fakeObserver{tree: &observer.LogTree{
		RootLogID: "log-1",
		Nodes: map[string]*entity.Log{
			"log-1": {ID: "log-1", Status: entity.LogDone},
		},
	}}
	router := gin.New()
	router.GET("/v1/jobs/:id", JobStatus(obs))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/v1/jobs/log-1", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body jobStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "log-1", body.RootLogID)
	assert.True(t, body.Complete)
	assert.Equal(t, 1, body.NodeCount)
}

func TestJobStatus_ReportsIncompleteTree(t *testing.T) {
	obs := &fakeObserver{tree: &observer.LogTree{
		RootLogID:  "log-1",
		Nodes:      map[string]*entity.Log{"log-1": {ID: "log-1", Status: entity.LogRunning}},
		Unresolved: []string{"log-2"},
	}}
	router := gin.New()
	router.GET("/v1/jobs/:id", JobStatus(obs))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/v1/jobs/log-1", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body jobStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Complete)
	assert.Equal(t, []string{"log-2"}, body.Unresolved)
}

func TestJobStatus_PropagatesObserverError(t *testing.T) {
	obs := &fakeObserver{err: errors.New("store unavailable")}
	router := gin.New()
	router.GET("/v1/jobs/:id", JobStatus(obs))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/v1/jobs/log-1", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestJobStatus_PropagatesResolveRootError(t *testing.T) {
	obs := &fakeObserver{resolveErr: errors.New("job collection not found")}
	router := gin.New()
	router.GET("/v1/jobs/:id", JobStatus(obs))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/v1/jobs/collection-1", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestJobStatus_ReportsResolvedJobCollection(t *testing.T) {
	obs := &fakeObserver{
		root: "log-1",
		tree: &observer.LogTree{
			RootLogID: "log-1",
			Nodes:     map[string]*entity.Log{"log-1": {ID: "log-1", Status: entity.LogDone}},
		},
	}
	router := gin.New()
	router.GET("/v1/jobs/:id", JobStatus(obs))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/v1/jobs/collection-1", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body jobStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "collection-1", body.JobCollection)
	assert.Equal(t, "log-1", body.RootLogID)
}

func TestNew_RegistersCoreRoutes(t *testing.T) {
	router := New(&fakeObserver{tree: &observer.LogTree{Nodes: map[string]*entity.Log{}}})

	want := []struct{ method, path string }{
		{"GET", "/healthz"},
		{"GET", "/metrics"},
		{"GET", "/v1/jobs/:id"},
	}
	routes := router.Routes()
	for _, w := range want {
		found := false
		for _, r := range routes {
			if r.Method == w.method && r.Path == w.path {
				found = true
				break
			}
		}
		assert.True(t, found, "expected route %s %s to be registered", w.method, w.path)
	}
}
