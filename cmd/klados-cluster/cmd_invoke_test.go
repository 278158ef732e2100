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
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klados-io/klados-cluster/internal/entity"
	"github.com/klados-io/klados-cluster/internal/observer"
	"github.com/klados-io/klados-cluster/internal/scatter"
)

func withCapturedStdout(t *testing.T, jsonOutput bool) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevStdout, prevJSON := stdout, flagJSONOutput
	stdout = &buf
	flagJSONOutput = jsonOutput
	t.Cleanup(func() { stdout, flagJSONOutput = prevStdout, prevJSON })
	return &buf
}

func TestPrintInvokePlan_TextNamesJobAndRhiza(t *testing.T) {
	buf := withCapturedStdout(t, false)

	req := scatter.Request{RhizaID: "rhiza-1", JobID: "job-1", EntityIDs: []string{"e1", "e2"}}
	require.NoError(t, printInvokePlan(req))

	out := buf.String()
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "rhiza-1")
	assert.Contains(t, out, "2 entities")
}

func TestPrintInvokePlan_JSONCarriesEntityIDs(t *testing.T) {
	buf := withCapturedStdout(t, true)

	req := scatter.Request{RhizaID: "rhiza-1", JobID: "job-1", EntityIDs: []string{"e1", "e2"}}
	require.NoError(t, printInvokePlan(req))

	var plan map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &plan))
	assert.Equal(t, "job-1", plan["job_id"])
	assert.Len(t, plan["entity_ids"], 2)
}

func TestPrintInvokeResult_NoWaitReportsStartedOnly(t *testing.T) {
	buf := withCapturedStdout(t, false)

	result := &scatter.Result{Status: "started", JobID: "job-1", JobCollection: "job-1"}
	require.NoError(t, printInvokeResult(result, nil))

	out := buf.String()
	assert.Contains(t, out, "started job job-1")
}

func TestPrintInvokeResult_WithWaitReportsCompletionAndNodeCount(t *testing.T) {
	buf := withCapturedStdout(t, false)

	result := &scatter.Result{Status: "started", JobID: "job-1", JobCollection: "job-1"}
	wait := &observer.WaitResult{
		Complete: true,
		Tree: &observer.LogTree{
			RootLogID: "log-1",
			Nodes: map[string]*entity.Log{
				"log-1": {ID: "log-1", Status: entity.LogDone},
				"log-2": {ID: "log-2", Status: entity.LogDone},
			},
		},
	}
	require.NoError(t, printInvokeResult(result, wait))

	out := buf.String()
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "2 nodes observed")
}

func TestPrintInvokeResult_JSONReflectsTimeout(t *testing.T) {
	buf := withCapturedStdout(t, true)

	result := &scatter.Result{Status: "started", JobID: "job-1", JobCollection: "job-1"}
	wait := &observer.WaitResult{Complete: false, TimedOut: true, Tree: &observer.LogTree{Nodes: map[string]*entity.Log{}}}
	require.NoError(t, printInvokeResult(result, wait))

	var report invokeReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &report))
	assert.False(t, report.Complete)
	assert.True(t, report.TimedOut)
	assert.Equal(t, 0, report.NodeCount)
}
