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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klados-io/klados-cluster/internal/entity"
)

func TestRunValidate_RequiresRootLogIDOrJobCollection(t *testing.T) {
	prevRoot, prevCollection := flagValidateRootLogID, flagValidateJobCollection
	flagValidateRootLogID, flagValidateJobCollection = "", ""
	t.Cleanup(func() { flagValidateRootLogID, flagValidateJobCollection = prevRoot, prevCollection })

	err := runValidate(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--root-log-id")
	assert.Contains(t, err.Error(), "--job-collection")
}

func TestErrorDetail_ReturnsEntryError(t *testing.T) {
	log := &entity.Log{
		Status: entity.LogError,
		Entry:  entity.LogEntry{Error: "search backend unreachable"},
	}
	assert.Equal(t, "search backend unreachable", errorDetail(log))
}

func TestErrorDetail_EmptyWhenNoError(t *testing.T) {
	log := &entity.Log{Status: entity.LogDone}
	assert.Equal(t, "", errorDetail(log))
}

func TestPrintValidateReport_JSONListsProblems(t *testing.T) {
	buf := withCapturedStdout(t, true)

	report := validateReport{
		RootLogID: "log-1",
		NodeCount: 2,
		Complete:  false,
		Problems: []validateProblem{
			{LogID: "log-2", Status: "error", Detail: "boom"},
		},
	}
	require.NoError(t, printValidateReport(report))

	var got validateReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, report, got)
}

func TestPrintValidateReport_TextListsEachProblem(t *testing.T) {
	buf := withCapturedStdout(t, false)

	report := validateReport{
		RootLogID: "log-1",
		NodeCount: 3,
		Complete:  true,
		Problems: []validateProblem{
			{LogID: "log-2", Status: "error", Detail: "boom"},
			{LogID: "log-3", Detail: "unresolved: referenced but could not be fetched"},
		},
	}
	require.NoError(t, printValidateReport(report))

	out := buf.String()
	assert.Contains(t, out, "log-1")
	assert.Contains(t, out, "3 nodes")
	assert.Contains(t, out, "log-2")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "log-3")
}
