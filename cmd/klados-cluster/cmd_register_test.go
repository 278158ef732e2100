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

	"github.com/klados-io/klados-cluster/internal/statefile"
)

func TestPlanRegistration_NoPriorStateCreatesFreshCollection(t *testing.T) {
	plan := planRegistration(statefile.State{}, false, "kg-pipeline", "test", "rhiza-1")

	assert.Equal(t, "create", plan.Action)
	assert.Equal(t, "kg-pipeline", plan.Label)
	assert.Equal(t, "test", plan.Network)
	assert.Equal(t, "rhiza-1", plan.RhizaID)
	assert.Equal(t, 1, plan.Version)
	assert.NotEmpty(t, plan.CollectionID)
}

func TestPlanRegistration_PriorStateUpdatesInPlace(t *testing.T) {
	existing := statefile.State{RhizaID: "rhiza-old", CollectionID: "col-1", Version: 3}

	plan := planRegistration(existing, true, "kg-pipeline", "main", "rhiza-new")

	assert.Equal(t, "update", plan.Action)
	assert.Equal(t, "col-1", plan.CollectionID)
	assert.Equal(t, 4, plan.Version)
	assert.Equal(t, "rhiza-new", plan.RhizaID)
}

func TestPlanRegistration_RepeatedCreatesMintDistinctCollectionIDs(t *testing.T) {
	first := planRegistration(statefile.State{}, false, "kg-pipeline", "test", "rhiza-1")
	second := planRegistration(statefile.State{}, false, "kg-pipeline", "test", "rhiza-1")

	assert.NotEqual(t, first.CollectionID, second.CollectionID)
}

func TestPrintRegistrationPlan_JSONEncodesPlan(t *testing.T) {
	var buf bytes.Buffer
	prevStdout, prevJSON := stdout, flagJSONOutput
	stdout = &buf
	flagJSONOutput = true
	defer func() { stdout, flagJSONOutput = prevStdout, prevJSON }()

	plan := registrationPlan{Action: "create", Label: "kg-pipeline", Network: "test",
		RhizaID: "rhiza-1", CollectionID: "col-1", Version: 1}
	require.NoError(t, printRegistrationPlan(plan))

	var got registrationPlan
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, plan, got)
}

func TestPrintRegistrationPlan_TextMentionsActionAndVersion(t *testing.T) {
	var buf bytes.Buffer
	prevStdout, prevJSON := stdout, flagJSONOutput
	stdout = &buf
	flagJSONOutput = false
	defer func() { stdout, flagJSONOutput = prevStdout, prevJSON }()

	plan := registrationPlan{Action: "update", Label: "kg-pipeline", Network: "main",
		RhizaID: "rhiza-1", CollectionID: "col-1", Version: 2}
	require.NoError(t, printRegistrationPlan(plan))

	out := buf.String()
	assert.Contains(t, out, "update")
	assert.Contains(t, out, "kg-pipeline")
	assert.Contains(t, out, "version=2")
}
