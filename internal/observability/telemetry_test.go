// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_FillsSensibleDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "klados-cluster", cfg.ServiceName)
	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.OTLPInsecure)
}

func TestInit_RejectsUnknownTraceExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "carrier-pigeon"
	cfg.MetricExporter = "none"

	_, err := Init(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_RejectsUnknownMetricExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "carrier-pigeon"

	_, err := Init(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_StdoutExportersSucceedAndShutdownCleanly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "stdout"

	shutdown, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}
