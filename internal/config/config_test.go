// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	vars := map[string]string{
		"ARKE_USER_KEY":             "key-123",
		"ARKE_API_BASE":             "https://arke.example.com",
		"ARKE_NETWORK":              "test",
		"SCATTER_KLADOS":            "scatter-1",
		"KG_EXTRACTOR_KLADOS":       "extractor-1",
		"KG_DEDUPE_RESOLVER_KLADOS": "dedupe-1",
		"KG_CLUSTER_KLADOS":         "cluster-1",
		"DESCRIBE_KLADOS":           "describe-1",
		"SCATTER_KG_RHIZA":          "rhiza-1",
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoad_SucceedsWithDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "key-123", cfg.UserKey)
	assert.Equal(t, NetworkTest, cfg.Network)
	assert.Equal(t, "cluster-1", cfg.Kladoi.Cluster)
	assert.Equal(t, 5, cfg.SearchLimit)
	assert.Equal(t, 10*time.Second, cfg.RecheckDelay)
	assert.Equal(t, 30*time.Second, cfg.FollowerWaitMin)
	assert.Equal(t, 90*time.Second, cfg.FollowerWaitMax)
	assert.Equal(t, 3, cfg.DescribeMaxRetries)
	assert.Equal(t, 10, cfg.MaxRecursionDepth)
}

func TestLoad_TunablesOverrideFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KG_SEARCH_LIMIT", "8")
	t.Setenv("KG_RECHECK_DELAY_MS", "2500")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8, cfg.SearchLimit)
	assert.Equal(t, 2500*time.Millisecond, cfg.RecheckDelay)
}

func TestLoad_MissingRequiredVarFails(t *testing.T) {
	setRequiredEnv(t)
	os.Unsetenv("ARKE_USER_KEY")

	_, err := Load()

	require.Error(t, err)
	var missing *ErrMissingEnv
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "ARKE_USER_KEY", missing.Var)
}

func TestLoad_RejectsUnknownNetwork(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ARKE_NETWORK", "staging")

	_, err := Load()

	require.Error(t, err)
}

func TestLoadProfile_MissingFileYieldsEmptyProfile(t *testing.T) {
	p, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, &Profile{}, p)
}

func TestLoadProfile_AppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search_limit: 12\nfollower_wait_min_ms: 5000\n"), 0o644))

	p, err := LoadProfile(path)
	require.NoError(t, err)

	cfg := &Config{SearchLimit: 5, FollowerWaitMin: 30 * time.Second}
	ApplyProfile(cfg, p)

	assert.Equal(t, 12, cfg.SearchLimit)
	assert.Equal(t, 5*time.Second, cfg.FollowerWaitMin)
}
