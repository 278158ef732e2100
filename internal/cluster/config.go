// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cluster

import "time"

// Config tunes the timing and fan-out of the cluster worker state
// machine. Zero-value fields are replaced with defaults by New.
type Config struct {
	// SearchLimit (K) bounds the candidate-peer search a worker runs
	// while in SEARCHING.
	SearchLimit int

	// RecheckDelay is how long a worker in RECHECK_PENDING waits before
	// repeating the candidate search.
	RecheckDelay time.Duration

	// FollowerWaitMin and FollowerWaitMax bound the jittered interval a
	// freshly-created leader waits in LEADING_WAITING for followers.
	FollowerWaitMin time.Duration
	FollowerWaitMax time.Duration
}

// DefaultConfig returns the timing defaults.
func DefaultConfig() Config {
	return Config{
		SearchLimit:     5,
		RecheckDelay:    10 * time.Second,
		FollowerWaitMin: 30 * time.Second,
		FollowerWaitMax: 90 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SearchLimit <= 0 {
		c.SearchLimit = d.SearchLimit
	}
	if c.RecheckDelay <= 0 {
		c.RecheckDelay = d.RecheckDelay
	}
	if c.FollowerWaitMin <= 0 {
		c.FollowerWaitMin = d.FollowerWaitMin
	}
	if c.FollowerWaitMax <= 0 || c.FollowerWaitMax < c.FollowerWaitMin {
		c.FollowerWaitMax = d.FollowerWaitMax
	}
	return c
}
