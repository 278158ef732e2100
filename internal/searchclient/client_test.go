// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package searchclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state    ConnectionState
		expected string
	}{
		{StateConnected, "connected"},
		{StateDegraded, "degraded"},
		{StateCircuitOpen, "circuit_open"},
		{StateHalfOpen, "half_open"},
		{ConnectionState(99), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestClientConfig_Validate(t *testing.T) {
	t.Run("rejects empty url", func(t *testing.T) {
		cfg := ClientConfig{}
		cfg.applyDefaults()
		cfg.URL = ""
		assert.Error(t, cfg.validate())
	})

	t.Run("rejects negative retry attempts", func(t *testing.T) {
		cfg := ClientConfig{URL: "http://localhost:8080", RetryAttempts: -1}
		cfg.applyDefaults()
		cfg.RetryAttempts = -1
		assert.Error(t, cfg.validate())
	})

	t.Run("rejects jitter outside 0-1", func(t *testing.T) {
		cfg := ClientConfig{URL: "http://localhost:8080"}
		cfg.applyDefaults()
		cfg.RetryJitter = 1.5
		assert.Error(t, cfg.validate())
	})

	t.Run("accepts defaulted config", func(t *testing.T) {
		cfg := ClientConfig{URL: "http://localhost:8080"}
		cfg.applyDefaults()
		assert.NoError(t, cfg.validate())
	})
}

func TestClientConfig_ApplyDefaults(t *testing.T) {
	cfg := ClientConfig{URL: "http://localhost:8080"}
	cfg.applyDefaults()

	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, 5*time.Second, cfg.MaxRetryBackoff)
	assert.Equal(t, 5, cfg.CircuitThreshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitWindow)
	assert.Equal(t, 30*time.Second, cfg.CircuitCooldown)
	assert.NotNil(t, cfg.Logger)
}

// newTestClient builds a ResilientClient without dialing Weaviate, so
// execute/transitionState/circuit-breaker behavior can be exercised
// without a running vector index.
func newTestClient(t *testing.T, cfg ClientConfig) *ResilientClient {
	t.Helper()
	cfg.applyDefaults()
	require.NoError(t, cfg.validate())
	return &ResilientClient{
		config:   cfg,
		logger:   cfg.Logger,
		failures: make([]time.Time, cfg.CircuitThreshold),
	}
}

func TestResilientClient_RegisterHandler_NotifiesIfAlreadyDegraded(t *testing.T) {
	c := newTestClient(t, ClientConfig{URL: "http://localhost:8080"})
	c.state.Store(int32(StateDegraded))

	handler := NewBaseDegradationHandler("test", nil)
	c.RegisterHandler(handler)

	assert.Equal(t, ModeDegraded, handler.GetMode())
}

func TestResilientClient_RegisterHandler_SkipsNotifyWhenConnected(t *testing.T) {
	c := newTestClient(t, ClientConfig{URL: "http://localhost:8080"})
	c.state.Store(int32(StateConnected))

	handler := NewBaseDegradationHandler("test", nil)
	c.RegisterHandler(handler)

	assert.Equal(t, ModeNormal, handler.GetMode())
}

func TestResilientClient_TransitionState_NotifiesOnDegradeAndRecover(t *testing.T) {
	c := newTestClient(t, ClientConfig{URL: "http://localhost:8080"})
	c.state.Store(int32(StateConnected))

	handler := NewBaseDegradationHandler("test", nil)
	c.handlers = append(c.handlers, handler)

	c.transitionState(StateDegraded)
	assert.True(t, handler.IsDegraded())

	c.transitionState(StateConnected)
	assert.True(t, handler.IsNormal())
}

func TestResilientClient_TransitionState_NoopOnSameState(t *testing.T) {
	c := newTestClient(t, ClientConfig{URL: "http://localhost:8080"})
	c.state.Store(int32(StateConnected))

	handler := NewBaseDegradationHandler("test", nil)
	c.handlers = append(c.handlers, handler)

	c.transitionState(StateConnected)
	assert.True(t, handler.IsNormal(), "no transition should mean no notification either way")
}

func TestResilientClient_RecordFailure_OpensCircuitAtThreshold(t *testing.T) {
	c := newTestClient(t, ClientConfig{URL: "http://localhost:8080", CircuitThreshold: 3})
	c.state.Store(int32(StateConnected))

	c.recordFailure()
	assert.Equal(t, StateDegraded, c.GetState())

	c.recordFailure()
	c.recordFailure()
	assert.Equal(t, StateCircuitOpen, c.GetState())
}

func TestResilientClient_RecordSuccess_ClosesHalfOpenProbe(t *testing.T) {
	c := newTestClient(t, ClientConfig{URL: "http://localhost:8080"})
	c.state.Store(int32(StateHalfOpen))

	c.recordSuccess()
	assert.Equal(t, StateConnected, c.GetState())
}

func TestResilientClient_ShouldTryHalfOpen(t *testing.T) {
	c := newTestClient(t, ClientConfig{URL: "http://localhost:8080", CircuitCooldown: 10 * time.Millisecond})
	c.circuitOpenTime.Store(time.Now().Add(-20 * time.Millisecond).Unix())
	assert.True(t, c.shouldTryHalfOpen())

	c = newTestClient(t, ClientConfig{URL: "http://localhost:8080", CircuitCooldown: time.Hour})
	c.circuitOpenTime.Store(time.Now().Unix())
	assert.False(t, c.shouldTryHalfOpen())
}

func TestResilientClient_CalculateBackoff_RespectsMax(t *testing.T) {
	c := newTestClient(t, ClientConfig{
		URL:             "http://localhost:8080",
		RetryBackoff:    10 * time.Millisecond,
		MaxRetryBackoff: 50 * time.Millisecond,
		RetryJitter:     0,
	})

	for attempt := 1; attempt <= 10; attempt++ {
		backoff := c.calculateBackoff(attempt)
		assert.LessOrEqual(t, backoff, 50*time.Millisecond)
		assert.GreaterOrEqual(t, backoff, time.Duration(0))
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(nil))
	assert.False(t, isRetryable(context.Canceled))
	assert.True(t, isRetryable(context.DeadlineExceeded))
	assert.True(t, isRetryable(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.False(t, isRetryable(errors.New("some other error")))
}

func TestWrapWeaviateError(t *testing.T) {
	assert.Nil(t, wrapWeaviateError(nil))
	assert.ErrorIs(t, wrapWeaviateError(context.DeadlineExceeded), ErrConnectionTimeout)

	wrapped := wrapWeaviateError(errors.New("boom"))
	assert.Contains(t, wrapped.Error(), "searchclient: weaviate error")
}

func TestResilientClient_Execute_ClosedReturnsErrClientClosed(t *testing.T) {
	c := newTestClient(t, ClientConfig{URL: "http://localhost:8080"})
	c.closed.Store(true)

	err := c.execute(context.Background(), "op", func() error { return nil })
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestResilientClient_Execute_CircuitOpenBlocksCalls(t *testing.T) {
	c := newTestClient(t, ClientConfig{URL: "http://localhost:8080", CircuitCooldown: time.Hour})
	c.state.Store(int32(StateCircuitOpen))
	c.circuitOpenTime.Store(time.Now().Unix())

	err := c.execute(context.Background(), "op", func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestResilientClient_Execute_SucceedsAndRecordsSuccess(t *testing.T) {
	c := newTestClient(t, ClientConfig{URL: "http://localhost:8080"})
	c.state.Store(int32(StateHalfOpen))

	var calls int
	err := c.execute(context.Background(), "op", func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateConnected, c.GetState())
}

func TestResilientClient_Execute_RetriesRetryableErrors(t *testing.T) {
	c := newTestClient(t, ClientConfig{
		URL:          "http://localhost:8080",
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
	})
	c.state.Store(int32(StateConnected))

	var calls int
	err := c.execute(context.Background(), "op", func() error {
		calls++
		return context.DeadlineExceeded
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls, "one initial attempt plus two retries")
}

func TestResilientClient_Execute_StopsRetryingNonRetryableErrors(t *testing.T) {
	c := newTestClient(t, ClientConfig{
		URL:          "http://localhost:8080",
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
	})
	c.state.Store(int32(StateConnected))

	var calls int
	nonRetryable := errors.New("bad request")
	err := c.execute(context.Background(), "op", func() error {
		calls++
		return nonRetryable
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "a non-retryable error should not be retried")
}

func TestNewResilientClient_StartsDegradedWhenAllowed(t *testing.T) {
	c, err := NewResilientClient(ClientConfig{
		URL:                "http://127.0.0.1:1",
		AllowStartDegraded: true,
		HealthCheckTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.IsDegraded())
	assert.False(t, c.IsAvailable())
}

func TestNewResilientClient_FailsClosedWithoutAllowStartDegraded(t *testing.T) {
	_, err := NewResilientClient(ClientConfig{
		URL:                "http://127.0.0.1:1",
		HealthCheckTimeout: 50 * time.Millisecond,
	})
	assert.Error(t, err)
}

func TestResilientClient_Close_IsIdempotent(t *testing.T) {
	c, err := NewResilientClient(ClientConfig{
		URL:                "http://127.0.0.1:1",
		AllowStartDegraded: true,
		HealthCheckTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err = c.execute(context.Background(), "op", func() error { return nil })
	assert.ErrorIs(t, err, ErrClientClosed)
}
