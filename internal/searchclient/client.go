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
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrWeaviateUnavailable is returned when the vector index cannot be reached.
	ErrWeaviateUnavailable = errors.New("searchclient: weaviate is not available")

	// ErrCircuitOpen is returned while the breaker is blocking peer-search calls.
	ErrCircuitOpen = errors.New("searchclient: circuit breaker open, peer search blocked")

	// ErrConnectionTimeout is returned when a round trip to the index times out.
	ErrConnectionTimeout = errors.New("searchclient: weaviate connection timeout")

	// ErrClientClosed is returned once Close has run.
	ErrClientClosed = errors.New("searchclient: client is closed")
)

// ConnectionState is the breaker's view of the vector index's reachability.
type ConnectionState int32

const (
	StateConnected   ConnectionState = iota // normal operation
	StateDegraded                           // index unreachable, calls fail fast to the fallback path
	StateCircuitOpen                        // breaker tripped, calls blocked until cooldown elapses
	StateHalfOpen                           // cooldown elapsed, one probe request allowed through
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ClientConfig configures the resilient semantic-search client. Every
// tunable but URL falls back to a value suited to the cluster worker's
// own recheck/follower-wait cadence (internal/cluster.Config), not a
// generic production default.
type ClientConfig struct {
	// URL is the Weaviate server address, e.g. "http://localhost:8080".
	URL string

	RetryAttempts   int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	RetryJitter     float64 // fraction of backoff randomized either way, 0-1

	CircuitThreshold int           // failures within CircuitWindow that trip the breaker
	CircuitWindow    time.Duration
	CircuitCooldown  time.Duration // time the breaker stays open before probing again

	HealthCheckInterval   time.Duration // poll cadence while connected
	DegradedCheckInterval time.Duration // poll cadence while degraded, tighter than the above
	HealthCheckTimeout    time.Duration

	// AllowStartDegraded lets the client come up even if the index isn't
	// reachable yet, so a cluster worker boot doesn't block on Weaviate.
	AllowStartDegraded bool

	Logger *slog.Logger
}

func (c *ClientConfig) validate() error {
	if c.URL == "" {
		return errors.New("searchclient: url must not be empty")
	}
	if c.RetryAttempts < 0 {
		return errors.New("searchclient: retry attempts must be non-negative")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return errors.New("searchclient: retry jitter must be between 0 and 1")
	}
	if c.CircuitThreshold < 1 {
		return errors.New("searchclient: circuit threshold must be at least 1")
	}
	if c.CircuitWindow <= 0 {
		return errors.New("searchclient: circuit window must be positive")
	}
	if c.HealthCheckTimeout <= 0 {
		return errors.New("searchclient: health check timeout must be positive")
	}
	return nil
}

func (c *ClientConfig) applyDefaults() {
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = 5 * time.Second
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = 0.25
	}
	if c.CircuitThreshold == 0 {
		c.CircuitThreshold = 5
	}
	if c.CircuitWindow == 0 {
		c.CircuitWindow = 30 * time.Second
	}
	if c.CircuitCooldown == 0 {
		c.CircuitCooldown = 30 * time.Second
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.DegradedCheckInterval == 0 {
		c.DegradedCheckInterval = 5 * time.Second
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ResilientClient wraps the Weaviate client the cluster worker's
// Searcher needs with a circuit breaker, retry-with-backoff, and a
// background health check loop. Transient failures are retried; once
// the retry budget is spent or the circuit is open, the call returns an
// error, and the cluster worker fails its log on that error.
type ResilientClient struct {
	client *weaviate.Client
	config ClientConfig
	logger *slog.Logger

	state           atomic.Int32
	circuitOpenTime atomic.Int64
	closed          atomic.Bool

	failures   []time.Time
	failureIdx int
	failureMu  sync.Mutex

	halfOpenTest atomic.Bool

	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup

	handlers   []DegradationHandler
	handlersMu sync.RWMutex
}

// NewResilientClient dials the vector index and starts its background
// health checker. With AllowStartDegraded unset, a down index at
// startup is a hard error; set it when the caller would rather come up
// degraded than block on Weaviate being ready.
func NewResilientClient(config ClientConfig) (*ResilientClient, error) {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("searchclient: invalid config: %w", err)
	}

	wcfg := weaviate.Config{Host: config.URL, Scheme: "http"}
	switch {
	case len(config.URL) > 8 && config.URL[:8] == "https://":
		wcfg.Scheme, wcfg.Host = "https", config.URL[8:]
	case len(config.URL) > 7 && config.URL[:7] == "http://":
		wcfg.Host = config.URL[7:]
	}

	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("searchclient: create weaviate client: %w", err)
	}

	healthCtx, healthCancel := context.WithCancel(context.Background())
	rc := &ResilientClient{
		client:       client,
		config:       config,
		logger:       config.Logger.With(slog.String("component", "searchclient")),
		failures:     make([]time.Time, config.CircuitThreshold),
		healthCtx:    healthCtx,
		healthCancel: healthCancel,
	}
	rc.state.Store(int32(StateDegraded))

	if err := rc.checkHealth(context.Background()); err != nil {
		if !config.AllowStartDegraded {
			healthCancel()
			return nil, fmt.Errorf("searchclient: weaviate not available: %w", err)
		}
		rc.logger.Warn("weaviate unavailable at startup, cluster workers will use lexicographic fallback",
			slog.String("url", config.URL), slog.String("error", err.Error()))
		rc.healthWg.Add(1)
		go rc.runHealthChecker()
		return rc, nil
	}

	rc.transitionState(StateConnected)
	rc.healthWg.Add(1)
	go rc.runHealthChecker()
	return rc, nil
}

// Client exposes the underlying Weaviate client for schema management.
func (c *ResilientClient) Client() *weaviate.Client { return c.client }

func (c *ResilientClient) IsAvailable() bool {
	state := ConnectionState(c.state.Load())
	return state == StateConnected || state == StateHalfOpen
}

func (c *ResilientClient) IsDegraded() bool {
	state := ConnectionState(c.state.Load())
	return state == StateDegraded || state == StateCircuitOpen
}

func (c *ResilientClient) GetState() ConnectionState {
	return ConnectionState(c.state.Load())
}

// RegisterHandler attaches a degradation handler and immediately
// notifies it if the index is already degraded, so a handler wired
// after startup doesn't miss an already-active degradation.
func (c *ResilientClient) RegisterHandler(handler DegradationHandler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, handler)
	c.handlersMu.Unlock()

	if c.IsDegraded() {
		handler.OnDegraded("semantic search unavailable at registration time")
	}
}

// execute runs fn under the breaker and retry policy, tracing the span
// under op so Search, ListLayerIDs, and EnsureSchema show up as
// distinct operations rather than one generic "weaviate call" span.
func (c *ResilientClient) execute(ctx context.Context, op string, fn func() error) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	ctx, span := otel.Tracer("searchclient").Start(ctx, "searchclient."+op,
		trace.WithAttributes(attribute.String("state", c.GetState().String())))
	defer span.End()

	switch c.GetState() {
	case StateCircuitOpen:
		if c.shouldTryHalfOpen() {
			c.transitionState(StateHalfOpen)
		} else {
			span.SetStatus(codes.Error, "circuit open")
			return ErrCircuitOpen
		}
	case StateHalfOpen:
		if !c.halfOpenTest.CompareAndSwap(false, true) {
			span.SetStatus(codes.Error, "circuit open (half-open probe in flight)")
			return ErrCircuitOpen
		}
		defer c.halfOpenTest.Store(false)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt)
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.Int64("backoff_ms", backoff.Milliseconds()),
			))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			c.recordSuccess()
			span.SetStatus(codes.Ok, "success")
			return nil
		}
		if !isRetryable(lastErr) {
			break
		}
	}

	c.recordFailure()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all retries failed")
	return wrapWeaviateError(lastErr)
}

// Close stops the health checker and blocks until it exits.
func (c *ResilientClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Info("closing searchclient")
	c.healthCancel()
	c.healthWg.Wait()
	return nil
}

func (c *ResilientClient) transitionState(newState ConnectionState) {
	oldState := ConnectionState(c.state.Swap(int32(newState)))
	if oldState == newState {
		return
	}
	c.logger.Info("searchclient state transition",
		slog.String("from", oldState.String()), slog.String("to", newState.String()))

	c.handlersMu.RLock()
	handlers := c.handlers
	c.handlersMu.RUnlock()

	wasDegraded := oldState == StateDegraded || oldState == StateCircuitOpen
	isDegraded := newState == StateDegraded || newState == StateCircuitOpen

	switch {
	case !wasDegraded && isDegraded:
		for _, h := range handlers {
			h.OnDegraded(fmt.Sprintf("semantic search degraded: state changed to %s, cluster workers will fall back to lexicographic ordering", newState))
		}
	case wasDegraded && !isDegraded:
		for _, h := range handlers {
			h.OnRecovered()
		}
	}
}

func (c *ResilientClient) checkHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.HealthCheckTimeout)
	defer cancel()

	_, span := otel.Tracer("searchclient").Start(ctx, "searchclient.health_check")
	defer span.End()

	ready, err := c.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "health check failed")
		return fmt.Errorf("searchclient: health check failed: %w", err)
	}
	if !ready {
		span.SetStatus(codes.Error, "not ready")
		return ErrWeaviateUnavailable
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

func (c *ResilientClient) runHealthChecker() {
	defer c.healthWg.Done()
	for {
		interval := c.config.HealthCheckInterval
		if c.IsDegraded() {
			interval = c.config.DegradedCheckInterval
		}
		select {
		case <-c.healthCtx.Done():
			return
		case <-time.After(interval):
			c.performHealthCheck()
		}
	}
}

func (c *ResilientClient) performHealthCheck() {
	err := c.checkHealth(c.healthCtx)
	state := c.GetState()

	if err == nil {
		switch state {
		case StateDegraded, StateHalfOpen:
			c.transitionState(StateConnected)
			c.resetFailures()
		case StateCircuitOpen:
			if c.shouldTryHalfOpen() {
				c.transitionState(StateHalfOpen)
			}
		}
		return
	}
	if state == StateConnected {
		c.transitionState(StateDegraded)
	}
}

func (c *ResilientClient) recordSuccess() {
	if c.GetState() == StateHalfOpen {
		c.transitionState(StateConnected)
		c.resetFailures()
	}
}

func (c *ResilientClient) recordFailure() {
	c.failureMu.Lock()
	defer c.failureMu.Unlock()

	now := time.Now()
	c.failures[c.failureIdx] = now
	c.failureIdx = (c.failureIdx + 1) % len(c.failures)

	windowStart := now.Add(-c.config.CircuitWindow)
	count := 0
	for _, t := range c.failures {
		if !t.IsZero() && t.After(windowStart) {
			count++
		}
	}

	if count >= c.config.CircuitThreshold {
		if c.GetState() != StateCircuitOpen {
			c.circuitOpenTime.Store(now.Unix())
			c.transitionState(StateCircuitOpen)
			c.logger.Warn("searchclient circuit breaker opened",
				slog.Int("failures", count), slog.Duration("window", c.config.CircuitWindow))
		}
	} else if c.GetState() == StateConnected {
		c.transitionState(StateDegraded)
	}
}

func (c *ResilientClient) resetFailures() {
	c.failureMu.Lock()
	defer c.failureMu.Unlock()
	for i := range c.failures {
		c.failures[i] = time.Time{}
	}
	c.failureIdx = 0
}

func (c *ResilientClient) shouldTryHalfOpen() bool {
	return time.Since(time.Unix(c.circuitOpenTime.Load(), 0)) >= c.config.CircuitCooldown
}

func (c *ResilientClient) calculateBackoff(attempt int) time.Duration {
	backoff := c.config.RetryBackoff * time.Duration(1<<attempt)
	if backoff > c.config.MaxRetryBackoff {
		backoff = c.config.MaxRetryBackoff
	}
	jitterRange := float64(backoff) * c.config.RetryJitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	backoff = time.Duration(float64(backoff) + jitter)
	if backoff < 0 {
		backoff = c.config.RetryBackoff
	}
	if backoff > c.config.MaxRetryBackoff {
		backoff = c.config.MaxRetryBackoff
	}
	return backoff
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || netErr.Temporary()
	}
	return false
}

func wrapWeaviateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
	}
	return fmt.Errorf("searchclient: weaviate error: %w", err)
}
