// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package entitystore is a thin, resilient adapter over the external
// entity-store service. It exposes read, create-with-relationships,
// additive-merge update, and batch-get, and retries transient transport
// failures with exponential backoff and a circuit breaker, mirroring the
// resilience shape of the Weaviate client this package is adapted from.
//
// # Thread Safety
//
// Client is safe for concurrent use from multiple goroutines; every
// cluster worker holds a reference to the same Client.
package entitystore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/klados-io/klados-cluster/internal/entity"
)

// Errors surfaced by Client.
var (
	// ErrEntityNotFound is returned when a read targets a missing entity.
	ErrEntityNotFound = errors.New("entitystore: entity not found")

	// ErrStoreUnavailable is returned once the retry budget is exhausted.
	ErrStoreUnavailable = errors.New("entitystore: store unavailable")

	// ErrCircuitOpen is returned while the circuit breaker is blocking
	// requests to let the store recover.
	ErrCircuitOpen = errors.New("entitystore: circuit breaker open")

	// errServerError marks a transient (5xx) transport failure as
	// retryable; it is always wrapped with the status code before
	// reaching the caller.
	errServerError = errors.New("entitystore: server error")
)

// Config configures Client.
type Config struct {
	// BaseURL is the ARKE_API_BASE root for the entity-store service.
	BaseURL string

	// APIKey is sent as a bearer token (ARKE_USER_KEY).
	APIKey string

	// RequestTimeout bounds a single HTTP round trip. Default 10s.
	RequestTimeout time.Duration

	// RetryAttempts is the number of retries after the first attempt.
	// Default 3.
	RetryAttempts int

	// RetryBackoff is the initial backoff between retries. Default 100ms.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps exponential backoff growth. Default 2s.
	MaxRetryBackoff time.Duration

	// RetryJitter adds +/- randomness to backoff (0.0-1.0). Default 0.25.
	RetryJitter float64

	// CircuitThreshold is the failure count within CircuitWindow that
	// opens the circuit. Default 5.
	CircuitThreshold int

	// CircuitWindow is the sliding window for counting failures.
	// Default 30s.
	CircuitWindow time.Duration

	// CircuitCooldown is how long the circuit stays open before
	// half-opening. Default 15s.
	CircuitCooldown time.Duration

	// RateLimit caps outbound requests per second. Zero disables limiting.
	RateLimit rate.Limit

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = 2 * time.Second
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
		c.CircuitCooldown = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// circuitState mirrors the (simplified) connection states of the adapted
// Weaviate client: closed (normal), open (blocking), half-open (single
// probe in flight).
type circuitState int32

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// Client is the resilient entity-store adapter.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	state           atomic.Int32
	circuitOpenedAt atomic.Int64
	halfOpenProbe   atomic.Bool

	failureMu  sync.Mutex
	failures   []time.Time
	failureIdx int
}

// New constructs a Client. BaseURL must be set.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("entitystore: BaseURL is required")
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(cfg.RateLimit, int(cfg.RateLimit)+1)
	}

	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		limiter:  limiter,
		logger:   cfg.Logger.With(slog.String("component", "entitystore_client")),
		failures: make([]time.Time, cfg.CircuitThreshold),
	}
	return c, nil
}

// Get reads one entity by id.
func (c *Client) Get(ctx context.Context, id string) (*entity.Entity, error) {
	var out entity.Entity
	err := c.execute(ctx, "entitystore.get", func() error {
		return c.doJSON(ctx, http.MethodGet, "/entities/"+id, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// BatchGet reads several entities in one round trip.
func (c *Client) BatchGet(ctx context.Context, ids []string) ([]*entity.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	req := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	var resp struct {
		Entities []*entity.Entity `json:"entities"`
	}
	err := c.execute(ctx, "entitystore.batch_get", func() error {
		return c.doJSON(ctx, http.MethodPost, "/entities/batch_get", req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return resp.Entities, nil
}

// CreateWithRelationships creates e (and its initial relationships) in one
// call.
func (c *Client) CreateWithRelationships(ctx context.Context, e *entity.Entity) error {
	return c.execute(ctx, "entitystore.create", func() error {
		return c.doJSON(ctx, http.MethodPost, "/entities", e, nil)
	})
}

// AdditiveUpdateItem is one entry of an additive update request.
type AdditiveUpdateItem struct {
	EntityID         string                `json:"entity_id"`
	Properties       map[string]any        `json:"properties,omitempty"`
	RelationshipsAdd []entity.Relationship `json:"relationships_add,omitempty"`
	RelationshipsDel []entity.Relationship `json:"relationships_del,omitempty"`
}

// AdditiveUpdate performs a deep-merge/union-upsert batch update. The
// server is contracted to linearise concurrent writers; this call is
// synchronous from the caller's perspective. logwriter issues its log
// updates through it and also waits for the acknowledgement; no caller
// in this module sends an update without waiting for it.
func (c *Client) AdditiveUpdate(ctx context.Context, items ...AdditiveUpdateItem) error {
	if len(items) == 0 {
		return nil
	}
	req := struct {
		Updates []AdditiveUpdateItem `json:"updates"`
	}{Updates: items}
	return c.execute(ctx, "entitystore.additive_update", func() error {
		return c.doJSON(ctx, http.MethodPost, "/entities/additive_update", req, nil)
	})
}

// -----------------------------------------------------------------------------
// Transport + resilience
// -----------------------------------------------------------------------------

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("entitystore: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("entitystore: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrEntityNotFound
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", errServerError, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("entitystore: request failed (%d): %s", resp.StatusCode, string(b))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("entitystore: decode response: %w", err)
	}
	return nil
}

// execute runs fn with retry, backoff+jitter, and circuit-breaker
// protection, tracing every attempt. This mirrors the Execute method of
// the adapted Weaviate resilient client.
func (c *Client) execute(ctx context.Context, spanName string, fn func() error) error {
	ctx, span := otel.Tracer("entitystore").Start(ctx, spanName)
	defer span.End()

	switch circuitState(c.state.Load()) {
	case circuitOpen:
		if c.shouldProbe() {
			c.state.Store(int32(circuitHalfOpen))
		} else {
			span.SetStatus(codes.Error, "circuit open")
			return ErrCircuitOpen
		}
	case circuitHalfOpen:
		if !c.halfOpenProbe.CompareAndSwap(false, true) {
			return ErrCircuitOpen
		}
		defer c.halfOpenProbe.Store(false)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			span.AddEvent("retry", oteltrace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("backoff", backoff.String()),
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
			span.SetStatus(codes.Ok, "")
			return nil
		}
		if errors.Is(lastErr, ErrEntityNotFound) || !isRetryable(lastErr) {
			break
		}
	}

	if errors.Is(lastErr, ErrEntityNotFound) {
		return lastErr
	}

	c.recordFailure()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "exhausted retries")
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBackoff * time.Duration(1<<uint(attempt))
	if d > c.cfg.MaxRetryBackoff {
		d = c.cfg.MaxRetryBackoff
	}
	jitterRange := float64(d) * c.cfg.RetryJitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	out := time.Duration(float64(d) + jitter)
	if out < 0 {
		out = c.cfg.RetryBackoff
	}
	return out
}

func (c *Client) recordSuccess() {
	if circuitState(c.state.Load()) == circuitHalfOpen {
		c.state.Store(int32(circuitClosed))
		c.resetFailures()
	}
}

func (c *Client) recordFailure() {
	c.failureMu.Lock()
	defer c.failureMu.Unlock()

	now := time.Now()
	c.failures[c.failureIdx] = now
	c.failureIdx = (c.failureIdx + 1) % len(c.failures)

	windowStart := now.Add(-c.cfg.CircuitWindow)
	count := 0
	for _, t := range c.failures {
		if !t.IsZero() && t.After(windowStart) {
			count++
		}
	}

	if count >= c.cfg.CircuitThreshold && circuitState(c.state.Load()) != circuitOpen {
		c.circuitOpenedAt.Store(now.UnixNano())
		c.state.Store(int32(circuitOpen))
		c.logger.Warn("entitystore circuit breaker opened", slog.Int("failures", count))
	}
}

func (c *Client) resetFailures() {
	c.failureMu.Lock()
	defer c.failureMu.Unlock()
	for i := range c.failures {
		c.failures[i] = time.Time{}
	}
	c.failureIdx = 0
}

func (c *Client) shouldProbe() bool {
	opened := time.Unix(0, c.circuitOpenedAt.Load())
	return time.Since(opened) >= c.cfg.CircuitCooldown
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, errServerError) {
		return true
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
		return netErr.Timeout()
	}
	return false
}
