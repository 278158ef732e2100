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
	"log/slog"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Degradation Mode
// -----------------------------------------------------------------------------

// DegradationMode represents the operational mode of a component.
type DegradationMode int32

const (
	// ModeNormal indicates full functionality.
	ModeNormal DegradationMode = iota
	// ModeDegraded indicates reduced functionality.
	ModeDegraded
	// ModeDisabled indicates the component is completely disabled.
	ModeDisabled
)

// String returns the string representation of DegradationMode.
func (m DegradationMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDegraded:
		return "degraded"
	case ModeDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Degradation Handler Interface
// -----------------------------------------------------------------------------

// DegradationHandler is notified of Weaviate availability changes.
//
// Description:
//
//	Components that depend on Weaviate should implement this interface
//	to handle degradation gracefully.
//
// Thread Safety: Implementations must be safe for concurrent use.
type DegradationHandler interface {
	// OnDegraded is called when Weaviate becomes unavailable.
	//
	// Inputs:
	//   - reason: Description of why degradation occurred.
	//
	// Implementations should:
	//   - Switch to fallback behavior
	//   - Log the degradation
	//   - Update metrics if applicable
	OnDegraded(reason string)

	// OnRecovered is called when Weaviate becomes available again.
	//
	// Implementations should:
	//   - Restore normal behavior
	//   - Log the recovery
	//   - Optionally replay queued operations
	OnRecovered()

	// GetMode returns the current degradation mode.
	GetMode() DegradationMode
}

// -----------------------------------------------------------------------------
// Base Degradation Handler
// -----------------------------------------------------------------------------

// BaseDegradationHandler provides a basic implementation of DegradationHandler.
//
// Description:
//
//	Tracks degradation state and provides logging. Embed this in
//	component-specific handlers.
//
// Thread Safety: Safe for concurrent use.
type BaseDegradationHandler struct {
	name   string
	mode   atomic.Int32
	logger *slog.Logger
}

// NewBaseDegradationHandler creates a new base handler.
//
// Inputs:
//
//	name - Component name for logging.
//	logger - Logger instance. Uses slog.Default() if nil.
//
// Outputs:
//
//	*BaseDegradationHandler - Ready-to-use handler.
func NewBaseDegradationHandler(name string, logger *slog.Logger) *BaseDegradationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseDegradationHandler{
		name:   name,
		logger: logger.With(slog.String("component", name)),
	}
}

// OnDegraded marks the handler as degraded.
func (h *BaseDegradationHandler) OnDegraded(reason string) {
	h.mode.Store(int32(ModeDegraded))
	h.logger.Warn("component degraded due to weaviate unavailability",
		slog.String("reason", reason))
}

// OnRecovered marks the handler as normal.
func (h *BaseDegradationHandler) OnRecovered() {
	h.mode.Store(int32(ModeNormal))
	h.logger.Info("component recovered, weaviate available")
}

// GetMode returns the current mode.
func (h *BaseDegradationHandler) GetMode() DegradationMode {
	return DegradationMode(h.mode.Load())
}

// IsNormal returns true if operating normally.
func (h *BaseDegradationHandler) IsNormal() bool {
	return h.GetMode() == ModeNormal
}

// IsDegraded returns true if operating with reduced functionality.
func (h *BaseDegradationHandler) IsDegraded() bool {
	return h.GetMode() == ModeDegraded
}

// IsDisabled returns true if the component is disabled.
func (h *BaseDegradationHandler) IsDisabled() bool {
	return h.GetMode() == ModeDisabled
}

// SetDisabled explicitly disables the handler.
func (h *BaseDegradationHandler) SetDisabled() {
	h.mode.Store(int32(ModeDisabled))
	h.logger.Warn("component explicitly disabled")
}

// -----------------------------------------------------------------------------
// Component-Specific Handlers
// -----------------------------------------------------------------------------

// SemanticFallbackDegradation handles degradation for the semantic-search
// fallback step of cluster convergence. When the vector
// index is unavailable, a cluster worker cannot compare its candidate
// leader's embedding against a rival's, so it must skip straight to the
// lexicographic fallback instead of erroring the whole invocation.
type SemanticFallbackDegradation struct {
	*BaseDegradationHandler
}

// NewSemanticFallbackDegradation creates a handler for the semantic
// fallback step.
func NewSemanticFallbackDegradation(logger *slog.Logger) *SemanticFallbackDegradation {
	return &SemanticFallbackDegradation{
		BaseDegradationHandler: NewBaseDegradationHandler("semantic_fallback", logger),
	}
}

// OnDegraded handles semantic fallback degradation.
func (h *SemanticFallbackDegradation) OnDegraded(reason string) {
	h.BaseDegradationHandler.OnDegraded(reason)
	h.logger.Warn("semantic fallback disabled, cluster workers will use lexicographic fallback only",
		slog.String("reason", reason))
}

// OnRecovered handles semantic fallback recovery.
func (h *SemanticFallbackDegradation) OnRecovered() {
	h.BaseDegradationHandler.OnRecovered()
	h.logger.Info("semantic fallback restored")
}

// ShouldSkipSemanticFallback returns true if a cluster worker should skip
// straight to the lexicographic fallback step.
func (h *SemanticFallbackDegradation) ShouldSkipSemanticFallback() bool {
	return h.GetMode() != ModeNormal
}

// -----------------------------------------------------------------------------

// CandidateSearchDegradation handles degradation for the initial
// candidate-peer search a cluster worker performs before deciding whether
// to join an existing leader or create one.
type CandidateSearchDegradation struct {
	*BaseDegradationHandler
}

// NewCandidateSearchDegradation creates a handler for candidate search.
func NewCandidateSearchDegradation(logger *slog.Logger) *CandidateSearchDegradation {
	return &CandidateSearchDegradation{
		BaseDegradationHandler: NewBaseDegradationHandler("candidate_search", logger),
	}
}

// OnDegraded handles candidate search degradation.
func (h *CandidateSearchDegradation) OnDegraded(reason string) {
	h.BaseDegradationHandler.OnDegraded(reason)
	h.logger.Warn("candidate search unavailable, workers will create new leaders rather than join",
		slog.String("reason", reason))
}

// OnRecovered handles candidate search recovery.
func (h *CandidateSearchDegradation) OnRecovered() {
	h.BaseDegradationHandler.OnRecovered()
	h.logger.Info("candidate search restored")
}

// ShouldSkipCandidateSearch returns true if the worker should assume no
// visible peers exist rather than attempt a search.
func (h *CandidateSearchDegradation) ShouldSkipCandidateSearch() bool {
	return h.GetMode() != ModeNormal
}
