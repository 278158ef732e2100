// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logwriter implements the log-lifecycle operations every worker
// performs against its own klados log entity: CreateLog at invocation
// start, SetHandoffs/Complete/Fail at completion. Writes are additive
// updates against the entity store; callers that do not need to observe
// completion should not wait on them.
package logwriter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/klados-io/klados-cluster/internal/entity"
	"github.com/klados-io/klados-cluster/internal/entitystore"
	"github.com/klados-io/klados-cluster/internal/handoff"
)

// Store is the subset of entitystore.Client the log writer depends on,
// narrowed so tests can fake it without standing up an HTTP server.
type Store interface {
	CreateWithRelationships(ctx context.Context, e *entity.Entity) error
	AdditiveUpdate(ctx context.Context, items ...entitystore.AdditiveUpdateItem) error
}

// Writer issues the createLog/setHandoffs/complete operations.
type Writer struct {
	store  Store
	logger *slog.Logger
}

// New constructs a Writer.
func New(store Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: store, logger: logger.With(slog.String("component", "logwriter"))}
}

// CreateLog persists a new running log for kladosID, recording the
// parent log ids, scatter-branch total, and target entity it was
// invoked with, and linking sent_to from each parent.
func (w *Writer) CreateLog(ctx context.Context, kladosID string, received entity.LogReceived) (*entity.Log, error) {
	logEntity := &entity.Log{
		ID:       uuid.NewString(),
		KladosID: kladosID,
		Status:   entity.LogRunning,
		Entry: entity.LogEntry{
			StartedAt: time.Now().UTC(),
			Received:  &received,
		},
	}

	e := &entity.Entity{
		ID:         logEntity.ID,
		Type:       entity.TypeKladosLog,
		Properties: entity.ToMap(logEntity),
	}
	if err := w.store.CreateWithRelationships(ctx, e); err != nil {
		return nil, fmt.Errorf("logwriter: create log: %w", err)
	}

	for _, parentID := range received.ParentLogIDs {
		err := w.store.AdditiveUpdate(ctx, entitystore.AdditiveUpdateItem{
			EntityID: parentID,
			RelationshipsAdd: []entity.Relationship{
				{Predicate: entity.PredicateSentTo, Peer: logEntity.ID, PeerType: string(entity.TypeKladosLog)},
			},
		})
		if err != nil {
			w.logger.Warn("failed to record sent_to on parent log",
				slog.String("parent_log_id", parentID),
				slog.String("log_id", logEntity.ID),
				slog.String("error", err.Error()))
		}
	}

	return logEntity, nil
}

// SetHandoffs records the handoff(s) a worker produced on completion,
// without sealing the log's status. Each call replaces the log's
// handoff list; the scatter coordinator calls it once, with a single
// Scatter handoff naming every branch, ahead of Complete.
func (w *Writer) SetHandoffs(ctx context.Context, logID string, handoffs ...handoff.Handoff) error {
	raw, err := handoff.List(handoffs).MarshalJSON()
	if err != nil {
		return fmt.Errorf("logwriter: marshal handoffs: %w", err)
	}
	var wire []any
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("logwriter: decode handoffs for transport: %w", err)
	}

	err = w.store.AdditiveUpdate(ctx, entitystore.AdditiveUpdateItem{
		EntityID:   logID,
		Properties: map[string]any{"log_data_entry.handoffs": wire},
	})
	if err != nil {
		return fmt.Errorf("logwriter: set handoffs: %w", err)
	}
	return nil
}

// Complete seals a log as done, with whatever messages the worker wants
// recorded. It does not guard against repeat calls: calling it twice on
// the same log is a bug in the caller, since the entity store is the
// sole source of truth on the log's terminal state.
func (w *Writer) Complete(ctx context.Context, logID string, messages ...entity.LogMessage) error {
	now := time.Now().UTC()
	props := map[string]any{
		"status":                      string(entity.LogDone),
		"log_data_entry.completed_at": now,
	}
	if len(messages) > 0 {
		props["log_data_entry.messages"] = messages
	}
	if err := w.store.AdditiveUpdate(ctx, entitystore.AdditiveUpdateItem{EntityID: logID, Properties: props}); err != nil {
		return fmt.Errorf("logwriter: complete log: %w", err)
	}
	return nil
}

// Fail seals a log as error, recording the cause. A worker that cannot
// proceed due to a missing dependency or unrecoverable error seals its
// log this way and emits no handoffs, which in turn stops the log tree
// from expecting a child that will never arrive.
func (w *Writer) Fail(ctx context.Context, logID string, cause error) error {
	now := time.Now().UTC()
	props := map[string]any{
		"status":                      string(entity.LogError),
		"log_data_entry.completed_at": now,
		"log_data_entry.error":        cause.Error(),
	}
	if err := w.store.AdditiveUpdate(ctx, entitystore.AdditiveUpdateItem{EntityID: logID, Properties: props}); err != nil {
		return fmt.Errorf("logwriter: fail log: %w", err)
	}
	return nil
}

