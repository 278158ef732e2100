// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observer implements the workflow-tree completion oracle: given
// a job's root log, walk the sent_to tree and decide whether every
// branch has reached a terminal state and produced exactly the number
// of children its handoffs promised.
package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klados-io/klados-cluster/internal/entity"
)

// ErrUnknownExpectedChildren names the case of a node that is a delegated
// scatter whose ultimate branch count cannot be determined without
// resolving the delegate. Evaluate does not return it: LogTree.Complete
// reports such a tree incomplete instead.
var ErrUnknownExpectedChildren = errors.New("observer: expected child count is unknown (delegated scatter)")

// Store is the subset of entitystore.Client the observer needs.
type Store interface {
	Get(ctx context.Context, id string) (*entity.Entity, error)
	BatchGet(ctx context.Context, ids []string) ([]*entity.Entity, error)
}

// LogTree is the materialized result of one DFS pass over a job's log
// tree, used both to decide completion and to report it to a caller.
type LogTree struct {
	RootLogID string
	Nodes     map[string]*entity.Log
	// Unresolved holds log ids that were referenced (e.g. via sent_to)
	// but could not be fetched, which marks the tree incomplete without
	// asserting an error.
	Unresolved []string
}

// Complete reports whether every node in the tree is terminal and has
// produced exactly as many children as its own handoffs promised.
func (t *LogTree) Complete() bool {
	if len(t.Unresolved) > 0 {
		return false
	}
	for _, log := range t.Nodes {
		if !log.Status.Terminal() {
			return false
		}
		if log.Status == entity.LogError {
			continue
		}
		expected, unknown := log.ExpectedChildren()
		if unknown {
			return false
		}
		if len(log.SentTo) != expected {
			return false
		}
	}
	return true
}

// Observer evaluates and polls log trees.
type Observer struct {
	store  Store
	logger *slog.Logger
}

// New constructs an Observer.
func New(store Store, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{store: store, logger: logger.With(slog.String("component", "observer"))}
}

// ResolveRoot looks up jobCollectionID's first_log relationship and
// returns the root log id it points to. This is the entry point a
// caller holding only the documented {job_id, job_collection}
// invocation response must use before it can call Evaluate or Wait,
// since neither the job id nor the collection id is itself a log id.
func (o *Observer) ResolveRoot(ctx context.Context, jobCollectionID string) (string, error) {
	e, err := o.store.Get(ctx, jobCollectionID)
	if err != nil {
		return "", fmt.Errorf("observer: get job collection %s: %w", jobCollectionID, err)
	}
	if e.Type != entity.TypeScatterJob {
		return "", fmt.Errorf("observer: entity %s is not a scatter_job (got %s)", jobCollectionID, e.Type)
	}
	roots := relationshipPeers(e, entity.PredicateFirstLog)
	if len(roots) == 0 {
		return "", fmt.Errorf("observer: job collection %s has no first_log relationship", jobCollectionID)
	}
	return roots[0], nil
}

// Evaluate fetches and walks the log tree rooted at rootLogID once,
// without blocking for completion.
func (o *Observer) Evaluate(ctx context.Context, rootLogID string) (*LogTree, error) {
	tree := &LogTree{RootLogID: rootLogID, Nodes: make(map[string]*entity.Log)}
	if err := o.walk(ctx, rootLogID, tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (o *Observer) walk(ctx context.Context, logID string, tree *LogTree) error {
	if _, seen := tree.Nodes[logID]; seen {
		return nil
	}

	e, err := o.store.Get(ctx, logID)
	if err != nil {
		o.logger.Warn("log unresolved during tree walk",
			slog.String("log_id", logID), slog.String("error", err.Error()))
		tree.Unresolved = append(tree.Unresolved, logID)
		return nil
	}

	log, err := decodeLog(e)
	if err != nil {
		return fmt.Errorf("observer: decode log %s: %w", logID, err)
	}
	tree.Nodes[logID] = log

	for _, childID := range log.SentTo {
		if err := o.walk(ctx, childID, tree); err != nil {
			return err
		}
	}
	return nil
}

// WaitResult is returned by Wait.
type WaitResult struct {
	Complete bool
	Tree     *LogTree
	TimedOut bool
}

// Wait polls Evaluate at pollInterval until the tree is complete or
// timeout elapses.
func (o *Observer) Wait(ctx context.Context, rootLogID string, pollInterval, timeout time.Duration) (*WaitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		tree, err := o.Evaluate(ctx, rootLogID)
		if err != nil {
			return nil, err
		}
		if tree.Complete() {
			return &WaitResult{Complete: true, Tree: tree}, nil
		}

		select {
		case <-ctx.Done():
			return &WaitResult{Complete: false, Tree: tree, TimedOut: true}, nil
		case <-ticker.C:
		}
	}
}

// decodeLog reconstructs an entity.Log from the properties map an Entity
// of type klados_log carries. The store round-trips properties as plain
// JSON-compatible maps, so this mirrors entity.ToMap in reverse.
func decodeLog(e *entity.Entity) (*entity.Log, error) {
	if e.Type != entity.TypeKladosLog {
		return nil, fmt.Errorf("observer: entity %s is not a klados_log (got %s)", e.ID, e.Type)
	}
	log := entity.FromProperties[entity.Log](e.Properties)
	log.ID = e.ID
	log.SentTo = relationshipPeers(e, entity.PredicateSentTo)
	return &log, nil
}

func relationshipPeers(e *entity.Entity, predicate string) []string {
	rels := e.RelationshipsOf(predicate)
	out := make([]string, 0, len(rels))
	for _, r := range rels {
		out = append(out, r.Peer)
	}
	return out
}
