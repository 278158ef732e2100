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

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/klados-io/klados-cluster/internal/entity"
	"github.com/klados-io/klados-cluster/internal/entitystore"
	"github.com/klados-io/klados-cluster/internal/observability"
)

// fallback runs the two-step convergence procedure for a leader whose
// follower window expired with membership still at one: semantic
// fallback first, lexicographic fallback second, dissolution last. This
// is the mechanism that resolves the race where two workers create
// separate leaders for the same neighbourhood.
func (w *Worker) fallback(ctx context.Context, e *entity.Entity, ownClusterID string, layer int) (*Result, error) {
	if joinedTo, err := w.semanticFallback(ctx, e, ownClusterID, layer); err != nil {
		return nil, err
	} else if joinedTo != "" {
		w.recordFallbackOutcome("joined_semantic")
		return &Result{State: StateJoined, ClusterID: joinedTo}, nil
	}

	layerIDs, err := w.search.ListLayerIDs(ctx, layer)
	if err != nil {
		return nil, fmt.Errorf("cluster: list layer for lexicographic fallback: %w", err)
	}

	joinedTo, encounteredSelfFirst, err := w.lexicographicFallback(ctx, e, ownClusterID, layerIDs)
	if err != nil {
		return nil, err
	}
	if joinedTo != "" {
		w.recordFallbackOutcome("joined_lexicographic")
		return &Result{State: StateJoined, ClusterID: joinedTo}, nil
	}
	if !encounteredSelfFirst {
		// Every predecessor was checked with none usable, and self's own
		// id never turned up in the layer scan — the index is lagging
		// behind self's own write. Treat conservatively as the surviving
		// leader rather than guessing at a position we can't verify.
		w.recordFallbackOutcome("survived_index_lag")
		return &Result{State: StateTerminated, ClusterID: ownClusterID}, nil
	}

	// Self was first in lexicographic order with no qualifying
	// predecessor: fall through to the dissolve check. A sole entity at
	// this layer dissolves; otherwise the leader survives as the
	// canonical cluster for this neighbourhood.
	if len(layerIDs) <= 1 {
		if err := w.dissolve(ctx, e, ownClusterID); err != nil {
			return nil, err
		}
		w.recordFallbackOutcome("dissolved")
		return &Result{State: StateDissolved}, nil
	}
	w.recordFallbackOutcome("survived_canonical")
	return &Result{State: StateTerminated, ClusterID: ownClusterID}, nil
}

func (w *Worker) recordFallbackOutcome(outcome string) {
	if w.metrics != nil {
		w.metrics.RecordFallbackOutcome(outcome)
	}
}

// semanticFallback re-runs the peer search uncapped and joins the first
// returned peer, in descending certainty order, that already belongs to
// a different cluster. Returns the empty string if nothing qualifies.
func (w *Worker) semanticFallback(ctx context.Context, e *entity.Entity, ownClusterID string, layer int) (joined string, err error) {
	ctx, finish := observability.StartSpan(ctx, observability.SpanFallbackSemantic)
	defer func() { finish(err) }()

	candidates, err := w.search.Search(ctx, searchQueryFor(e), layer, 0, e.ID)
	if err != nil {
		return "", fmt.Errorf("cluster: semantic fallback search: %w", err)
	}

	for _, c := range candidates {
		peer, err := w.store.Get(ctx, c.EntityID)
		if err != nil {
			w.logger.Warn("semantic fallback candidate unresolved",
				slog.String("entity_id", c.EntityID), slog.String("error", err.Error()))
			continue
		}
		clusterID, ok := peer.SummarizedByCluster()
		if !ok || clusterID == ownClusterID {
			continue
		}
		if err := w.rejoin(ctx, e, ownClusterID, clusterID); err != nil {
			return "", err
		}
		return clusterID, nil
	}
	return "", nil
}

// lexicographicFallback walks layerIDs in ascending order looking for a
// predecessor of e with an existing cluster. It reports encounteredSelf
// true if e's own id was reached before any qualifying predecessor was
// found, meaning e is the canonical leader candidate for this layer.
func (w *Worker) lexicographicFallback(ctx context.Context, e *entity.Entity, ownClusterID string, layerIDs []string) (joinedTo string, encounteredSelf bool, err error) {
	ctx, finish := observability.StartSpan(ctx, observability.SpanFallbackLexicographic)
	defer func() { finish(err) }()

	for _, id := range layerIDs {
		if id == e.ID {
			return "", true, nil
		}

		peer, getErr := w.store.Get(ctx, id)
		if getErr != nil {
			w.logger.Warn("lexicographic fallback predecessor unresolved",
				slog.String("entity_id", id), slog.String("error", getErr.Error()))
			continue
		}
		clusterID, ok := peer.SummarizedByCluster()
		if !ok || clusterID == ownClusterID {
			continue
		}
		if err := w.rejoin(ctx, e, ownClusterID, clusterID); err != nil {
			return "", false, err
		}
		return clusterID, false, nil
	}
	return "", false, nil
}

// rejoin abandons e's own solo cluster and attaches e to clusterID
// instead. The abandoned cluster is marked dissolved rather than
// deleted outright: the entity store's additive contract has no hard
// delete, only union-upsert and relationship removal.
func (w *Worker) rejoin(ctx context.Context, e *entity.Entity, ownClusterID, clusterID string) error {
	err := w.store.AdditiveUpdate(ctx,
		entitystore.AdditiveUpdateItem{
			EntityID:   ownClusterID,
			Properties: map[string]any{"dissolved": true},
		},
		entitystore.AdditiveUpdateItem{
			EntityID: e.ID,
			RelationshipsDel: []entity.Relationship{
				{Predicate: entity.PredicateSummarizedBy, Peer: ownClusterID},
			},
			RelationshipsAdd: []entity.Relationship{
				{Predicate: entity.PredicateSummarizedBy, Peer: clusterID, PeerType: string(entity.TypeClusterLeader)},
			},
		},
		entitystore.AdditiveUpdateItem{
			EntityID: clusterID,
			RelationshipsAdd: []entity.Relationship{
				{Predicate: entity.PredicateHasMember, Peer: e.ID, PeerType: string(e.Type)},
			},
		},
	)
	if err != nil {
		return fmt.Errorf("cluster: rejoin %s from %s to %s: %w", e.ID, ownClusterID, clusterID, err)
	}
	return nil
}

// dissolve is the terminal outcome for a solo leader with no cluster to
// fall back to: the leader is marked dissolved and e's membership edge
// is withdrawn, leaving e with no summarized_by at this layer.
func (w *Worker) dissolve(ctx context.Context, e *entity.Entity, clusterID string) error {
	err := w.store.AdditiveUpdate(ctx,
		entitystore.AdditiveUpdateItem{
			EntityID:   clusterID,
			Properties: map[string]any{"dissolved": true},
		},
		entitystore.AdditiveUpdateItem{
			EntityID: e.ID,
			RelationshipsDel: []entity.Relationship{
				{Predicate: entity.PredicateSummarizedBy, Peer: clusterID},
			},
		},
	)
	if err != nil {
		return fmt.Errorf("cluster: dissolve %s: %w", clusterID, err)
	}
	return nil
}
