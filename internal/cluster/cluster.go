// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cluster implements the per-entity cluster-decision state
// machine: given an entity at some layer, decide whether it joins an
// existing cluster, becomes a leader awaiting followers, or converges
// via fallback when concurrent leader creation left it alone.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/klados-io/klados-cluster/internal/entity"
	"github.com/klados-io/klados-cluster/internal/entitystore"
	"github.com/klados-io/klados-cluster/internal/handoff"
	"github.com/klados-io/klados-cluster/internal/observability"
	"github.com/klados-io/klados-cluster/internal/searchclient"
)

// State names one point in the cluster worker's lifecycle.
type State string

const (
	StateSearching      State = "searching"
	StateRecheckPending State = "recheck_pending"
	StateLeadingWaiting State = "leading_waiting"
	StateJoined         State = "joined"
	StateFallback       State = "fallback"
	StateDissolved      State = "dissolved"
	StateTerminated     State = "terminated"
)

// Result is the terminal outcome of one Run call.
type Result struct {
	State State
	// ClusterID is set when State is StateJoined or StateTerminated: the
	// id of the cluster_leader the entity ended up under.
	ClusterID string
}

// Store is the subset of entitystore.Client the worker needs.
type Store interface {
	Get(ctx context.Context, id string) (*entity.Entity, error)
	BatchGet(ctx context.Context, ids []string) ([]*entity.Entity, error)
	CreateWithRelationships(ctx context.Context, e *entity.Entity) error
	AdditiveUpdate(ctx context.Context, items ...entitystore.AdditiveUpdateItem) error
}

// Searcher is the subset of searchclient.ResilientClient the worker needs.
type Searcher interface {
	Search(ctx context.Context, query string, layer, limit int, excludeID string) ([]searchclient.Candidate, error)
	ListLayerIDs(ctx context.Context, layer int) ([]string, error)
}

// LogWriter is the subset of logwriter.Writer the worker needs.
type LogWriter interface {
	CreateLog(ctx context.Context, kladosID string, received entity.LogReceived) (*entity.Log, error)
	SetHandoffs(ctx context.Context, logID string, handoffs ...handoff.Handoff) error
	Complete(ctx context.Context, logID string, messages ...entity.LogMessage) error
	Fail(ctx context.Context, logID string, cause error) error
}

// Worker runs the cluster-decision state machine for one entity per
// invocation. A single Worker is shared by every concurrent invocation;
// the entity store is the only state shared between them.
type Worker struct {
	store   Store
	search  Searcher
	logs    LogWriter
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New constructs a Worker. metrics may be nil, in which case the worker
// runs without recording Prometheus instruments.
func New(store Store, search Searcher, logs LogWriter, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:   store,
		search:  search,
		logs:    logs,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "cluster")),
		metrics: metrics,
	}
}

// Run executes one cluster-decision invocation: it creates the worker's
// log, drives the state machine to a terminal outcome, records the
// resulting handoff (if any), and seals the log. A state-machine error
// seals the log as failed and emits no handoff, per the propagation
// policy every worker in this system follows.
func (w *Worker) Run(ctx context.Context, kladosID string, received entity.LogReceived) (*Result, error) {
	if w.metrics != nil {
		w.metrics.ClusterWorkerStarted()
		defer w.metrics.ClusterWorkerFinished()
	}

	log, err := w.logs.CreateLog(ctx, kladosID, received)
	if err != nil {
		return nil, fmt.Errorf("cluster: create log: %w", err)
	}

	result, runErr := w.decide(ctx, received.TargetEntity)
	if runErr != nil {
		if failErr := w.logs.Fail(ctx, log.ID, runErr); failErr != nil {
			w.logger.Error("failed to record worker failure",
				slog.String("log_id", log.ID), slog.String("error", failErr.Error()))
		}
		return nil, runErr
	}

	if result.State == StateTerminated {
		if err := w.logs.SetHandoffs(ctx, log.ID, &handoff.Invoke{Outputs: []string{result.ClusterID}}); err != nil {
			w.logger.Warn("failed to record handoff",
				slog.String("log_id", log.ID), slog.String("error", err.Error()))
		}
		if w.metrics != nil {
			w.metrics.RecordHandoff("invoke", "cluster")
		}
	}
	if err := w.logs.Complete(ctx, log.ID); err != nil {
		w.logger.Warn("failed to seal log",
			slog.String("log_id", log.ID), slog.String("error", err.Error()))
	}
	return result, nil
}

// decide runs SEARCHING, looping through RECHECK_PENDING until either a
// clustered peer is found or the layer is empty of visible peers, at
// which point the entity leads.
func (w *Worker) decide(ctx context.Context, entityID string) (*Result, error) {
	if entityID == "" {
		return nil, fmt.Errorf("cluster: received log carries no target entity")
	}

	e, err := w.store.Get(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("cluster: fetch target entity %s: %w", entityID, err)
	}
	layer := e.Layer()
	query := searchQueryFor(e)

	for {
		candidates, err := w.timedSearch(ctx, query, layer, w.cfg.SearchLimit, e.ID)
		if err != nil {
			return nil, fmt.Errorf("cluster: candidate search: %w", err)
		}

		if len(candidates) == 0 {
			return w.lead(ctx, e, layer)
		}

		clusterID, ok, err := w.firstClusteredPeer(ctx, candidates)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := w.join(ctx, e, clusterID); err != nil {
				return nil, err
			}
			return &Result{State: StateJoined, ClusterID: clusterID}, nil
		}

		w.logger.Debug("candidates visible but none clustered yet, rechecking",
			slog.String("entity_id", e.ID), slog.Int("candidates", len(candidates)))
		if err := w.sleep(ctx, w.cfg.RecheckDelay); err != nil {
			return nil, fmt.Errorf("cluster: recheck wait: %w", err)
		}
	}
}

// timedSearch wraps a peer search with the search span and latency
// histogram, leaving the core Searcher interface free of observability
// concerns.
func (w *Worker) timedSearch(ctx context.Context, query string, layer, limit int, excludeID string) ([]searchclient.Candidate, error) {
	ctx, finish := observability.StartSpan(ctx, observability.SpanSearch)
	start := time.Now()
	candidates, err := w.search.Search(ctx, query, layer, limit, excludeID)
	if w.metrics != nil {
		w.metrics.SearchLatencySeconds.Observe(time.Since(start).Seconds())
	}
	finish(err)
	return candidates, err
}

// firstClusteredPeer fetches the full store record for each candidate,
// in descending-certainty order, and returns the first one that already
// carries a summarized_by relationship.
func (w *Worker) firstClusteredPeer(ctx context.Context, candidates []searchclient.Candidate) (string, bool, error) {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.EntityID
	}
	peers, err := w.store.BatchGet(ctx, ids)
	if err != nil {
		return "", false, fmt.Errorf("cluster: batch get candidates: %w", err)
	}
	byID := make(map[string]*entity.Entity, len(peers))
	for _, p := range peers {
		byID[p.ID] = p
	}

	for _, c := range candidates {
		peer, ok := byID[c.EntityID]
		if !ok {
			continue
		}
		if clusterID, ok := peer.SummarizedByCluster(); ok {
			return clusterID, true, nil
		}
	}
	return "", false, nil
}

// lead creates a fresh cluster_leader for e, attaches e to it, and waits
// out the jittered follower window before deciding whether the leader
// survives on its own membership or must fall back.
func (w *Worker) lead(ctx context.Context, e *entity.Entity, layer int) (*Result, error) {
	leaderID := uuid.NewString()
	leader := entity.NewClusterLeader(leaderID, layer)
	if err := w.store.CreateWithRelationships(ctx, leader); err != nil {
		return nil, fmt.Errorf("cluster: create leader: %w", err)
	}
	if err := w.attach(ctx, e, leaderID); err != nil {
		return nil, err
	}

	w.logger.Debug("no peers visible, leading and waiting for followers",
		slog.String("entity_id", e.ID), slog.String("leader_id", leaderID))
	if err := w.jitteredWait(ctx, w.cfg.FollowerWaitMin, w.cfg.FollowerWaitMax); err != nil {
		return nil, fmt.Errorf("cluster: follower wait: %w", err)
	}

	members, err := w.membersOf(ctx, leaderID)
	if err != nil {
		return nil, err
	}
	if len(members) > 1 {
		return &Result{State: StateTerminated, ClusterID: leaderID}, nil
	}

	return w.fallback(ctx, e, leaderID, layer)
}

// attach records e's membership in clusterID on both sides of the edge.
func (w *Worker) attach(ctx context.Context, e *entity.Entity, clusterID string) error {
	err := w.store.AdditiveUpdate(ctx,
		entitystore.AdditiveUpdateItem{
			EntityID: e.ID,
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
		return fmt.Errorf("cluster: attach %s to %s: %w", e.ID, clusterID, err)
	}
	return nil
}

// join is the SEARCHING-phase join path: e simply attaches to a cluster
// another worker already established, with no prior membership to undo.
func (w *Worker) join(ctx context.Context, e *entity.Entity, clusterID string) error {
	return w.attach(ctx, e, clusterID)
}

// membersOf returns the entity ids attached to clusterID via has_member.
func (w *Worker) membersOf(ctx context.Context, clusterID string) ([]string, error) {
	leader, err := w.store.Get(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("cluster: fetch leader %s: %w", clusterID, err)
	}
	rels := leader.RelationshipsOf(entity.PredicateHasMember)
	out := make([]string, len(rels))
	for i, r := range rels {
		out[i] = r.Peer
	}
	return out, nil
}

// sleep blocks for d or until ctx is cancelled, whichever comes first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// jitteredWait blocks for a uniformly-random duration in [min, max), or
// until ctx is cancelled.
func (w *Worker) jitteredWait(ctx context.Context, min, max time.Duration) error {
	d := min
	if max > min {
		d = min + time.Duration(rand.Int63n(int64(max-min)))
	}
	return w.sleep(ctx, d)
}

// searchQueryFor derives the text a worker uses for semantic peer search
// from an entity's typed properties. An entity with no usable text falls
// back to its own id, which still yields a valid (if unhelpful) query
// rather than failing the worker outright.
func searchQueryFor(e *entity.Entity) string {
	var text string
	switch e.Type {
	case entity.TypeTextChunk:
		p := entity.FromProperties[entity.TextChunkProperties](e.Properties)
		text = p.Text
	case entity.TypeClusterLeader:
		p := entity.FromProperties[entity.ClusterLeaderProperties](e.Properties)
		text = joinNonEmpty(p.Title, p.Description)
	default:
		p := entity.FromProperties[entity.ExtractedEntityProperties](e.Properties)
		text = joinNonEmpty(p.Label, p.Description)
	}
	if text == "" {
		return e.ID
	}
	return text
}

func joinNonEmpty(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += p
	}
	return out
}
