// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package simulator drives the scatter/cluster/describe recursion
// synthetically: one pass per layer decides every membership race and
// fallback outcome from a seeded math/rand source instead of running
// real workers against real timers, producing the same entity and log
// graph shape a live run would leave in the store. It exists so the
// layer-by-layer convergence behaviour can be exercised and checked
// across many seeds without a wall clock or a live backing store.
package simulator

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/klados-io/klados-cluster/internal/entity"
	"github.com/klados-io/klados-cluster/internal/handoff"
)

// Scenario parameterizes one synthetic run.
type Scenario struct {
	Seed int64

	// EntityCount is the number of layer-0 entities the scatter step fans out.
	EntityCount int

	// LeadProbability is the chance a given entity becomes a fresh cluster
	// leader instead of joining an already-open one at the same layer, each
	// time at least one open leader exists to join.
	LeadProbability float64

	// MaxRecursionDepth caps how many layers of clustering the run performs,
	// mirroring the hard safety cap on cluster-of-clusters recursion.
	MaxRecursionDepth int
}

// DefaultScenario returns a scenario exercising a handful of layer-0
// entities with a moderate lead/join mix.
func DefaultScenario() Scenario {
	return Scenario{
		Seed:              1,
		EntityCount:       12,
		LeadProbability:   0.35,
		MaxRecursionDepth: 10,
	}
}

// Result is the synthetic graph one Run produces.
type Result struct {
	Entities          map[string]*entity.Entity
	Logs              map[string]*entity.Log
	RootLogID         string
	Layers            int
	MaxRecursionDepth int
}

type leaderState struct {
	leaderID     string
	leadEntityID string
	members      []string
}

type run struct {
	rng      *rand.Rand
	scenario Scenario
	entities map[string]*entity.Entity
	logs     map[string]*entity.Log
	seq      int
}

// Run executes one scatter followed by however many cluster/describe
// layers converge before a layer collapses to zero survivors or the
// recursion cap is hit.
func Run(scenario Scenario) *Result {
	r := &run{
		rng:      rand.New(rand.NewSource(scenario.Seed)),
		scenario: scenario,
		entities: make(map[string]*entity.Entity),
		logs:     make(map[string]*entity.Log),
	}

	rootIDs := make([]string, scenario.EntityCount)
	for i := range rootIDs {
		rootIDs[i] = r.newTextChunk()
	}

	scatterLog := r.newLog("kg_scatter", nil)
	r.seal(scatterLog, &handoff.Scatter{Outputs: rootIDs})

	parents := make(map[string]*entity.Log, len(rootIDs))
	for _, id := range rootIDs {
		parents[id] = scatterLog
	}

	ids, depth := rootIDs, 0
	for depth < scenario.MaxRecursionDepth && len(ids) > 0 {
		allowRecurse := depth+1 < scenario.MaxRecursionDepth
		next, nextParents := r.runLayer(ids, parents, allowRecurse)
		if len(next) == 0 {
			break
		}
		ids, parents = next, nextParents
		depth++
	}

	return &Result{
		Entities:          r.entities,
		Logs:              r.logs,
		RootLogID:         scatterLog.ID,
		Layers:            depth,
		MaxRecursionDepth: scenario.MaxRecursionDepth,
	}
}

// runLayer resolves one clustering pass over ids: every entity either
// joins an already-open leader or starts a new one, every leader left
// with exactly one member then falls back (merging into the lowest-id
// multi-member cluster if the layer has one, otherwise into the
// lowest-id single-member leader, which survives with the merged
// members; a layer holding a single entity dissolves its only leader
// instead), and every surviving leader is described and handed to the
// next layer when allowRecurse holds.
func (r *run) runLayer(ids []string, parents map[string]*entity.Log, allowRecurse bool) ([]string, map[string]*entity.Log) {
	layer := r.entities[ids[0]].Layer()

	leaders := make(map[string]*leaderState)
	clusterLogs := make(map[string]*entity.Log, len(ids))

	for _, idx := range r.rng.Perm(len(ids)) {
		id := ids[idx]
		clog := r.newLog("kg_cluster", parents[id])
		clusterLogs[id] = clog

		var open []string
		for lid := range leaders {
			open = append(open, lid)
		}
		if len(open) > 0 && r.rng.Float64() >= r.scenario.LeadProbability {
			sort.Strings(open)
			target := open[r.rng.Intn(len(open))]
			r.attach(id, target)
			leaders[target].members = append(leaders[target].members, id)
			r.seal(clog, nil)
			continue
		}

		leaderID := r.newClusterLeader(layer)
		r.attach(id, leaderID)
		leaders[leaderID] = &leaderState{leaderID: leaderID, leadEntityID: id, members: []string{id}}
	}

	survivors, soloIDs := splitByMembership(leaders)
	survivors = append([]string(nil), survivors...)
	sort.Strings(survivors)
	sort.Strings(soloIDs)

	var acc string
	for _, lid := range soloIDs {
		target := ""
		switch {
		case len(survivors) > 0:
			target = survivors[0]
		case acc != "":
			target = acc
		}

		st := leaders[lid]
		clog := clusterLogs[st.leadEntityID]
		if target != "" {
			r.rejoin(st.leadEntityID, lid, target)
			r.seal(clog, nil)
			continue
		}
		acc = lid
	}

	var survivingLeaders []string
	survivingLeaders = append(survivingLeaders, survivors...)
	if acc != "" {
		st := leaders[acc]
		clog := clusterLogs[st.leadEntityID]
		if len(ids) == 1 {
			r.dissolve(st.leadEntityID, acc)
			r.seal(clog, nil)
		} else {
			survivingLeaders = append(survivingLeaders, acc)
		}
	}

	nextIDs := make([]string, 0, len(survivingLeaders))
	nextParents := make(map[string]*entity.Log, len(survivingLeaders))
	for _, lid := range survivingLeaders {
		st := leaders[lid]
		clog := clusterLogs[st.leadEntityID]

		if !allowRecurse {
			r.seal(clog, nil)
			continue
		}

		r.seal(clog, &handoff.Invoke{Outputs: []string{lid}})
		dlog := r.newLog("kg_describe", clog)
		r.describe(lid)
		r.seal(dlog, &handoff.Invoke{Outputs: []string{lid}})

		nextIDs = append(nextIDs, lid)
		nextParents[lid] = dlog
	}

	return nextIDs, nextParents
}

// splitByMembership partitions leaders into those with two or more
// members (already converged) and those left at exactly one (pending
// fallback resolution).
func splitByMembership(leaders map[string]*leaderState) (survivors, solo []string) {
	for lid, st := range leaders {
		if len(st.members) >= 2 {
			survivors = append(survivors, lid)
		} else {
			solo = append(solo, lid)
		}
	}
	return survivors, solo
}

func (r *run) newTextChunk() string {
	r.seq++
	id := fmt.Sprintf("entity-%d", r.seq)
	r.entities[id] = &entity.Entity{
		ID:         id,
		Type:       entity.TypeTextChunk,
		Properties: entity.ToMap(entity.TextChunkProperties{Text: id}),
	}
	return id
}

func (r *run) newClusterLeader(layer int) string {
	r.seq++
	id := fmt.Sprintf("leader-%d", r.seq)
	r.entities[id] = entity.NewClusterLeader(id, layer)
	return id
}

func (r *run) newLog(kladosID string, parent *entity.Log) *entity.Log {
	r.seq++
	id := fmt.Sprintf("log-%d", r.seq)
	l := &entity.Log{ID: id, KladosID: kladosID, Status: entity.LogRunning}
	r.logs[id] = l
	if parent != nil {
		parent.SentTo = append(parent.SentTo, id)
	}
	return l
}

func (r *run) seal(log *entity.Log, h handoff.Handoff) {
	if h != nil {
		log.Entry.Handoffs = append(log.Entry.Handoffs, h)
	}
	log.Status = entity.LogDone
}

// attach records entityID's membership in leaderID on both sides of the
// edge, the synthetic equivalent of the worker's additive-update call.
func (r *run) attach(entityID, leaderID string) {
	e := r.entities[entityID]
	e.Relationships = append(e.Relationships, entity.Relationship{
		Predicate: entity.PredicateSummarizedBy, Peer: leaderID, PeerType: string(entity.TypeClusterLeader),
	})
	leader := r.entities[leaderID]
	leader.Relationships = append(leader.Relationships, entity.Relationship{
		Predicate: entity.PredicateHasMember, Peer: entityID, PeerType: string(e.Type),
	})
}

// rejoin abandons entityID's membership in the from leader (marked
// dissolved, never deleted) and attaches it to the to leader instead.
func (r *run) rejoin(entityID, from, to string) {
	e := r.entities[entityID]
	kept := e.Relationships[:0]
	for _, rel := range e.Relationships {
		if rel.Predicate == entity.PredicateSummarizedBy && rel.Peer == from {
			continue
		}
		kept = append(kept, rel)
	}
	e.Relationships = kept
	r.markDissolved(from)
	r.attach(entityID, to)
}

// dissolve withdraws entityID's membership in leaderID with nowhere to
// fall back to, leaving entityID unclustered at this layer.
func (r *run) dissolve(entityID, leaderID string) {
	e := r.entities[entityID]
	kept := e.Relationships[:0]
	for _, rel := range e.Relationships {
		if !(rel.Predicate == entity.PredicateSummarizedBy && rel.Peer == leaderID) {
			kept = append(kept, rel)
		}
	}
	e.Relationships = kept
	r.markDissolved(leaderID)
}

func (r *run) markDissolved(leaderID string) {
	leader := r.entities[leaderID]
	props := entity.FromProperties[entity.ClusterLeaderProperties](leader.Properties)
	props.Dissolved = true
	leader.Properties = entity.ToMap(props)
}

// describe fills in the leader's title the same way the describe worker
// does on success: no retries are modeled since nothing in this fixture
// produces malformed LLM output.
func (r *run) describe(leaderID string) {
	leader := r.entities[leaderID]
	props := entity.FromProperties[entity.ClusterLeaderProperties](leader.Properties)
	props.Title = leaderID
	props.Label = leaderID
	props.Description = "synthetic cluster of " + fmt.Sprint(len(leader.RelationshipsOf(entity.PredicateHasMember))) + " members"
	leader.Properties = entity.ToMap(props)
}
