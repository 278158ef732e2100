// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simulator

import (
	"strings"
	"testing"

	"github.com/klados-io/klados-cluster/internal/entity"
	"github.com/klados-io/klados-cluster/internal/handoff"
)

// baseResult builds a minimal, clean two-entity result: both members
// clustered under one leader, one scatter log and one cluster log per
// member, fully sealed. Tests mutate a copy to inject exactly one defect.
func baseResult() *Result {
	leader := entity.NewClusterLeader("leader-1", 0)
	leader.Relationships = []entity.Relationship{
		{Predicate: entity.PredicateHasMember, Peer: "e1"},
		{Predicate: entity.PredicateHasMember, Peer: "e2"},
	}
	e1 := &entity.Entity{ID: "e1", Type: entity.TypeTextChunk, Relationships: []entity.Relationship{
		{Predicate: entity.PredicateSummarizedBy, Peer: "leader-1"},
	}}
	e2 := &entity.Entity{ID: "e2", Type: entity.TypeTextChunk, Relationships: []entity.Relationship{
		{Predicate: entity.PredicateSummarizedBy, Peer: "leader-1"},
	}}

	scatterLog := &entity.Log{ID: "log-scatter", Status: entity.LogDone, SentTo: []string{"log-cluster", "log-cluster-2"}}
	scatterLog.Entry.Handoffs = handoff.List{&handoff.Scatter{Outputs: []string{"e1", "e2"}}}
	clusterLog := &entity.Log{ID: "log-cluster", Status: entity.LogDone}
	clusterLog2 := &entity.Log{ID: "log-cluster-2", Status: entity.LogDone}

	return &Result{
		Entities: map[string]*entity.Entity{
			"leader-1": leader,
			"e1":       e1,
			"e2":       e2,
		},
		Logs: map[string]*entity.Log{
			"log-scatter":   scatterLog,
			"log-cluster":   clusterLog,
			"log-cluster-2": clusterLog2,
		},
		RootLogID:         "log-scatter",
		Layers:            1,
		MaxRecursionDepth: 10,
	}
}

func hasViolation(violations []Violation, check string) bool {
	for _, v := range violations {
		if v.Check == check {
			return true
		}
	}
	return false
}

func TestValidate_CleanResultHasNoViolations(t *testing.T) {
	if v := Validate(baseResult()); len(v) > 0 {
		t.Fatalf("expected no violations, got %v", v)
	}
}

func TestValidate_DetectsDuplicateMembership(t *testing.T) {
	r := baseResult()
	r.Entities["e1"].Relationships = append(r.Entities["e1"].Relationships,
		entity.Relationship{Predicate: entity.PredicateSummarizedBy, Peer: "leader-2"})

	v := Validate(r)
	if !hasViolation(v, "membership-uniqueness") {
		t.Errorf("expected membership-uniqueness violation, got %v", v)
	}
}

func TestValidate_DetectsOrphanLeader(t *testing.T) {
	r := baseResult()
	r.Entities["orphan"] = entity.NewClusterLeader("orphan", 0)

	v := Validate(r)
	if !hasViolation(v, "no-orphan-leaders") {
		t.Errorf("expected no-orphan-leaders violation, got %v", v)
	}
}

func TestValidate_DissolvedOrphanIsExempt(t *testing.T) {
	r := baseResult()
	stale := entity.NewClusterLeader("stale", 0)
	stale.Properties = entity.ToMap(entity.ClusterLeaderProperties{Layer: 1, Dissolved: true})
	r.Entities["stale"] = stale

	v := Validate(r)
	if hasViolation(v, "no-orphan-leaders") {
		t.Errorf("dissolved leader should not trigger no-orphan-leaders, got %v", v)
	}
}

func TestValidate_DetectsLayerContractViolation(t *testing.T) {
	r := baseResult()
	r.Entities["leader-1"].Properties = entity.ToMap(entity.ClusterLeaderProperties{Layer: 5})

	v := Validate(r)
	if !hasViolation(v, "layer-contract") {
		t.Errorf("expected layer-contract violation, got %v", v)
	}
}

func TestValidate_DetectsRecursionDepthOverrun(t *testing.T) {
	r := baseResult()
	r.Layers = 11
	r.MaxRecursionDepth = 10

	v := Validate(r)
	if !hasViolation(v, "recursion-depth-bound") {
		t.Errorf("expected recursion-depth-bound violation, got %v", v)
	}
}

func TestValidate_DetectsUnsealedLog(t *testing.T) {
	r := baseResult()
	r.Logs["log-cluster"].Status = entity.LogRunning

	v := Validate(r)
	if !hasViolation(v, "log-sealing") {
		t.Errorf("expected log-sealing violation, got %v", v)
	}
}

func TestValidate_DetectsExpectedChildrenMismatch(t *testing.T) {
	r := baseResult()
	r.Logs["log-scatter"].SentTo = nil // scatter promised two outputs, produced zero

	v := Validate(r)
	if !hasViolation(v, "expected-children-coverage") {
		t.Errorf("expected expected-children-coverage violation, got %v", v)
	}
}

func TestValidate_DetectsAvoidableSoloCluster(t *testing.T) {
	r := baseResult()
	// e2 breaks away into its own leader, leaving both leader-1 and the
	// new leader at one live member each while both survive non-dissolved.
	r.Entities["e2"].Relationships = []entity.Relationship{{Predicate: entity.PredicateSummarizedBy, Peer: "leader-2"}}
	r.Entities["leader-1"].Relationships = []entity.Relationship{{Predicate: entity.PredicateHasMember, Peer: "e1"}}
	r.Entities["leader-2"] = entity.NewClusterLeader("leader-2", 0)

	v := Validate(r)
	if !hasViolation(v, "no-avoidable-solo-clusters") {
		t.Errorf("expected no-avoidable-solo-clusters violation, got %v", v)
	}
}

func TestViolation_StringIncludesCheckAndDetail(t *testing.T) {
	v := Violation{Check: "some-check", Detail: "some detail"}
	s := v.String()
	if !strings.Contains(s, "some-check") || !strings.Contains(s, "some detail") {
		t.Errorf("String() = %q, missing check or detail", s)
	}
}
