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
	"fmt"

	"github.com/klados-io/klados-cluster/internal/entity"
)

// Violation names one property a completed run failed to uphold.
type Violation struct {
	Check  string
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Check, v.Detail)
}

// Validate checks a Result against every quantified property a
// completed run must uphold, returning one Violation per failure. An
// empty result means the run converged cleanly.
func Validate(r *Result) []Violation {
	var out []Violation
	out = append(out, checkMembershipUniqueness(r)...)
	out = append(out, checkNoOrphanLeaders(r)...)
	out = append(out, checkLayerContract(r)...)
	out = append(out, checkRecursionDepthBound(r)...)
	out = append(out, checkLogSealing(r)...)
	out = append(out, checkExpectedChildrenCoverage(r)...)
	out = append(out, checkNoAvoidableSoloClusters(r)...)
	return out
}

// checkMembershipUniqueness asserts no entity carries more than one
// summarized_by edge.
func checkMembershipUniqueness(r *Result) []Violation {
	var out []Violation
	for id, e := range r.Entities {
		if n := len(e.RelationshipsOf(entity.PredicateSummarizedBy)); n > 1 {
			out = append(out, Violation{
				Check:  "membership-uniqueness",
				Detail: fmt.Sprintf("entity %s carries %d summarized_by edges", id, n),
			})
		}
	}
	return out
}

// checkNoOrphanLeaders asserts every non-dissolved cluster leader has
// at least one live member pointing back to it. A dissolved leader is
// exempt: the additive store has no hard delete, so a leader that lost
// every member during fallback still exists as a row, just marked
// dissolved rather than removed.
func checkNoOrphanLeaders(r *Result) []Violation {
	counts := liveMemberCounts(r)
	var out []Violation
	for id, e := range r.Entities {
		if e.Type != entity.TypeClusterLeader {
			continue
		}
		if dissolved(e) {
			continue
		}
		if counts[id] == 0 {
			out = append(out, Violation{Check: "no-orphan-leaders", Detail: fmt.Sprintf("leader %s has no live members", id)})
		}
	}
	return out
}

// checkLayerContract asserts a member's cluster leader sits exactly
// one layer above it.
func checkLayerContract(r *Result) []Violation {
	var out []Violation
	for id, e := range r.Entities {
		clusterID, ok := e.SummarizedByCluster()
		if !ok {
			continue
		}
		leader, ok := r.Entities[clusterID]
		if !ok {
			out = append(out, Violation{Check: "layer-contract", Detail: fmt.Sprintf("entity %s summarized_by unresolved leader %s", id, clusterID)})
			continue
		}
		if leader.Layer() != e.Layer()+1 {
			out = append(out, Violation{
				Check:  "layer-contract",
				Detail: fmt.Sprintf("entity %s at layer %d points to leader %s at layer %d", id, e.Layer(), clusterID, leader.Layer()),
			})
		}
	}
	return out
}

// checkRecursionDepthBound asserts the run never recursed past the
// configured safety cap.
func checkRecursionDepthBound(r *Result) []Violation {
	if r.Layers > r.MaxRecursionDepth {
		return []Violation{{
			Check:  "recursion-depth-bound",
			Detail: fmt.Sprintf("run produced %d layers, cap is %d", r.Layers, r.MaxRecursionDepth),
		}}
	}
	return nil
}

// checkLogSealing asserts every log reached a terminal status.
func checkLogSealing(r *Result) []Violation {
	var out []Violation
	for id, l := range r.Logs {
		if !l.Status.Terminal() {
			out = append(out, Violation{Check: "log-sealing", Detail: fmt.Sprintf("log %s is still %s", id, l.Status)})
		}
	}
	return out
}

// checkExpectedChildrenCoverage asserts every non-error log produced
// exactly as many children as its own handoffs promised.
func checkExpectedChildrenCoverage(r *Result) []Violation {
	var out []Violation
	for id, l := range r.Logs {
		if l.Status == entity.LogError {
			continue
		}
		expected, unknown := l.ExpectedChildren()
		if unknown {
			out = append(out, Violation{Check: "expected-children-coverage", Detail: fmt.Sprintf("log %s has an unresolved delegated scatter", id)})
			continue
		}
		if len(l.SentTo) != expected {
			out = append(out, Violation{
				Check:  "expected-children-coverage",
				Detail: fmt.Sprintf("log %s produced %d children, handoffs promised %d", id, len(l.SentTo), expected),
			})
		}
	}
	return out
}

// checkNoAvoidableSoloClusters asserts no cluster leader was left with
// exactly one live member while another non-empty, non-dissolved
// leader existed at the same layer to fall back onto.
func checkNoAvoidableSoloClusters(r *Result) []Violation {
	counts := liveMemberCounts(r)

	byLayer := make(map[int][]string)
	for id, e := range r.Entities {
		if e.Type != entity.TypeClusterLeader || dissolved(e) || counts[id] == 0 {
			continue
		}
		byLayer[e.Layer()] = append(byLayer[e.Layer()], id)
	}

	var out []Violation
	for layer, leaders := range byLayer {
		for _, id := range leaders {
			if counts[id] != 1 {
				continue
			}
			if len(leaders) > 1 {
				out = append(out, Violation{
					Check:  "no-avoidable-solo-clusters",
					Detail: fmt.Sprintf("leader %s at layer %d has one member while %d other surviving clusters exist", id, layer, len(leaders)-1),
				})
			}
		}
	}
	return out
}

// liveMemberCounts counts, per cluster leader, how many entities
// currently carry a summarized_by edge to it. The leader's own
// has_member edges are not used for this: dissolve and rejoin only
// retract the member's summarized_by edge, leaving a stale has_member
// on the abandoned leader, by design (see rejoin/dissolve).
func liveMemberCounts(r *Result) map[string]int {
	counts := make(map[string]int)
	for _, e := range r.Entities {
		if clusterID, ok := e.SummarizedByCluster(); ok {
			counts[clusterID]++
		}
	}
	return counts
}

func dissolved(e *entity.Entity) bool {
	return entity.FromProperties[entity.ClusterLeaderProperties](e.Properties).Dissolved
}
