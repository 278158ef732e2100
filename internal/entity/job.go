// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package entity

// JobCollection anchors one pipeline invocation. It carries a first_log
// relationship to the root log and exists purely so the workflow-tree
// observer has a stable starting point for its DFS.
type JobCollection struct {
	ID      string `json:"id"`
	RootLog string `json:"root_log_id"`
}

// NewJobCollection builds the job-collection entity that
// scatter.Coordinator.Start persists. It carries no permission grants.
func NewJobCollection(id, rootLogID string, props ScatterJobProperties) *Entity {
	return &Entity{
		ID:         id,
		Type:       TypeScatterJob,
		Properties: ToMap(props),
		Relationships: []Relationship{
			{Predicate: PredicateFirstLog, Peer: rootLogID, PeerType: string(TypeKladosLog)},
		},
	}
}

// NewClusterLeader builds a fresh cluster_leader entity at layer+1, created
// lazily the first time an entity finds no visible peers.
func NewClusterLeader(id string, layer int) *Entity {
	return &Entity{
		Type: TypeClusterLeader,
		ID:   id,
		Properties: ToMap(ClusterLeaderProperties{
			Layer: layer + 1,
		}),
	}
}
