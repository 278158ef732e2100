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

import "encoding/json"

// TextChunkProperties is the typed property schema for type text_chunk.
type TextChunkProperties struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// ExtractedEntityProperties is the typed property schema for layer-0
// entities produced by extraction (person, city, whaling_ship, ...).
type ExtractedEntityProperties struct {
	Label        string `json:"label"`
	Description  string `json:"description,omitempty"`
	ExtractedType string `json:"extracted_type"`
	Layer        int    `json:"_kg_layer"`
}

// ClusterLeaderProperties is the typed property schema for type
// cluster_leader, filled in lazily as the leader is created and later
// described.
type ClusterLeaderProperties struct {
	Layer       int    `json:"_kg_layer"`
	Title       string `json:"title,omitempty"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	Dissolved   bool   `json:"dissolved,omitempty"`
}

// ScatterJobProperties is the typed property schema for the job-collection
// anchor entity.
type ScatterJobProperties struct {
	RhizaID    string   `json:"rhiza_id"`
	EntityIDs  []string `json:"entity_ids"`
	JobID      string   `json:"job_id"`
}

// ToMap converts a typed property struct to the open map the store client
// transmits over the wire. Call sites pass the returned map as
// Entity.Properties; the typed struct only exists at the construction
// boundary.
func ToMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

// FromProperties is the inverse of ToMap: it decodes an Entity's open
// properties map back into a typed struct at the read boundary. A decode
// failure yields the zero value of T, since a malformed properties map
// is treated the same as an absent one by every caller.
func FromProperties[T any](props map[string]any) T {
	var out T
	b, err := json.Marshal(props)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}
