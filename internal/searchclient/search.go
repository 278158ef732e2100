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
	"context"
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/klados-io/klados-cluster/internal/entity"
)

// EntityClassName is the Weaviate class every klados entity is indexed
// under. Entities are distinguished by the entityType and kgLayer
// properties rather than by separate classes, since the layer a node
// belongs to is a runtime property, not a schema-time one.
const EntityClassName = "KladosEntity"

var entityFields = []graphql.Field{
	{Name: "entityId"},
	{Name: "entityType"},
	{Name: "kgLayer"},
	{Name: "propertiesJSON"},
	{Name: "_additional { id certainty }"},
}

// Candidate is one semantic search hit.
type Candidate struct {
	EntityID  string
	Certainty float32
}

// entitySearchResponse mirrors the shape a Get query against
// EntityClassName returns, in the generic marshal/unmarshal style the
// teacher's ParseGraphQLResponse helper uses for Weaviate's dynamic
// map[string]models.JSONObject responses.
type entitySearchResponse struct {
	Get struct {
		KladosEntity []struct {
			EntityID   string `json:"entityId"`
			Additional struct {
				ID        string  `json:"id"`
				Certainty float32 `json:"certainty"`
			} `json:"_additional"`
		} `json:"KladosEntity"`
	} `json:"Get"`
}

func parseSearchResponse(resp *models.GraphQLResponse) (*entitySearchResponse, error) {
	if resp == nil {
		return nil, fmt.Errorf("searchclient: nil graphql response")
	}
	b, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("searchclient: marshal response data: %w", err)
	}
	var out entitySearchResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("searchclient: unmarshal response data: %w", err)
	}
	return &out, nil
}

// Search runs a nearText semantic search scoped to one knowledge-graph
// layer and returns up to limit candidate peer entity ids (excluding
// excludeID, if non-empty), ordered by descending certainty. A limit of
// 0 means unbounded.
func (c *ResilientClient) Search(ctx context.Context, query string, layer, limit int, excludeID string) ([]Candidate, error) {
	if query == "" {
		return nil, fmt.Errorf("searchclient: query must not be empty")
	}

	layerFilter := filters.Where().
		WithPath([]string{"kgLayer"}).
		WithOperator(filters.Equal).
		WithValueInt(int64(layer))
	where := layerFilter
	if excludeID != "" {
		idFilter := filters.Where().
			WithPath([]string{"entityId"}).
			WithOperator(filters.NotEqual).
			WithValueString(excludeID)
		where = filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{layerFilter, idFilter})
	}

	nearText := c.Client().GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	var out []Candidate
	err := c.execute(ctx, "search_peers", func() error {
		q := c.Client().GraphQL().Get().
			WithClassName(EntityClassName).
			WithFields(entityFields...).
			WithWhere(where).
			WithNearText(nearText)
		if limit > 0 {
			q = q.WithLimit(limit)
		}
		resp, err := q.Do(ctx)
		if err != nil {
			return err
		}
		if len(resp.Errors) > 0 {
			return fmt.Errorf("searchclient: graphql error: %s", resp.Errors[0].Message)
		}

		parsed, err := parseSearchResponse(resp)
		if err != nil {
			return err
		}

		out = out[:0]
		for _, r := range parsed.Get.KladosEntity {
			out = append(out, Candidate{
				EntityID:  r.EntityID,
				Certainty: r.Additional.Certainty,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListLayerIDs returns every entity id at layer, in ascending
// lexicographic order, for the lexicographic fallback step of cluster
// convergence. It does not use nearText, so it is a pure structural scan.
func (c *ResilientClient) ListLayerIDs(ctx context.Context, layer int) ([]string, error) {
	layerFilter := filters.Where().
		WithPath([]string{"kgLayer"}).
		WithOperator(filters.Equal).
		WithValueInt(int64(layer))
	sortBy := graphql.Sort{Path: []string{"entityId"}, Order: graphql.Asc}

	var out []string
	err := c.execute(ctx, "list_layer_ids", func() error {
		resp, err := c.Client().GraphQL().Get().
			WithClassName(EntityClassName).
			WithFields(entityFields...).
			WithWhere(layerFilter).
			WithSort(sortBy).
			Do(ctx)
		if err != nil {
			return err
		}
		if len(resp.Errors) > 0 {
			return fmt.Errorf("searchclient: graphql error: %s", resp.Errors[0].Message)
		}

		parsed, err := parseSearchResponse(resp)
		if err != nil {
			return err
		}

		out = out[:0]
		for _, r := range parsed.Get.KladosEntity {
			out = append(out, r.EntityID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EnsureSchema creates the KladosEntity class if it does not already
// exist. Safe to call repeatedly; ClassGetter returning an error is
// treated as "does not exist yet".
func (c *ResilientClient) EnsureSchema(ctx context.Context) error {
	return c.execute(ctx, "ensure_schema", func() error {
		_, err := c.Client().Schema().ClassGetter().WithClassName(EntityClassName).Do(ctx)
		if err == nil {
			return nil
		}
		return c.Client().Schema().ClassCreator().WithClass(entitySchema()).Do(ctx)
	})
}

// entitySchema describes the KladosEntity class. kgLayer and entityId are
// filterable so the where-clause layer scope and lexicographic fallback
// lookups stay index-backed; searchableText is the only vectorized field.
func entitySchema() *models.Class {
	filterable := true
	return &models.Class{
		Class:      EntityClassName,
		Vectorizer: "text2vec-openai",
		Properties: []*models.Property{
			{
				Name:            "entityId",
				DataType:        []string{"text"},
				IndexFilterable: &filterable,
				Tokenization:    "field",
			},
			{
				Name:            "entityType",
				DataType:        []string{"text"},
				IndexFilterable: &filterable,
				Tokenization:    "field",
			},
			{
				Name:            "kgLayer",
				DataType:        []string{"int"},
				IndexFilterable: &filterable,
			},
			{
				Name:     "propertiesJSON",
				DataType: []string{"text"},
			},
			{
				Name:         "searchableText",
				DataType:     []string{"text"},
				Tokenization: "word",
			},
		},
	}
}

// IndexableRecord is the shape indexed for every entity.Entity, regardless
// of concrete entity.Type.
type IndexableRecord struct {
	EntityID       string `json:"entityId"`
	EntityType     string `json:"entityType"`
	KGLayer        int    `json:"kgLayer"`
	PropertiesJSON string `json:"propertiesJSON"`
}

// IndexRecord builds the indexable record for e; callers marshal the
// entity's searchable text (e.g. a text_chunk's body, or a cluster
// leader's description) into the object's vectorized fields separately,
// since vectorization is schema-configured, not request-configured.
func IndexRecord(e *entity.Entity) IndexableRecord {
	return IndexableRecord{
		EntityID:   e.ID,
		EntityType: string(e.Type),
		KGLayer:    e.Layer(),
	}
}
