// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package describe implements the one-call-per-cluster worker that
// summarises a surviving cluster leader's members through an LLM and
// hands off to the next recursion of the cluster worker at layer+1.
package describe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/klados-io/klados-cluster/internal/entity"
	"github.com/klados-io/klados-cluster/internal/entitystore"
	"github.com/klados-io/klados-cluster/internal/handoff"
	"github.com/klados-io/klados-cluster/internal/llm"
	"github.com/klados-io/klados-cluster/internal/observability"
)

const systemPrompt = `You summarise a cluster of related items from a knowledge graph.
Respond with a single JSON object and nothing else, matching exactly this shape:
{"title": "short name", "label": "one or two words", "description": "one paragraph"}`

// Store is the subset of entitystore.Client the worker needs.
type Store interface {
	Get(ctx context.Context, id string) (*entity.Entity, error)
	BatchGet(ctx context.Context, ids []string) ([]*entity.Entity, error)
	AdditiveUpdate(ctx context.Context, items ...entitystore.AdditiveUpdateItem) error
}

// LogWriter is the subset of logwriter.Writer the worker needs.
type LogWriter interface {
	CreateLog(ctx context.Context, kladosID string, received entity.LogReceived) (*entity.Log, error)
	Complete(ctx context.Context, logID string, messages ...entity.LogMessage) error
	Fail(ctx context.Context, logID string, cause error) error
	SetHandoffs(ctx context.Context, logID string, handoffs ...handoff.Handoff) error
}

// Result is the terminal outcome of one describe invocation.
type Result struct {
	// Recursed is true when the worker emitted an invoke handoff to the
	// next cluster recursion; false when the safety cap stopped it.
	Recursed bool
}

// schema is the JSON shape an LLM response must satisfy.
type schema struct {
	Title       string `json:"title"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

func (s schema) validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("describe: response missing non-empty \"title\"")
	}
	if strings.TrimSpace(s.Description) == "" {
		return fmt.Errorf("describe: response missing non-empty \"description\"")
	}
	return nil
}

// Worker runs the describe state machine for one cluster leader per
// invocation.
type Worker struct {
	store   Store
	llm     llm.Client
	logs    LogWriter
	cfg     Config
	log     *slog.Logger
	metrics *observability.Metrics
}

// New constructs a Worker. metrics may be nil, in which case the worker
// runs without recording Prometheus instruments.
func New(store Store, client llm.Client, logs LogWriter, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:   store,
		llm:     client,
		logs:    logs,
		cfg:     cfg.withDefaults(),
		log:     logger.With(slog.String("component", "describe")),
		metrics: metrics,
	}
}

// Run describes the cluster leader named by received.TargetEntity: it
// builds a prompt from the cluster's members, calls the LLM with
// retry-with-feedback on malformed JSON, writes the result onto the
// leader entity, and emits an invoke handoff for the next recursion
// unless the safety cap has been reached.
func (w *Worker) Run(ctx context.Context, kladosID string, received entity.LogReceived) (*Result, error) {
	log, err := w.logs.CreateLog(ctx, kladosID, received)
	if err != nil {
		return nil, fmt.Errorf("describe: create log: %w", err)
	}

	result, messages, runErr := w.decide(ctx, received.TargetEntity)
	if runErr != nil {
		if failErr := w.logs.Fail(ctx, log.ID, runErr); failErr != nil {
			w.log.Error("failed to record worker failure",
				slog.String("log_id", log.ID), slog.String("error", failErr.Error()))
		}
		return nil, runErr
	}

	if result.Recursed {
		if err := w.logs.SetHandoffs(ctx, log.ID, &handoff.Invoke{Outputs: []string{received.TargetEntity}}); err != nil {
			w.log.Warn("failed to record handoff",
				slog.String("log_id", log.ID), slog.String("error", err.Error()))
		}
		if w.metrics != nil {
			w.metrics.RecordHandoff("invoke", "describe")
		}
	}
	if err := w.logs.Complete(ctx, log.ID, messages...); err != nil {
		w.log.Warn("failed to seal log",
			slog.String("log_id", log.ID), slog.String("error", err.Error()))
	}
	return result, nil
}

func (w *Worker) decide(ctx context.Context, clusterLeaderID string) (*Result, []entity.LogMessage, error) {
	if clusterLeaderID == "" {
		return nil, nil, fmt.Errorf("describe: received log carries no target entity")
	}

	leader, err := w.store.Get(ctx, clusterLeaderID)
	if err != nil {
		return nil, nil, fmt.Errorf("describe: fetch cluster leader %s: %w", clusterLeaderID, err)
	}

	members, err := w.membersOf(ctx, leader)
	if err != nil {
		return nil, nil, err
	}
	if len(members) == 0 {
		return nil, nil, fmt.Errorf("describe: cluster leader %s has no members", clusterLeaderID)
	}

	prompt := buildPrompt(members)
	parsed, messages, err := w.generateWithRetry(ctx, prompt)
	if err != nil {
		return nil, nil, err
	}

	update := entity.ClusterLeaderProperties{
		Layer:       leader.Layer(),
		Title:       parsed.Title,
		Label:       parsed.Label,
		Description: parsed.Description,
	}
	if err := w.store.AdditiveUpdate(ctx, entitystore.AdditiveUpdateItem{
		EntityID:   clusterLeaderID,
		Properties: entity.ToMap(update),
	}); err != nil {
		return nil, nil, fmt.Errorf("describe: write description onto %s: %w", clusterLeaderID, err)
	}

	if leader.Layer() >= w.cfg.MaxRecursionDepth {
		w.log.Debug("recursion safety cap reached, not recursing",
			slog.String("cluster_id", clusterLeaderID), slog.Int("layer", leader.Layer()))
		return &Result{Recursed: false}, messages, nil
	}
	return &Result{Recursed: true}, messages, nil
}

func (w *Worker) membersOf(ctx context.Context, leader *entity.Entity) ([]*entity.Entity, error) {
	rels := leader.RelationshipsOf(entity.PredicateHasMember)
	ids := make([]string, len(rels))
	for i, r := range rels {
		ids[i] = r.Peer
	}
	return w.store.BatchGet(ctx, ids)
}

// generateWithRetry calls the LLM up to cfg.MaxJSONRetries+1 times,
// appending a retry section describing the previous failure to the
// user prompt on each malformed response. It returns the parsed
// schema and a log message per attempt, successful or not.
func (w *Worker) generateWithRetry(ctx context.Context, basePrompt string) (schema, []entity.LogMessage, error) {
	var messages []entity.LogMessage
	userPrompt := basePrompt

	attempts := w.cfg.MaxJSONRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := w.callLLM(ctx, userPrompt)
		if err != nil {
			return schema{}, messages, fmt.Errorf("describe: llm call attempt %d: %w", attempt, err)
		}

		parsed, parseErr := parseResponse(raw)
		if parseErr == nil {
			messages = append(messages, entity.LogMessage{
				Text: fmt.Sprintf("description generated on attempt %d", attempt),
			})
			w.recordRetryOutcome("parsed")
			return parsed, messages, nil
		}

		messages = append(messages, entity.LogMessage{
			Text: fmt.Sprintf("attempt %d: %s", attempt, parseErr.Error()),
		})
		if attempt == attempts {
			w.recordRetryOutcome("exhausted")
			return schema{}, messages, fmt.Errorf("describe: exhausted %d attempts, last error: %w", attempts, parseErr)
		}
		w.recordRetryOutcome("parse_error")
		userPrompt = basePrompt + retrySection(parseErr, raw, w.cfg.MaxTruncatedResponseChars)
	}
	// unreachable: the loop always returns on its last iteration.
	return schema{}, messages, fmt.Errorf("describe: retry loop exited without a result")
}

// callLLM wraps the LLM call with the describe.llm_call span.
func (w *Worker) callLLM(ctx context.Context, userPrompt string) (raw string, err error) {
	ctx, finish := observability.StartSpan(ctx, observability.SpanDescribeLLMCall)
	defer func() { finish(err) }()
	raw, err = w.llm.Generate(ctx, systemPrompt, userPrompt, llm.Params{})
	return raw, err
}

func (w *Worker) recordRetryOutcome(result string) {
	if w.metrics != nil {
		w.metrics.RecordDescribeRetry(result)
	}
}

func parseResponse(raw string) (schema, error) {
	var s schema
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &s); err != nil {
		return schema{}, fmt.Errorf("JSON parse error: %w", err)
	}
	if err := s.validate(); err != nil {
		return schema{}, err
	}
	return s, nil
}

// extractJSONObject trims leading/trailing text around the first
// top-level JSON object, since models occasionally wrap valid JSON in
// prose or a markdown code fence despite instructions not to.
func extractJSONObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start == -1 || end == -1 || end < start {
		return raw
	}
	return raw[start : end+1]
}

func retrySection(parseErr error, malformed string, maxChars int) string {
	truncated := malformed
	if len(truncated) > maxChars {
		truncated = truncated[:maxChars]
	}
	return fmt.Sprintf("\n\nRETRY — JSON PARSE ERROR\nError: %s\nPrior response (truncated): %s", parseErr.Error(), truncated)
}

func buildPrompt(members []*entity.Entity) string {
	var b strings.Builder
	b.WriteString("Members of this cluster:\n")
	for _, m := range members {
		label, description := memberText(m)
		b.WriteString("- ")
		b.WriteString(label)
		if description != "" {
			b.WriteString(": ")
			b.WriteString(description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func memberText(e *entity.Entity) (label, description string) {
	switch e.Type {
	case entity.TypeTextChunk:
		p := entity.FromProperties[entity.TextChunkProperties](e.Properties)
		return p.Text, ""
	case entity.TypeClusterLeader:
		p := entity.FromProperties[entity.ClusterLeaderProperties](e.Properties)
		if p.Title != "" {
			return p.Title, p.Description
		}
		return e.ID, p.Description
	default:
		p := entity.FromProperties[entity.ExtractedEntityProperties](e.Properties)
		if p.Label != "" {
			return p.Label, p.Description
		}
		return e.ID, p.Description
	}
}
