// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/time/rate"

	"github.com/klados-io/klados-cluster/internal/cluster"
	"github.com/klados-io/klados-cluster/internal/config"
	"github.com/klados-io/klados-cluster/internal/describe"
	"github.com/klados-io/klados-cluster/internal/entitystore"
	"github.com/klados-io/klados-cluster/internal/llm"
	"github.com/klados-io/klados-cluster/internal/logwriter"
	"github.com/klados-io/klados-cluster/internal/observability"
	"github.com/klados-io/klados-cluster/internal/observer"
	"github.com/klados-io/klados-cluster/internal/scatter"
	"github.com/klados-io/klados-cluster/internal/searchclient"
)

// Exit codes per the external-interfaces contract: 0 success, 1 for
// every configuration, registration, or invocation error.
const (
	exitSuccess = 0
	exitFailure = 1
)

// app bundles every collaborator a command needs, built once per
// invocation from the resolved Config.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	store    *entitystore.Client
	search   *searchclient.ResilientClient
	logs     *logwriter.Writer
	scatter  *scatter.Coordinator
	cluster  *cluster.Worker
	describe *describe.Worker
	observer *observer.Observer

	shutdownTelemetry func(context.Context) error
}

// newApp wires every collaborator named in the domain stack against cfg.
// AllowStartDegraded is set on the search client so a down vector index
// does not block startup. The degradation handlers registered below
// track and log the degraded mode; the cluster worker does not consult
// them, and a failed peer search still fails that worker's log.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})).
		With(slog.String("service", "klados-cluster"))

	shutdown, err := observability.Init(ctx, observability.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics := observability.NewMetrics()

	store, err := entitystore.New(entitystore.Config{
		BaseURL:   cfg.APIBase,
		APIKey:    cfg.UserKey,
		RateLimit: rate.Limit(20),
		Logger:    logger,
	})
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("init entity store: %w", err)
	}

	search, err := searchclient.NewResilientClient(searchclient.ClientConfig{
		URL:                cfg.WeaviateURL,
		AllowStartDegraded: true,
		Logger:             logger,
	})
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("init search client: %w", err)
	}
	search.RegisterHandler(searchclient.NewCandidateSearchDegradation(logger))
	search.RegisterHandler(searchclient.NewSemanticFallbackDegradation(logger))

	logs := logwriter.New(store, logger)

	llmClient, err := newLLMClient(cfg)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("init llm client: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		store:   store,
		search:  search,
		logs:    logs,
		scatter: scatter.New(store, logs, metrics),
		cluster: cluster.New(store, search, logs, cluster.Config{
			SearchLimit:     cfg.SearchLimit,
			RecheckDelay:    cfg.RecheckDelay,
			FollowerWaitMin: cfg.FollowerWaitMin,
			FollowerWaitMax: cfg.FollowerWaitMax,
		}, logger, metrics),
		describe: describe.New(store, llmClient, logs, describe.Config{
			MaxJSONRetries:    cfg.DescribeMaxRetries,
			MaxRecursionDepth: cfg.MaxRecursionDepth,
		}, logger, metrics),
		observer:          observer.New(store, logger),
		shutdownTelemetry: shutdown,
	}
	return a, nil
}

// newLLMClient selects the describe worker's generation backend per
// cfg.LLMBackend.
func newLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLMBackend {
	case "ollama":
		return llm.NewLangChainClient(cfg.OllamaURL, cfg.OllamaModel)
	case "openai", "":
		return llm.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIModel)
	default:
		return nil, fmt.Errorf("unknown KG_LLM_BACKEND %q", cfg.LLMBackend)
	}
}

// close releases every resource newApp opened.
func (a *app) close(ctx context.Context) {
	if a.shutdownTelemetry != nil {
		_ = a.shutdownTelemetry(ctx)
	}
	if a.search != nil {
		_ = a.search.Close()
	}
}
