// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// LangChainClient calls a locally hosted model through LangChainGo's
// Ollama backend, for deployments that keep describe-worker inference
// off the OpenAI API.
type LangChainClient struct {
	model llms.Model
}

// NewLangChainClient constructs a client against an Ollama server at
// serverURL running modelName.
func NewLangChainClient(serverURL, modelName string) (*LangChainClient, error) {
	opts := []ollama.Option{ollama.WithModel(modelName)}
	if serverURL != "" {
		opts = append(opts, ollama.WithServerURL(serverURL))
	}
	model, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("llm: ollama client: %w", err)
	}
	return &LangChainClient{model: model}, nil
}

// Generate implements Client.
func (l *LangChainClient) Generate(ctx context.Context, systemPrompt, userPrompt string, params Params) (string, error) {
	callOpts := []llms.CallOption{}
	if params.Temperature != nil {
		callOpts = append(callOpts, llms.WithTemperature(float64(*params.Temperature)))
	}
	if params.TopP != nil {
		callOpts = append(callOpts, llms.WithTopP(float64(*params.TopP)))
	}
	if params.MaxTokens != nil {
		callOpts = append(callOpts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		callOpts = append(callOpts, llms.WithStopWords(params.Stop))
	}

	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}
	resp, err := l.model.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return "", fmt.Errorf("llm: langchaingo generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: langchaingo returned no choices")
	}
	return resp.Choices[0].Content, nil
}
