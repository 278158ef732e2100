// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm defines a narrow interface over text-generation backends
// and two concrete implementations: a direct OpenAI client and a
// LangChainGo-backed client for locally hosted models.
package llm

import "context"

// Params controls one generation call. Nil fields take the backend's
// own default.
type Params struct {
	Temperature *float32
	TopP        *float32
	MaxTokens   *int
	Stop        []string
}

// Client generates text completions from a prompt.
type Client interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, params Params) (string, error)
}
