// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/klados-io/klados-cluster"

// Span names the coordinator places spans under. Kept as named
// constants so callers and dashboards agree on the exact string.
const (
	SpanSearch                = "cluster.search"
	SpanFallbackSemantic      = "cluster.fallback.semantic"
	SpanFallbackLexicographic = "cluster.fallback.lexicographic"
	SpanDescribeLLMCall       = "describe.llm_call"
)

// Tracer returns the coordinator's tracer, drawing from whatever
// TracerProvider Init registered globally (or the no-op provider if
// Init was never called).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span with name under ctx and returns the updated
// context alongside a finish func that records err (if any) on the
// span before ending it.
func StartSpan(ctx context.Context, name string) (context.Context, func(err error)) {
	ctx, span := Tracer().Start(ctx, name)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
