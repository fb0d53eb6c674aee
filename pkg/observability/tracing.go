/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies the core's spans in whatever otel pipeline the
// process is configured with (console exporter in dev, OTLP in prod;
// wiring the exporter is the operator's concern, not this package's).
const TracerName = "github.com/jordigilh/selfheal"

// Span starts a span around one of the blocking suspension points:
// metadata store reads/writes, lineage graph rebuilds, schema registry
// export, model inference calls, and engine apply(). Call the returned
// End func with the operation's error (nil on success) when the
// suspension point resolves.
//
// Span uses the global otel.Tracer, so it works with no setup (a
// no-op tracer) and picks up a real provider once main() calls
// otel.SetTracerProvider.
func Span(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, operation, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
