/*
Package telemetry wires OpenTelemetry tracing and metrics into the
deliberation core's ambient observability stack.

OTelProvider implements core.Telemetry/core.Span around the standard
go.opentelemetry.io/otel SDK, used to wrap model runtime calls and each
pipeline step in a span. MetricInstruments caches the counter/histogram/
gauge instruments the pipeline and model slot emit against (modelslot
load attempts, agent think-cycle duration).

RateLimiter throttles repeated error log lines so a stuck model runtime
doesn't flood output. The trace_context helpers propagate a run's
trace_id through context.Context so every span and log line for a single
pipeline run can be correlated.

Telemetry is optional: every component accepts a core.Telemetry and
falls back to core.NoOpTelemetry when none is configured.
*/
package telemetry
