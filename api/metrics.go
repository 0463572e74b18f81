package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// requestMetrics accumulates per-stage timings for one canvas request and
// emits them as a structured log entry plus an otel span on completion.
type requestMetrics struct {
	logger         *log.Logger
	route          string
	span           trace.Span
	start          time.Time
	authDuration   time.Duration
	engineDuration time.Duration
	encodeDuration time.Duration
	nodesReturned  int
	errorStage     string
}

// newRequestMetrics starts a span for the request and returns the metrics
// collector plus the span-carrying context (nil when no tracer is set up).
func newRequestMetrics(ctx context.Context, route string, logger *log.Logger) (*requestMetrics, context.Context) {
	m := &requestMetrics{
		logger: logger,
		route:  route,
		start:  time.Now(),
	}
	spanCtx, span := otel.Tracer("canvas-api/api").Start(ctx, route)
	m.span = span
	return m, spanCtx
}

func (m *requestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *requestMetrics) ObserveEngine(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.engineDuration = duration
}

func (m *requestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *requestMetrics) SetNodesReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.nodesReturned = count
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log finishes the span and writes one structured entry for the request.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	if m.span != nil {
		m.span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Int("canvas.nodes_returned", m.nodesReturned),
		)
		if m.errorStage != "" {
			m.span.SetAttributes(attribute.String("canvas.error_stage", m.errorStage))
		}
		if err != nil {
			m.span.SetStatus(codes.Error, err.Error())
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":          m.route,
		"status":         status,
		"total_ms":       durationToMillis(time.Since(m.start)),
		"nodes_returned": m.nodesReturned,
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.engineDuration > 0 {
		fields["engine_ms"] = durationToMillis(m.engineDuration)
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("canvas.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
