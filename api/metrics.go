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

const (
	tracerName         = "tracktime-api/api"
	observabilityEvent = "observability.event"
	eventDomain        = "tracktime"

	tasksSpanName   = "api.tasks"
	tasksEventName  = "tasks.request"
	tasksRoute      = "/api/tasks"
	tasksAttrPrefix = "tracktime.tasks."

	historySpanName   = "api.history"
	historyEventName  = "history.request"
	historyRoute      = "/api/history"
	historyAttrPrefix = "tracktime.history."
)

// requestMetrics collects per-request timings for the two read-heavy
// routes and emits them twice on Log: as a structured logrus event and as
// attributes on an otel span.
type requestMetrics struct {
	logger *log.Logger
	span   trace.Span

	route     string
	eventName string
	prefix    string

	start          time.Time
	authDuration   time.Duration
	fetchDuration  time.Duration
	encodeDuration time.Duration
	itemsReturned  int
	errorStage     string
}

func newTaskRequestMetrics(ctx context.Context, logger *log.Logger) (*requestMetrics, context.Context) {
	return newRequestMetrics(ctx, logger, tasksRoute, tasksSpanName, tasksEventName, tasksAttrPrefix)
}

func newHistoryRequestMetrics(ctx context.Context, logger *log.Logger) (*requestMetrics, context.Context) {
	return newRequestMetrics(ctx, logger, historyRoute, historySpanName, historyEventName, historyAttrPrefix)
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route, spanName, eventName, prefix string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	return &requestMetrics{
		logger:    logger,
		span:      span,
		route:     route,
		eventName: eventName,
		prefix:    prefix,
		start:     time.Now(),
	}, spanCtx
}

func (m *requestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *requestMetrics) ObserveFetch(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.fetchDuration = duration
}

func (m *requestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *requestMetrics) SetItemsReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.itemsReturned = count
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log finishes the request: one logrus observability event, the matching
// span event, span status, and span end.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	totalMs := durationToMillis(time.Since(m.start))
	attrs := map[string]any{
		"http.route":                 m.route,
		"http.status_code":           status,
		m.prefix + "total_ms":        totalMs,
		m.prefix + "items_returned":  m.itemsReturned,
	}
	if m.authDuration > 0 {
		attrs[m.prefix+"auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.fetchDuration > 0 {
		attrs[m.prefix+"fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.encodeDuration > 0 {
		attrs[m.prefix+"encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		attrs[m.prefix+"error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	severityText, severityNumber := severityForStatus(status, err)

	fields := log.Fields{
		"event.name":      m.eventName,
		"event.domain":    eventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		sc := m.span.SpanContext()
		if sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
		if sc.HasSpanID() {
			fields["span_id"] = sc.SpanID().String()
		}
	}
	m.logger.WithFields(fields).Info(observabilityEvent)

	if m.span == nil {
		return
	}

	spanAttrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int64("http.status_code", int64(status)),
		attribute.Float64(m.prefix+"total_ms", totalMs),
		attribute.Int(m.prefix+"items_returned", m.itemsReturned),
	}
	if m.errorStage != "" {
		spanAttrs = append(spanAttrs, attribute.String(m.prefix+"error_stage", m.errorStage))
	}
	m.span.SetAttributes(spanAttrs...)

	eventAttrs := []attribute.KeyValue{
		attribute.String("event.name", m.eventName),
		attribute.String("event.domain", eventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
		attribute.Float64(m.prefix+"total_ms", totalMs),
	}
	if m.errorStage != "" {
		eventAttrs = append(eventAttrs, attribute.String(m.prefix+"error_stage", m.errorStage))
	}
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}
	m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))

	if err != nil || status >= 500 {
		desc := m.errorStage
		if err != nil {
			desc = err.Error()
		}
		m.span.SetStatus(codes.Error, desc)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= 500:
		return "ERROR", 17
	case status >= 400:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
