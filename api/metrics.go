package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "task-api/api"
	tasksSpanName      = "tasks.request"
	tasksEventName     = "tasks.request.completed"
	tasksEventDomain   = "tasks"
	observabilityEvent = "observability.event"
)

type requestMetrics struct {
	logger        *log.Logger
	span          trace.Span
	start         time.Time
	operation     string
	route         string
	method        string
	storeDuration time.Duration
	taskID        string
	tasksReturned int
	errorStage    string
	err           error
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, operation, route, method string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, tasksSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger:        logger,
		span:          span,
		start:         time.Now(),
		operation:     operation,
		route:         route,
		method:        method,
		tasksReturned: -1,
	}, ctx
}

func (m *requestMetrics) ObserveStore(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.storeDuration = duration
}

func (m *requestMetrics) SetTaskID(id string) {
	m.taskID = id
}

func (m *requestMetrics) SetTasksReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// RecordError keeps an error that was answered with a response rather than
// returned to echo, so it still marks the span as failed.
func (m *requestMetrics) RecordError(err error) {
	if err != nil {
		m.err = err
	}
}

// Log ends the span and writes the matching observability.event entry.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.err
	}
	severityText, severityNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.String("http.method", m.method),
		attribute.Int("http.status_code", status),
		attribute.String("tasks.operation", m.operation),
		attribute.Float64("tasks.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64("tasks.store_ms", durationToMillis(m.storeDuration)))
	}
	if m.taskID != "" {
		attrs = append(attrs, attribute.String("tasks.id", m.taskID))
	}
	if m.tasksReturned >= 0 {
		attrs = append(attrs, attribute.Int("tasks.returned", m.tasksReturned))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("tasks.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", tasksEventName),
			attribute.String("event.domain", tasksEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, attrs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))

		switch {
		case err != nil:
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		case status < http.StatusBadRequest:
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      tasksEventName,
		"event.domain":    tasksEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attributesToFields(attrs),
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	switch severityNumber {
	case severityError:
		entry.Error(observabilityEvent)
	case severityWarn:
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

const (
	severityInfo  = 9
	severityWarn  = 13
	severityError = 17
)

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", severityError
	case status >= http.StatusBadRequest:
		return "WARN", severityWarn
	default:
		return "INFO", severityInfo
	}
}

func attributesToFields(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
