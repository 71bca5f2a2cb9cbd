package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRequestMetricsLogProducesObservabilityEvent(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetFormatter(&log.JSONFormatter{})

	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newRequestMetrics(context.Background(), logger, "index", "/tasks", http.MethodGet)
	metrics.start = metrics.start.Add(-50 * time.Millisecond)
	metrics.ObserveStore(15 * time.Millisecond)
	metrics.SetTasksReturned(3)

	metrics.Log(http.StatusOK, nil)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Message != observabilityEvent {
		t.Fatalf("unexpected entry: %#v", entry)
	}
	if entry.Data["event.name"] != tasksEventName || entry.Data["event.domain"] != tasksEventDomain {
		t.Fatalf("unexpected event identity: %v", entry.Data)
	}
	attrs, ok := entry.Data["attributes"].(map[string]any)
	if !ok {
		t.Fatalf("attributes not logged as map: %#v", entry.Data["attributes"])
	}
	if attrs["http.route"] != "/tasks" || attrs["tasks.operation"] != "index" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
	if attrs["tasks.returned"] != int64(3) {
		t.Fatalf("unexpected tasks returned: %#v", attrs["tasks.returned"])
	}
	if total, ok := attrs["tasks.total_ms"].(float64); !ok || total < 50 {
		t.Fatalf("expected total_ms >= 50, got %#v", attrs["tasks.total_ms"])
	}
	if entry.Data["severity_text"] != "INFO" || entry.Data["severity_number"] != severityInfo {
		t.Fatalf("unexpected severity: %v/%v", entry.Data["severity_text"], entry.Data["severity_number"])
	}
	if traceID, ok := entry.Data["trace_id"].(string); !ok || traceID == "" {
		t.Fatalf("expected trace_id to be recorded, got %#v", entry.Data["trace_id"])
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != tasksSpanName {
		t.Fatalf("unexpected span name: %s", span.Name)
	}
	spanAttrs := attributesToMap(span.Attributes)
	if code, ok := spanAttrs["http.status_code"].(int64); !ok || code != int64(http.StatusOK) {
		t.Fatalf("unexpected http.status_code on span: %#v", spanAttrs["http.status_code"])
	}
	if _, exists := spanAttrs["tasks.error_stage"]; exists {
		t.Fatalf("expected no error stage, got %#v", spanAttrs["tasks.error_stage"])
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("expected span status Ok, got %v", span.Status.Code)
	}

	event := findEvent(t, span.Events)
	eventAttrs := attributesToMap(event.Attributes)
	if eventAttrs["event.name"] != tasksEventName || eventAttrs["severity_text"] != "INFO" {
		t.Fatalf("unexpected span event attributes: %v", eventAttrs)
	}
}

func TestRequestMetricsLogWithErrorSetsSpanStatus(t *testing.T) {
	logger, hook := test.NewNullLogger()

	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	metrics, _ := newRequestMetrics(context.Background(), logger, "store", "/tasks", http.MethodPost)
	metrics.SetErrorStage("storage")
	boom := errors.New("storage failure")
	metrics.RecordError(boom)

	metrics.Log(http.StatusInternalServerError, nil)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}
	if hook.LastEntry().Level != log.ErrorLevel {
		t.Fatalf("expected error level, got %v", hook.LastEntry().Level)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error || span.Status.Description == "" {
		t.Fatalf("expected error status with description, got %+v", span.Status)
	}
	attrs := attributesToMap(findEvent(t, span.Events).Attributes)
	if attrs["severity_text"] != "ERROR" {
		t.Fatalf("unexpected severity_text for error: %#v", attrs["severity_text"])
	}
	if attrs["tasks.error_stage"] != "storage" {
		t.Fatalf("expected error stage attribute propagated, got %#v", attrs["tasks.error_stage"])
	}
	if attrs["error.message"] != boom.Error() {
		t.Fatalf("expected error.message attribute, got %#v", attrs["error.message"])
	}
}

func TestInstrumentedRouteRecordsSpan(t *testing.T) {
	_, exporter, restore := setupTestTracer(t)
	defer restore()

	logger, hook := test.NewNullLogger()
	e := echo.New()
	Register(e, &mockStore{}, nil, logger, Options{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := attributesToMap(spans[0].Attributes)
	if attrs["http.route"] != "/tasks/:id" || attrs["tasks.id"] != "unknown" || attrs["tasks.error_stage"] != "not_found" {
		t.Fatalf("unexpected span attributes: %v", attrs)
	}
	if spans[0].Status.Code != codes.Unset {
		t.Fatalf("client errors leave the span status unset, got %v", spans[0].Status.Code)
	}

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == observabilityEvent && entry.Level == log.WarnLevel {
			warned = true
		}
	}
	if !warned {
		t.Fatal("expected a WARN observability event for a 404")
	}
}

func TestSeverityForStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		err        error
		wantText   string
		wantNumber int
	}{
		{name: "ok", status: http.StatusOK, wantText: "INFO", wantNumber: 9},
		{name: "created", status: http.StatusCreated, wantText: "INFO", wantNumber: 9},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, wantText: "WARN", wantNumber: 13},
		{name: "error", status: http.StatusInternalServerError, wantText: "ERROR", wantNumber: 17},
		{name: "errorFromErr", status: 0, err: errors.New("error"), wantText: "ERROR", wantNumber: 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotText, gotNumber := severityForStatus(tt.status, tt.err)
			if gotText != tt.wantText || gotNumber != tt.wantNumber {
				t.Fatalf("severityForStatus(%d, %v) = %s/%d, want %s/%d", tt.status, tt.err, gotText, gotNumber, tt.wantText, tt.wantNumber)
			}
		})
	}
}

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	cleanup := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	}
	return tp, exporter, cleanup
}

func findEvent(t *testing.T, events []sdktrace.Event) sdktrace.Event {
	t.Helper()
	for _, ev := range events {
		if ev.Name == observabilityEvent {
			return ev
		}
	}
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	t.Fatalf("expected %s span event, got [%s]", observabilityEvent, strings.Join(names, ", "))
	return sdktrace.Event{}
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}
