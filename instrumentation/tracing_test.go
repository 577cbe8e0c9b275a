package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingInstrumentation(t *testing.T) (*Instrumentation, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	inst, err := New(Config{
		Enabled:        true,
		SpanProcessors: []sdktrace.SpanProcessor{recorder},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst, recorder
}

func attrMap(attrs []attribute.KeyValue) map[string]attribute.Value {
	out := make(map[string]attribute.Value, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value
	}
	return out
}

func TestRecordError(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "test-span")
	RecordError(span, errors.New("test error"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", ended[0].Status().Code)
	}
	if len(ended[0].Events()) == 0 {
		t.Error("RecordError() should add an exception event")
	}
}

func TestSetSpanSuccess(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "test-span")
	SetSpanSuccess(span)
	span.End()

	if got := recorder.Ended()[0].Status().Code; got != codes.Ok {
		t.Errorf("status = %v, want Ok", got)
	}
}

func TestAddOAuthFlowAttributes(t *testing.T) {
	tests := []struct {
		name     string
		clientID string
		subject  string
		scope    string
		wantKeys []string
		skipKeys []string
	}{
		{
			name:     "all attributes",
			clientID: "web",
			subject:  "administrator",
			scope:    "openid profile",
			wantKeys: []string{AttrClientID, AttrSubject, AttrScope},
		},
		{
			name:     "empty values omitted",
			clientID: "web",
			wantKeys: []string{AttrClientID},
			skipKeys: []string{AttrSubject, AttrScope},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, recorder := newRecordingInstrumentation(t)

			_, span := inst.Tracer("server").Start(context.Background(), "token")
			AddOAuthFlowAttributes(span, tt.clientID, tt.subject, tt.scope)
			span.End()

			attrs := attrMap(recorder.Ended()[0].Attributes())
			for _, k := range tt.wantKeys {
				if _, ok := attrs[k]; !ok {
					t.Errorf("missing attribute %s", k)
				}
			}
			for _, k := range tt.skipKeys {
				if _, ok := attrs[k]; ok {
					t.Errorf("unexpected attribute %s", k)
				}
			}
		})
	}
}

func TestAddGrantAndUMAAttributes(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "token")
	AddGrantAttributes(span, "urn:ietf:params:oauth:grant-type:uma-ticket")
	AddUMAAttributes(span, "ticket-1", "authorized")
	AddPKCEAttributes(span, "S256")
	span.End()

	attrs := attrMap(recorder.Ended()[0].Attributes())
	if got := attrs[AttrGrantType].AsString(); got != "urn:ietf:params:oauth:grant-type:uma-ticket" {
		t.Errorf("%s = %q", AttrGrantType, got)
	}
	if got := attrs[AttrTicketID].AsString(); got != "ticket-1" {
		t.Errorf("%s = %q", AttrTicketID, got)
	}
	if got := attrs[AttrUMAResult].AsString(); got != "authorized" {
		t.Errorf("%s = %q", AttrUMAResult, got)
	}
	if got := attrs[AttrPKCEMethod].AsString(); got != "S256" {
		t.Errorf("%s = %q", AttrPKCEMethod, got)
	}
}

func TestSpanNesting(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	ctx, outer := inst.Tracer("http").Start(context.Background(), "http.request")
	AddHTTPAttributes(outer, "POST", "/token", 200)

	_, inner := inst.Tracer("storage").Start(ctx, "storage.consume_authorization_code")
	AddStorageAttributes(inner, "consume_authorization_code", "memory")
	inner.End()
	outer.End()

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(ended))
	}
	if ended[0].Parent().SpanID() != ended[1].SpanContext().SpanID() {
		t.Error("storage span should be a child of the http span")
	}
}

func TestNilSafeHelpers_WithNilSpans(t *testing.T) {
	RecordError(nil, errors.New("ignored"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "ignored")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddOAuthFlowAttributes(nil, "c", "s", "scope")
	AddGrantAttributes(nil, "password")
	AddPKCEAttributes(nil, "S256")
	AddUMAAttributes(nil, "t", "r")
	AddStorageAttributes(nil, "op", "memory")
	AddHTTPAttributes(nil, "GET", "/jwks", 200)
}
