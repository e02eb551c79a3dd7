package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracerExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := InitTracer("conveyor-test", true, &buf, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "advance")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"Name":"advance"`) {
		t.Errorf("exported spans missing advance span: %s", out)
	}
	if !strings.Contains(out, "conveyor-test") {
		t.Errorf("exported spans missing service name: %s", out)
	}
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer("conveyor-test", false, nil, slog.Default())
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
