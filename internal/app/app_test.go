package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestRouterBasics(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	a, err := New(context.Background(), Options{Service: "test-service", Port: "0", NoKafka: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.close)

	var seen trace.SpanContext
	a.Router.Get("/probe/{id}", func(w http.ResponseWriter, r *http.Request) {
		seen = trace.SpanContextFromContext(r.Context())
	})

	for path, want := range map[string]int{"/healthz": http.StatusOK, "/readyz": http.StatusOK, "/missing": http.StatusNotFound} {
		rec := httptest.NewRecorder()
		a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, want)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/probe/1", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	a.Router.ServeHTTP(httptest.NewRecorder(), req)
	if seen.TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("trace id = %s, want the caller's", seen.TraceID())
	}

	a.Router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/probe/2", nil))
	if !seen.IsValid() {
		t.Fatal("request without traceparent got no span")
	}
}
