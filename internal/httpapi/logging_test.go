package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingMiddlewareCountsErrors(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := LoggingMiddleware(zap.New(core), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	totalBefore := requestsTotal.Value()
	errorsBefore := requestsErrors.Value()

	for _, path := range []string{"/ok", "/missing"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Request-ID", "req-9")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	if got := requestsTotal.Value() - totalBefore; got != 2 {
		t.Fatalf("expected 2 requests counted, got %d", got)
	}
	if got := requestsErrors.Value() - errorsBefore; got != 1 {
		t.Fatalf("expected 1 error counted, got %d", got)
	}
	entries := logs.FilterField(zap.String("request_id", "req-9")).All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 request log entries, got %d", len(entries))
	}
	if entries[1].ContextMap()["status"] != int64(http.StatusNotFound) {
		t.Fatalf("expected logged 404, got %v", entries[1].ContextMap()["status"])
	}
}
