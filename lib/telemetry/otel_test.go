package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/derivkit/derivws/config"
)

func TestParseEndpoint(t *testing.T) {
	host, insecure, err := parseEndpoint("https://example.com:4318")
	if err != nil {
		t.Fatalf("parseEndpoint: %v", err)
	}
	if host != "example.com:4318" || insecure {
		t.Fatalf("host=%q insecure=%v", host, insecure)
	}

	host, insecure, err = parseEndpoint("http://localhost:4318")
	if err != nil {
		t.Fatalf("parseEndpoint: %v", err)
	}
	if host != "localhost:4318" || !insecure {
		t.Fatalf("host=%q insecure=%v", host, insecure)
	}
}

func TestInitNoEndpointUsesNoop(t *testing.T) {
	mp, shutdown, err := Init(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if mp == nil || shutdown == nil {
		t.Fatal("nil provider or shutdown")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitInvalidEndpoint(t *testing.T) {
	if _, _, err := Init(context.Background(), config.TelemetryConfig{OTLPEndpoint: "://bad"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestInitWithEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mp, shutdown, err := Init(context.Background(), config.TelemetryConfig{OTLPEndpoint: srv.URL, ServiceName: "derivws-test"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if mp == nil {
		t.Fatal("nil provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
