package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/fivediag/config"
)

func TestSetupTelemetryServesPrometheus(t *testing.T) {
	ctx := context.Background()
	tel, err := SetupTelemetry(ctx, config.TelemetryConfig{}, TelemetryOptions{ServiceName: "fivediag-test"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() { _ = tel.Shutdown(ctx) }()

	counter, err := tel.Meter().Int64Counter("telemetry_test_total")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(ctx, 2)

	srv := httptest.NewServer(tel.MetricsHandler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "telemetry_test_total") {
		t.Fatalf("expected counter in scrape output")
	}
}
