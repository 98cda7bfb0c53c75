package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-lector/internal/config"
	"github.com/loqalabs/loqa-lector/internal/playback"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMetricsHandlerExposesOtelInstruments(t *testing.T) {
	shutdown, handler, err := setupTelemetry(config.Default(), testLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	counter, err := otel.Meter("test").Int64Counter("lector.test.events", metric.WithDescription("test counter"))
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "lector_test_events") {
		t.Fatalf("otel counter missing from scrape:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatal("go collector missing from scrape")
	}
}

func TestBuildComponentsFromDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Capture.Mode = "disabled"
	comps, err := buildComponents(cfg, testLogger())
	if err != nil {
		t.Fatalf("build components: %v", err)
	}
	if comps.Source != nil {
		t.Fatal("disabled capture must not configure a source")
	}
	if comps.Transcriber == nil || comps.Enhancer == nil || comps.Speaker == nil || comps.Decoder == nil {
		t.Fatalf("missing backend in %+v", comps)
	}
	if _, ok := comps.Output.(*playback.MixerOutput); !ok {
		t.Fatalf("unexpected output %T", comps.Output)
	}
}

func TestBuildComponentsRejectsUnknownModes(t *testing.T) {
	cfg := config.Default()
	cfg.Capture.Mode = "telepathy"
	if _, err := buildComponents(cfg, testLogger()); err == nil {
		t.Fatal("expected unknown capture mode error")
	}
	cfg = config.Default()
	cfg.STT.Mode = "oracle"
	if _, err := buildComponents(cfg, testLogger()); err == nil {
		t.Fatal("expected unknown stt mode error")
	}
}
