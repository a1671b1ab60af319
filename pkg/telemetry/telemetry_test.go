package telemetry

import (
	"context"
	"log/slog"
	"os"
	"testing"
)

func TestInit_NoEndpoint(t *testing.T) {
	os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	shutdown, err := Init(context.Background(), "test-service", "v0.0.1")
	if err != nil {
		t.Fatalf("Init() with no endpoint should not error, got: %v", err)
	}
	shutdown(context.Background())
}

func TestInit_NoEndpoint_ReturnsNoopShutdown(t *testing.T) {
	os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	shutdown, _ := Init(context.Background(), "test-service", "v0.0.1")

	// Calling shutdown multiple times should be safe.
	shutdown(context.Background())
	shutdown(context.Background())
}

func TestSlogLevelToOtel(t *testing.T) {
	debug := slogLevelToOtel(slog.LevelDebug)
	info := slogLevelToOtel(slog.LevelInfo)
	warn := slogLevelToOtel(slog.LevelWarn)
	errLevel := slogLevelToOtel(slog.LevelError)

	if !(debug < info && info < warn && warn < errLevel) {
		t.Fatalf("expected strictly increasing severities, got debug=%v info=%v warn=%v error=%v",
			debug, info, warn, errLevel)
	}
}
