package telemetry

import (
	"context"
	"log/slog"
	"os"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// bridgeHandler is an slog.Handler that forwards every record to stderr
// (preserving normal console behavior) and emits it as an OTel log
// record, mapping slog attributes to OTel structured attributes directly
// rather than parsing them back out of formatted text.
type bridgeHandler struct {
	next   slog.Handler
	logger otellog.Logger
}

func (h *bridgeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *bridgeHandler) Handle(ctx context.Context, r slog.Record) error {
	var rec otellog.Record
	rec.SetTimestamp(r.Time)
	rec.SetBody(otellog.StringValue(r.Message))
	rec.SetSeverity(slogLevelToOtel(r.Level))
	r.Attrs(func(a slog.Attr) bool {
		rec.AddAttributes(otellog.String(a.Key, a.Value.String()))
		return true
	})
	h.logger.Emit(ctx, rec)

	return h.next.Handle(ctx, r)
}

func (h *bridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &bridgeHandler{next: h.next.WithAttrs(attrs), logger: h.logger}
}

func (h *bridgeHandler) WithGroup(name string) slog.Handler {
	return &bridgeHandler{next: h.next.WithGroup(name), logger: h.logger}
}

func slogLevelToOtel(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}

// InstallLogBridge replaces the default slog handler with one that
// forwards every record to both stderr and the OTel LoggerProvider.
// Existing slog.Info/Warn/Error call sites require zero changes.
func InstallLogBridge(lp *sdklog.LoggerProvider) {
	logger := lp.Logger("meshcore.log")
	base := slog.NewTextHandler(os.Stderr, nil)
	slog.SetDefault(slog.New(&bridgeHandler{next: base, logger: logger}))
}
