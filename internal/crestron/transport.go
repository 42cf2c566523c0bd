package crestron

import (
	"log/slog"
	"net/http"
	"time"
)

// LoggingTransport wraps an http.RoundTripper and logs requests and responses.
// Auth headers are never logged.
type LoggingTransport struct {
	Base   http.RoundTripper
	Logger *slog.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Logger == nil {
		return base.RoundTrip(req)
	}

	start := time.Now()
	t.Logger.LogAttrs(req.Context(), slog.LevelDebug, "crestron_request",
		slog.String("method", req.Method),
		slog.String("url", req.URL.String()),
	)

	resp, err := base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		t.Logger.LogAttrs(req.Context(), slog.LevelDebug, "crestron_error",
			slog.String("method", req.Method),
			slog.String("url", req.URL.String()),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return resp, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 500 {
		level = slog.LevelWarn
	}
	t.Logger.LogAttrs(req.Context(), level, "crestron_response",
		slog.String("method", req.Method),
		slog.String("url", req.URL.String()),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", duration),
	)
	return resp, nil
}
