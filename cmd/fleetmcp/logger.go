package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/ggoodman/fleetmcp/config"
	"github.com/ggoodman/fleetmcp/internal/logctx"
	"github.com/lmittmann/tint"
)

// newLogger builds the process logger. Every format is wrapped so records
// carry the request, session and rpc groups found in the context.
func newLogger(w io.Writer, cfg config.Config) (*slog.Logger, error) {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var h slog.Handler
	switch cfg.LogFormat {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case "text":
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	case "pretty":
		h = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: "[15:04:05.000]",
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}
