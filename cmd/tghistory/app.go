package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/leonletto/tghistory/internal/cli"
	"github.com/leonletto/tghistory/internal/config"
	"github.com/leonletto/tghistory/internal/session"
	"github.com/leonletto/tghistory/internal/supervisor"
)

// newLogger builds the process logger. Logs go to a file by default so they
// do not interleave with the menu on stdout; "-" selects stderr.
func newLogger(cfg config.LogConfig) (*slog.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.File != "" && cfg.File != "-" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // G304 - path from config
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		closeFn()
		return nil, nil, fmt.Errorf("unknown log.format: %s", cfg.Format)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, closeFn, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log.level: %s", s)
	}
}

// stopBackend terminates telegram-cli at the end of a session unless the
// user asked to keep it.
func stopBackend(cfg *config.Config, handle *supervisor.BackendHandle, logger *slog.Logger) {
	if cfg.KeepBackend {
		logger.Info("leaving backend running", "pid", handle.PID, "port", handle.Port)
		return
	}
	if err := supervisor.Stop(handle, supervisor.DefaultStopTimeout); err != nil {
		logger.Warn("failed to stop backend", "pid", handle.PID, "error", err)
		return
	}
	logger.Info("backend stopped", "pid", handle.PID)
}

// outcomeAction adapts an orchestrator action to a menu action and logs
// what it did.
func outcomeAction(run func(context.Context) (session.Outcome, error), logger *slog.Logger) cli.Action {
	return func(ctx context.Context) error {
		out, err := run(ctx)
		if out.Dialog.ID != "" {
			logger.Info("action finished",
				"dialog", out.Dialog.ID,
				"state", out.State,
				"messages", out.Messages,
				"selected", out.Selected,
				"file", out.File,
				"deleted", out.Deleted,
				"failed", out.Failed,
				"skipped", out.Skipped)
		}
		return err
	}
}
