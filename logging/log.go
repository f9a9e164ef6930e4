// Package logging sets up the process-wide slog logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	slogenv "github.com/cbrewster/slog-env"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Setup configures the default slog logger for a long-running service:
// JSON by default, level from GO_LOG falling back to INFO.
func Setup(service string, globalAttrs ...any) {
	setup(service, slog.LevelInfo, "json", true, globalAttrs...)
}

// SetupForCLI configures the default slog logger for an interactive CLI:
// tinted text by default, level from GO_LOG falling back to defaultLevel.
func SetupForCLI(service string, defaultLevel slog.Level, globalAttrs ...any) {
	setup(service, defaultLevel, "text", false, globalAttrs...)
}

func setup(service string, defaultLevel slog.Level, defaultFormat string, defaultSource bool, globalAttrs ...any) {
	replacer := func(_ []string, a slog.Attr) slog.Attr {
		const prefix = "/T/"
		if a.Key == slog.SourceKey {
			if source, ok := a.Value.Any().(*slog.Source); ok {
				parts := strings.Split(source.File, prefix)
				if len(parts) == 2 {
					source.File = parts[1]
				}
			}
		}
		if err, ok := a.Value.Any().(error); ok {
			aErr := tint.Err(err)
			aErr.Key = a.Key
			return aErr
		}
		return a
	}

	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = defaultFormat
	}

	addSource := defaultSource
	if v := strings.ToLower(os.Getenv("LOG_SOURCE")); v == "true" || v == "1" {
		addSource = true
	}

	opts := slog.HandlerOptions{AddSource: addSource, ReplaceAttr: replacer}
	slogenvOpts := []slogenv.Opt{slogenv.WithDefaultLevel(defaultLevel)}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slogenv.NewHandler(tint.NewHandler(os.Stderr, &tint.Options{
			TimeFormat:  time.TimeOnly,
			ReplaceAttr: opts.ReplaceAttr,
			AddSource:   opts.AddSource,
			NoColor:     !isatty.IsTerminal(os.Stderr.Fd()),
		}), slogenvOpts...)
	case "json":
		handler = slogenv.NewHandler(slog.NewJSONHandler(os.Stderr, &opts), slogenvOpts...)
	default:
		handler = slogenv.NewHandler(slog.NewTextHandler(os.Stderr, &opts), slogenvOpts...)
	}

	logger := slog.New(handler).With("service", service).With(globalAttrs...)
	slog.SetDefault(logger)
	slog.Debug("logging configured", "format", format, "level", logLevelString(defaultLevel))
}

func logLevelString(defaultLevel slog.Level) string {
	if le, ok := os.LookupEnv("GO_LOG"); ok {
		return le
	}
	return defaultLevel.String()
}
