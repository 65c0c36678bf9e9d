// Package logging configures the process-wide structured logger. The
// threshold lives in a shared LevelVar so the configuration file can
// adjust it after the early-boot logger already exists.
package logging

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
)

var threshold slog.LevelVar

// renames maps slog's default keys onto the field names the log
// pipeline indexes on.
var renames = map[string]string{
	slog.TimeKey:    "timestamp",
	slog.LevelKey:   "severity",
	slog.MessageKey: "message",
}

// Setup builds the JSON logger for the service and installs it as the
// slog default. The MESHPAY_LOG_LEVEL environment variable seeds the
// threshold for messages emitted before the configuration file is
// read; SetLevel adjusts it afterwards.
func Setup(service, env string) *slog.Logger {
	if name := os.Getenv("MESHPAY_LOG_LEVEL"); name != "" {
		if err := SetLevel(name); err != nil {
			fmt.Fprintf(os.Stderr, "MESHPAY_LOG_LEVEL ignored: %v\n", err)
		}
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       &threshold,
		ReplaceAttr: renameAttr,
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}

	base := slog.New(handler).With(args...)
	slog.SetDefault(base)

	// Bridge the standard library logger so third-party packages keep
	// emitting structured lines.
	bridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// SetLevel applies a named threshold to every logger Setup produced.
// Recognised names are debug, info, warn and error; an empty name
// means info.
func SetLevel(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		threshold.Set(slog.LevelDebug)
	case "", "info":
		threshold.Set(slog.LevelInfo)
	case "warn", "warning":
		threshold.Set(slog.LevelWarn)
	case "error":
		threshold.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level %q", name)
	}
	return nil
}

func renameAttr(groups []string, attr slog.Attr) slog.Attr {
	name, ok := renames[attr.Key]
	if !ok {
		return attr
	}
	if attr.Key == slog.LevelKey {
		return slog.String(name, strings.ToUpper(attr.Value.String()))
	}
	attr.Key = name
	return attr
}
