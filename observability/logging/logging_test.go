package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { threshold.Set(slog.LevelInfo) })

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for name, want := range cases {
		require.NoError(t, SetLevel(name), "level %q", name)
		require.Equal(t, want, threshold.Level(), "level %q", name)
	}

	require.Error(t, SetLevel("verbose"))
}

func TestRenameAttr(t *testing.T) {
	attr := renameAttr(nil, slog.String(slog.MessageKey, "hello"))
	require.Equal(t, "message", attr.Key)

	attr = renameAttr(nil, slog.Any(slog.LevelKey, slog.LevelWarn))
	require.Equal(t, "severity", attr.Key)
	require.Equal(t, "WARN", attr.Value.String())

	attr = renameAttr(nil, slog.String("operator", "alice"))
	require.Equal(t, "operator", attr.Key)
}
