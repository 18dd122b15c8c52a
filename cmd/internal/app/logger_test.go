package app

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: " error ", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, parseLogLevel(tc.in), "parseLogLevel(%q)", tc.in)
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Parallel()

	var js bytes.Buffer
	newLogger(&js, "info", "json", false).Info("engine.start", "history_limit", 50)
	require.Contains(t, js.String(), `"msg":"engine.start"`)
	require.Contains(t, js.String(), `"source":`)

	var pretty bytes.Buffer
	newLogger(&pretty, "info", "pretty", false).Info("engine.start", "history_limit", 50)
	require.Contains(t, pretty.String(), "msg=engine.start")
	require.Contains(t, pretty.String(), "history_limit=50")
	require.Contains(t, pretty.String(), "src=logger_test.go:")

	var quiet bytes.Buffer
	newLogger(&quiet, "error", "json", false).Warn("ignored")
	require.Zero(t, quiet.Len())
}
