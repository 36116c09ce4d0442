package logging

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger(t *testing.T, level string, maxHistory int) *Logger {
	t.Helper()
	l, err := New(&Config{LogDir: t.TempDir(), Level: level, MaxHistory: maxHistory})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	l.Clear()
	return l
}

func TestLogger_WritesFileAndHistory(t *testing.T) {
	l := newLogger(t, "debug", 10)

	l.Info("tracker", "pointer bound", map[string]any{"b": 2, "a": 1})
	l.Error("clip", "clip failed", errors.New("no tracks"), nil)

	hist := l.GetHistory(0)
	require.Len(t, hist, 2)
	assert.Equal(t, "info", hist[0].Level)
	assert.Equal(t, "tracker", hist[0].Component)
	assert.Equal(t, "pointer bound", hist[0].Message)
	assert.Equal(t, "a=1, b=2", hist[0].Data)
	assert.Equal(t, "error", hist[1].Level)
	assert.Equal(t, "error=no tracks", hist[1].Data)

	data, err := os.ReadFile(l.LogPath())
	require.NoError(t, err)
	assert.Equal(t, FileName, filepath.Base(l.LogPath()))
	assert.Contains(t, string(data), `"component":"tracker"`)
	assert.Contains(t, string(data), `"app":"cortexrig"`)
}

func TestLogger_ComponentLoggersFeedHistory(t *testing.T) {
	l := newLogger(t, "debug", 10)

	zl := l.Zerolog().With().Str("component", "override").Logger()
	zl.Debug().Str("control", "ParamA").Msg("unknown control skipped")

	hist := l.GetHistory(1)
	require.Len(t, hist, 1)
	assert.Equal(t, "override", hist[0].Component)
	assert.Equal(t, "control=ParamA", hist[0].Data)
}

func TestLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  int
	}{
		{"debug", 4},
		{"info", 3},
		{"WARN", 2},
		{"error", 1},
		{"bogus", 3},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l := newLogger(t, tt.level, 10)
			l.Debug("c", "d", nil)
			l.Info("c", "i", nil)
			l.Warn("c", "w", nil)
			l.Error("c", "e", nil, nil)
			assert.Len(t, l.GetHistory(0), tt.want)
		})
	}
}

func TestLogger_HistoryBounded(t *testing.T) {
	l := newLogger(t, "info", 3)
	for _, msg := range []string{"one", "two", "three", "four", "five"} {
		l.Info("c", msg, nil)
	}

	hist := l.GetHistory(0)
	require.Len(t, hist, 3)
	var msgs []string
	for _, e := range hist {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, "three four five", strings.Join(msgs, " "))
	assert.Len(t, l.GetHistory(2), 2)
}
