package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromMask(t *testing.T) {
	tests := []struct {
		mask int
		want slog.Level
	}{
		{0, slog.LevelError},
		{MaskWarning, slog.LevelWarn},
		{MaskWarning | MaskViolation, slog.LevelWarn},
		{MaskWarning | MaskViolation | MaskInfo, slog.LevelInfo},
		{MaskWarning | MaskMagic, slog.LevelDebug},
		{MaskAllSyscalls, slog.LevelDebug},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFromMask(tt.mask), "mask %#x", tt.mask)
	}
}

func TestConsoleLevel(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutputs(&LoggerOpts{LogLevel: slog.LevelWarn, Console: &buf})
	log := slog.New(out)

	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	out.SetConsoleLevel(MaskWarning | MaskInfo)
	log.Info("now shown")
	assert.Contains(t, buf.String(), "now shown")
}

func TestFileOutput(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutputs(&LoggerOpts{LogLevel: slog.LevelError, LogFormat: LogJSON, Console: &buf})
	log := slog.New(out).With(slog.String("run", "test"))

	path := filepath.Join(t.TempDir(), "sydbox.log")
	require.NoError(t, out.SetFile(path))
	out.SetLevel(MaskWarning | MaskViolation)

	// Loggers derived before the file was set write to it.
	log.Warn("access violation", slog.Int("tid", 42))
	require.NoError(t, out.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"access violation"`)
	assert.Contains(t, string(data), `"run":"test"`)
	assert.Contains(t, string(data), `"tid":42`)
	assert.Empty(t, buf.String())
}

func TestSetFileError(t *testing.T) {
	out := NewOutputs(&LoggerOpts{Console: &bytes.Buffer{}})
	assert.Error(t, out.SetFile(filepath.Join(t.TempDir(), "missing", "sydbox.log")))
}
