package log

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for _, level := range []Severity{TraceLevel, DebugLevel, InfoLevel, WarningLevel, ErrorLevel, CriticalLevel} {
		assert.Equal(t, level, ParseLevel(level.Name()))
	}
	assert.Equal(t, WarningLevel, ParseLevel(" WARN "))
	assert.Equal(t, Severity(0), ParseLevel("verbose"))
	assert.Equal(t, "none", Severity(0).Name())
}

func TestLogLevelRoundTrip(t *testing.T) { //nolint:paralleltest // Changes the global level.
	previous := GetLogLevel()
	defer SetLogLevel(previous)

	for _, level := range []Severity{TraceLevel, DebugLevel, InfoLevel, WarningLevel, ErrorLevel, CriticalLevel} {
		SetLogLevel(level)
		assert.Equal(t, level, GetLogLevel())
	}
}

func TestHandlerOutput(t *testing.T) { //nolint:paralleltest // Changes the global level.
	previous := GetLogLevel()
	defer SetLogLevel(previous)

	buf := &bytes.Buffer{}
	logger := slog.New(newHandler(buf, true))

	SetLogLevel(WarningLevel)
	logger.Info("hidden")
	logger.Warn("visible", "calls", 5)
	logger.Log(context.Background(), LevelCritical, "very visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible calls=5")
	assert.Contains(t, out, "CRT ")
	assert.Contains(t, out, "very visible")

	buf.Reset()
	SetLogLevel(TraceLevel)
	logger.Log(context.Background(), LevelTrace, "tiny step")
	assert.Contains(t, buf.String(), "TRC ")
	assert.Contains(t, buf.String(), "tiny step")
}

func TestLogLineCounters(t *testing.T) { //nolint:paralleltest
	warnings := TotalWarningLogLines()
	errs := TotalErrorLogLines()
	crits := TotalCriticalLogLines()

	Warningf("counted %s", "warning")
	Errorf("counted %s", "error")
	Critical("counted critical")
	Infof("not counted")

	assert.Equal(t, warnings+1, TotalWarningLogLines())
	assert.Equal(t, errs+1, TotalErrorLogLines())
	assert.Equal(t, crits+1, TotalCriticalLogLines())
}

func TestFileWriterAndCleanup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// Create an old log file that must be cleaned up.
	oldName := time.Now().Add(-40*24*time.Hour).UTC().Format(logFileTimeFormat) + ".log"
	require.NoError(t, os.WriteFile(filepath.Join(dir, oldName), []byte("old"), 0o0600))
	// Unrelated files are kept.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o0600))

	w, err := NewFileWriter(dir)
	require.NoError(t, err)
	defer w.Close()
	assert.False(t, w.IsStdout())
	assert.False(t, w.IsTerminal())

	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)

	require.NoError(t, CleanOldLogs(dir, 30*24*time.Hour))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.NotContains(t, names, oldName)
	assert.Contains(t, names, "notes.txt")
	assert.Len(t, names, 2)

	var nilWriter *LogWriter
	_, err = nilWriter.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrWriterNotInitialized)
}
