package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tevino/abool"
)

// Severity is a log level.
type Severity uint32

// Log levels.
const (
	TraceLevel Severity = iota + 1
	DebugLevel
	InfoLevel
	WarningLevel
	ErrorLevel
	CriticalLevel
)

// Additional slog levels.
const (
	LevelTrace    = slog.LevelDebug - 4
	LevelCritical = slog.LevelError + 4
)

const (
	timeFormat = "060102 15:04:05.000"

	// logRetention is how long log files are kept.
	logRetention = 30 * 24 * time.Hour
)

// severities maps the log levels to their slog levels and names, ordered by
// severity.
var severities = []struct {
	severity Severity
	level    slog.Level
	name     string
}{
	{TraceLevel, LevelTrace, "trace"},
	{DebugLevel, slog.LevelDebug, "debug"},
	{InfoLevel, slog.LevelInfo, "info"},
	{WarningLevel, slog.LevelWarn, "warning"},
	{ErrorLevel, slog.LevelError, "error"},
	{CriticalLevel, LevelCritical, "critical"},
}

var (
	// slogLevel is the level of the default handler.
	slogLevel = new(slog.LevelVar)

	initializing = abool.New()
	started      = abool.New()
	shutdown     = abool.New()
)

func (s Severity) toSLogLevel() slog.Level {
	for _, sev := range severities {
		if sev.severity == s {
			return sev.level
		}
	}
	return slog.LevelWarn
}

// Name returns the name of the log level.
func (s Severity) Name() string {
	for _, sev := range severities {
		if sev.severity == s {
			return sev.name
		}
	}
	return "none"
}

// ParseLevel returns the log level with the given name, or 0.
func ParseLevel(level string) Severity {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warn" {
		return WarningLevel
	}
	for _, sev := range severities {
		if sev.name == level {
			return sev.severity
		}
	}
	return 0
}

// GetLogLevel returns the current log level.
func GetLogLevel() Severity {
	current := slogLevel.Level()
	for _, sev := range severities {
		if current <= sev.level {
			return sev.severity
		}
	}
	return CriticalLevel
}

// SetLogLevel changes the log level immediately.
func SetLogLevel(level Severity) {
	slogLevel.Set(level.toSLogLevel())
}

// IsStarted reports whether Start was called.
func IsStarted() bool {
	return started.IsSet()
}

// Start sets up the default logger. Logs go to stdout, or to a new file in
// logDir if one is given and logToStdout is false. Invalid levels fall back
// to info. Only the first call has an effect.
func Start(level string, logToStdout bool, logDir string) error {
	if !initializing.SetToIf(false, true) {
		return nil
	}

	severity := InfoLevel
	if level != "" {
		if severity = ParseLevel(level); severity == 0 {
			fmt.Fprintf(os.Stderr, "log warning: invalid log level %q, falling back to level info\n", level)
			severity = InfoLevel
		}
	}

	if logToStdout || logDir == "" {
		GlobalWriter = NewStdoutWriter()
	} else {
		w, err := NewFileWriter(logDir)
		if err != nil {
			return fmt.Errorf("failed to initialize log file: %w", err)
		}
		GlobalWriter = w
	}

	SetLogLevel(severity)
	setupSLog(GlobalWriter)
	started.Set()

	if !GlobalWriter.IsStdout() {
		if err := CleanOldLogs(logDir, logRetention); err != nil {
			Errorf("log: failed to clean old log files: %s", err)
		}
	}
	return nil
}

// Shutdown closes the log file, if any.
func Shutdown() {
	if shutdown.SetToIf(false, true) {
		GlobalWriter.Close()
	}
}
