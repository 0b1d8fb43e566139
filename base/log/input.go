package log

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"
)

// lineCounts counts the warning, error and critical lines logged through
// this package.
var lineCounts [CriticalLevel + 1]atomic.Uint64

func write(sev Severity, msg string) {
	if sev >= WarningLevel {
		lineCounts[sev].Add(1)
	}

	logger := slog.Default()
	level := sev.toSLogLevel()
	if !logger.Enabled(context.Background(), level) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // runtime.Callers, write, exported function.
	_ = logger.Handler().Handle(context.Background(), slog.NewRecord(time.Now(), level, msg, pcs[0]))
}

// Trace logs tiny steps.
func Trace(msg string) { write(TraceLevel, msg) }

// Tracef logs tiny steps.
func Tracef(format string, things ...any) { write(TraceLevel, fmt.Sprintf(format, things...)) }

// Debug logs details that help when looking into a problem.
func Debug(msg string) { write(DebugLevel, msg) }

// Debugf logs details that help when looking into a problem.
func Debugf(format string, things ...any) { write(DebugLevel, fmt.Sprintf(format, things...)) }

// Info logs significant events.
func Info(msg string) { write(InfoLevel, msg) }

// Infof logs significant events.
func Infof(format string, things ...any) { write(InfoLevel, fmt.Sprintf(format, things...)) }

// Warning logs unexpected events that did not impair functionality.
func Warning(msg string) { write(WarningLevel, msg) }

// Warningf logs unexpected events that did not impair functionality.
func Warningf(format string, things ...any) { write(WarningLevel, fmt.Sprintf(format, things...)) }

// Error logs errors that impaired functionality.
func Error(msg string) { write(ErrorLevel, msg) }

// Errorf logs errors that impaired functionality.
func Errorf(format string, things ...any) { write(ErrorLevel, fmt.Sprintf(format, things...)) }

// Critical logs errors after which operation cannot continue.
func Critical(msg string) { write(CriticalLevel, msg) }

// Criticalf logs errors after which operation cannot continue.
func Criticalf(format string, things ...any) { write(CriticalLevel, fmt.Sprintf(format, things...)) }

// TotalWarningLogLines returns the number of warning lines since start.
func TotalWarningLogLines() uint64 { return lineCounts[WarningLevel].Load() }

// TotalErrorLogLines returns the number of error lines since start.
func TotalErrorLogLines() uint64 { return lineCounts[ErrorLevel].Load() }

// TotalCriticalLogLines returns the number of critical lines since start.
func TotalCriticalLogLines() uint64 { return lineCounts[CriticalLevel].Load() }
