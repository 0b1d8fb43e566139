package log

import (
	"io"
	"log/slog"

	"github.com/lmittmann/tint"
)

func setupSLog(w *LogWriter) {
	slog.SetDefault(slog.New(newHandler(w, !w.IsTerminal())))
}

func newHandler(w io.Writer, noColor bool) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		AddSource:   true,
		Level:       slogLevel,
		TimeFormat:  timeFormat,
		NoColor:     noColor,
		ReplaceAttr: replaceLevelNames,
	})
}

// replaceLevelNames renders the additional trace and critical levels by name
// instead of as offsets of the slog levels.
func replaceLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch level {
	case LevelTrace:
		return slog.String(slog.LevelKey, "TRC")
	case LevelCritical:
		return slog.String(slog.LevelKey, "CRT")
	}
	return a
}
