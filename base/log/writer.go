package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const logFileTimeFormat = "2006-01-02-15-04-05"

// GlobalWriter is the global log writer.
var GlobalWriter *LogWriter

// ErrWriterNotInitialized is returned when writing to a nil writer.
var ErrWriterNotInitialized = errors.New("log writer not initialized")

// LogWriter writes log output to stdout or a file.
type LogWriter struct {
	writeLock  sync.Mutex
	isStdout   bool
	isTerminal bool
	file       *os.File
}

// NewStdoutWriter creates a new log writer that will write to stdout.
func NewStdoutWriter() *LogWriter {
	return &LogWriter{
		file:       os.Stdout,
		isStdout:   true,
		isTerminal: isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
	}
}

// NewFileWriter creates a new log writer that will write to a file. The file path will be <dir>/2006-01-02-15-04-05.log (with current date and time)
func NewFileWriter(dir string) (*LogWriter, error) {
	if err := os.MkdirAll(dir, 0o0755); err != nil {
		return nil, err
	}
	logFile := time.Now().UTC().Format(logFileTimeFormat) + ".log"
	file, err := os.Create(filepath.Join(dir, logFile))
	if err != nil {
		return nil, err
	}
	return &LogWriter{
		file: file,
	}, nil
}

// Write writes the buffer to the writer.
func (l *LogWriter) Write(buf []byte) (int, error) {
	if l == nil {
		return 0, ErrWriterNotInitialized
	}

	l.writeLock.Lock()
	defer l.writeLock.Unlock()

	return l.file.Write(buf)
}

// IsStdout returns true if writer was initialized with stdout.
func (l *LogWriter) IsStdout() bool {
	return l != nil && l.isStdout
}

// IsTerminal returns true if the writer writes to a terminal.
func (l *LogWriter) IsTerminal() bool {
	return l != nil && l.isTerminal
}

// Close closes the writer.
func (l *LogWriter) Close() {
	if l != nil && !l.isStdout {
		_ = l.file.Close()
	}
}

// CleanOldLogs clean all logs in dir that are older then threshold.
func CleanOldLogs(dir string, threshold time.Duration) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read dir: %w", err)
	}

	for _, f := range files {
		if f.IsDir() {
			continue
		}
		logDate, err := time.Parse(logFileTimeFormat, strings.TrimSuffix(f.Name(), ".log"))
		if err != nil {
			continue
		}

		if logDate.Add(threshold).Before(time.Now()) {
			_ = os.Remove(filepath.Join(dir, f.Name()))
		}
	}
	return nil
}
