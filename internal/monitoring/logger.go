// Package monitoring holds the diagnostic logger shared by the training
// packages and the run log that mirrors console output into the model
// directory.
package monitoring

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// RunLog writes every line both to the console and to an append-only text
// file, so log.txt in the model directory reads the same as the terminal.
type RunLog struct {
	mu      sync.Mutex
	console io.Writer
	file    io.WriteCloser
}

// OpenRunLog opens (or creates) path in append mode. The console writer
// defaults to os.Stdout when nil.
func OpenRunLog(path string, console io.Writer) (*RunLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	if console == nil {
		console = os.Stdout
	}
	return &RunLog{console: console, file: f}, nil
}

// NewRunLog builds a RunLog over arbitrary writers. Either may be nil.
func NewRunLog(console io.Writer, file io.WriteCloser) *RunLog {
	return &RunLog{console: console, file: file}
}

// Println writes a line to both destinations.
func (l *RunLog) Println(v ...interface{}) {
	l.write(fmt.Sprintln(v...))
}

// Printf formats a line and writes it to both destinations. A trailing
// newline is added when missing.
func (l *RunLog) Printf(format string, v ...interface{}) {
	s := fmt.Sprintf(format, v...)
	if len(s) == 0 || s[len(s)-1] != '\n' {
		s += "\n"
	}
	l.write(s)
}

// FileOnly writes raw text to the log file without echoing it, used for the
// config dump at the start of a run.
func (l *RunLog) FileOnly(s string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = io.WriteString(l.file, s)
	}
}

func (l *RunLog) write(s string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.console != nil {
		_, _ = io.WriteString(l.console, s)
	}
	if l.file != nil {
		_, _ = io.WriteString(l.file, s)
	}
}

// Close closes the file side of the log.
func (l *RunLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
