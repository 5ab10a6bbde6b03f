package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rama-kairi/termpool/internal/config"
)

// LogLevel represents the severity level of a log entry
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      string                 `json:"level"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component,omitempty"`
	TerminalID string                 `json:"terminal_id,omitempty"`
	ProcessID  string                 `json:"process_id,omitempty"`
	Command    string                 `json:"command,omitempty"`
	Duration   string                 `json:"duration,omitempty"`
	Error      string                 `json:"error,omitempty"`
	File       string                 `json:"file,omitempty"`
	Line       int                    `json:"line,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// Logger provides structured logging capabilities
type Logger struct {
	level      LogLevel
	format     string
	output     io.Writer
	mu         *sync.Mutex // shared by derived loggers writing to the same output
	component  string
	baseFields map[string]interface{}
	fileHandle *os.File
}

// NewLogger creates a new logger instance
func NewLogger(cfg *config.LoggingConfig, component string) (*Logger, error) {
	var output io.Writer
	var fileHandle *os.File
	switch cfg.Output {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	case "file":
		file, err := os.OpenFile("termpool.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		fileHandle = file
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		output = file
		fileHandle = file
	}

	l := New(output, cfg.Level, cfg.Format, component)
	l.fileHandle = fileHandle
	return l, nil
}

// New creates a logger writing to w. Used by tests and embedders that own the writer.
func New(w io.Writer, level, format, component string) *Logger {
	return &Logger{
		level:      parseLogLevel(level),
		format:     strings.ToLower(format),
		output:     w,
		mu:         &sync.Mutex{},
		component:  component,
		baseFields: make(map[string]interface{}),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(io.Discard, "error", "json", "")
}

// Close closes the log file if the logger opened one
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileHandle != nil {
		err := l.fileHandle.Close()
		l.fileHandle = nil
		return err
	}
	return nil
}

// WithFields returns a new logger instance with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	newLogger := &Logger{
		level:      l.level,
		format:     l.format,
		output:     l.output,
		mu:         l.mu,
		component:  l.component,
		baseFields: make(map[string]interface{}, len(l.baseFields)+len(fields)),
	}

	for k, v := range l.baseFields {
		newLogger.baseFields[k] = v
	}
	for k, v := range fields {
		newLogger.baseFields[k] = v
	}

	return newLogger
}

// WithTerminal returns a logger tagged with a terminal id
func (l *Logger) WithTerminal(terminalID int) *Logger {
	return l.WithFields(map[string]interface{}{
		"terminal_id": terminalID,
	})
}

// WithComponent returns a logger with component name
func (l *Logger) WithComponent(component string) *Logger {
	newLogger := l.WithFields(nil)
	newLogger.component = component
	return newLogger
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, "", fields...)
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, "", fields...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, "", fields...)
}

// Error logs an error message
func (l *Logger) Error(message string, err error, fields ...map[string]interface{}) {
	errorStr := ""
	if err != nil {
		errorStr = err.Error()
	}
	l.log(ERROR, message, errorStr, fields...)
}

// LogCommand logs the terminal state of one command invocation
func (l *Logger) LogCommand(terminalID int, processID, command string, duration time.Duration, outcome string, outputLen int, err error) {
	fields := map[string]interface{}{
		"terminal_id": terminalID,
		"process_id":  processID,
		"command":     command,
		"duration":    duration.String(),
		"outcome":     outcome,
		"output_len":  outputLen,
	}

	if err != nil {
		l.Error("Command finished with error", err, fields)
	} else {
		l.Info("Command finished", fields)
	}
}

// LogTerminalEvent logs terminal lifecycle events (created, reused, evicted, detached)
func (l *Logger) LogTerminalEvent(event string, terminalID int, fields ...map[string]interface{}) {
	eventFields := map[string]interface{}{
		"event":       event,
		"terminal_id": terminalID,
	}

	if len(fields) > 0 {
		for k, v := range fields[0] {
			eventFields[k] = v
		}
	}

	l.Info(fmt.Sprintf("Terminal %s", event), eventFields)
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, message, errorStr string, fields ...map[string]interface{}) {
	if level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = file[strings.LastIndex(file, "/")+1:]
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   message,
		Component: l.component,
		Error:     errorStr,
		File:      file,
		Line:      line,
		Fields:    make(map[string]interface{}),
	}

	entry.apply(l.baseFields)
	if len(fields) > 0 {
		entry.apply(fields[0])
	}

	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}

	var output string
	if l.format == "json" {
		data, _ := json.Marshal(entry)
		output = string(data) + "\n"
	} else {
		output = l.formatTextEntry(entry)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.output.Write([]byte(output))
}

// apply lifts well-known keys into top-level entry fields
func (e *LogEntry) apply(fields map[string]interface{}) {
	for k, v := range fields {
		switch k {
		case "terminal_id":
			e.TerminalID = fmt.Sprintf("%v", v)
		case "process_id":
			e.ProcessID = fmt.Sprintf("%v", v)
		case "command":
			e.Command = fmt.Sprintf("%v", v)
		case "duration":
			e.Duration = fmt.Sprintf("%v", v)
		default:
			e.Fields[k] = v
		}
	}
}

// formatTextEntry formats a log entry as human-readable text
func (l *Logger) formatTextEntry(entry LogEntry) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s", entry.Timestamp[:19], entry.Level))

	if entry.Component != "" {
		parts = append(parts, fmt.Sprintf("[%s]", entry.Component))
	}

	if entry.TerminalID != "" {
		parts = append(parts, fmt.Sprintf("[terminal:%s]", entry.TerminalID))
	}

	parts = append(parts, entry.Message)

	if entry.Error != "" {
		parts = append(parts, fmt.Sprintf("error=%s", entry.Error))
	}

	if entry.Command != "" {
		parts = append(parts, fmt.Sprintf("cmd=%q", entry.Command))
	}

	if entry.Duration != "" {
		parts = append(parts, fmt.Sprintf("duration=%s", entry.Duration))
	}

	// sorted for stable output
	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, entry.Fields[k]))
	}

	if l.level == DEBUG && entry.File != "" {
		parts = append(parts, fmt.Sprintf("(%s:%d)", entry.File, entry.Line))
	}

	return strings.Join(parts, " ") + "\n"
}

// parseLogLevel converts a string to LogLevel
func parseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}
