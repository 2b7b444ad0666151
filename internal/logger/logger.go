package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents a log level
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the upper-case name of the level
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name, case-insensitively
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", s)
	}
}

// Fields carries structured key/value pairs attached to an entry
type Fields map[string]interface{}

// Entry is the JSON shape of a single log line
type Entry struct {
	Timestamp     string                 `json:"timestamp"`
	Level         string                 `json:"level"`
	Component     string                 `json:"component,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Message       string                 `json:"message"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
}

// Logger writes leveled, structured entries to an io.Writer.
// It is safe for concurrent use.
type Logger struct {
	mu               sync.RWMutex
	level            Level
	format           string // json or text
	out              io.Writer
	componentLevels  map[string]Level
	sanitizePatterns []*regexp.Regexp
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
	fallbackOnce sync.Once
	fallback     *Logger
)

// New creates a logger. Unknown formats are treated as json.
func New(level Level, format string, out io.Writer) *Logger {
	if format != "text" {
		format = "json"
	}
	return &Logger{
		level:           level,
		format:          format,
		out:             out,
		componentLevels: make(map[string]Level),
	}
}

// Init replaces the process-wide logger
func Init(level Level, format string, out io.Writer) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = New(level, format, out)
}

// Get returns the process-wide logger. Before Init is called it returns an
// info-level JSON logger on stderr.
func Get() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	fallbackOnce.Do(func() {
		fallback = New(InfoLevel, "json", os.Stderr)
	})
	return fallback
}

// SetLevel changes the default level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetComponentLevel overrides the level for one component
func (l *Logger) SetComponentLevel(component string, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.componentLevels[component] = level
}

// SetSanitizePatterns sets the regular expressions matched against field
// keys. Values of matching keys are redacted down to their last 4 characters.
func (l *Logger) SetSanitizePatterns(patterns []string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid sanitize pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sanitizePatterns = compiled
	return nil
}

func (l *Logger) enabled(level Level, component string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if cl, ok := l.componentLevels[component]; ok {
		return level >= cl
	}
	return level >= l.level
}

func (l *Logger) redact(fields Fields) Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.sanitizePatterns) == 0 || len(fields) == 0 {
		return fields
	}

	out := make(Fields, len(fields))
	for k, v := range fields {
		out[k] = v
		for _, re := range l.sanitizePatterns {
			if !re.MatchString(k) {
				continue
			}
			if s, ok := v.(string); ok && len(s) > 4 {
				out[k] = "***" + s[len(s)-4:]
			} else {
				out[k] = "***"
			}
			break
		}
	}
	return out
}

func (l *Logger) write(level Level, component, correlationID, msg string, fields Fields) {
	if !l.enabled(level, component) {
		return
	}

	e := Entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Level:         level.String(),
		Component:     component,
		CorrelationID: correlationID,
		Message:       msg,
		Fields:        l.redact(fields),
	}

	var line []byte
	if l.format == "text" {
		line = []byte(formatText(e))
	} else {
		data, err := json.Marshal(e)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: marshal entry: %v\n", err)
			return
		}
		line = append(data, '\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(line)
}

// formatText renders an entry as a single line with fields sorted by key
func formatText(e Entry) string {
	var b strings.Builder
	b.WriteString(e.Timestamp)
	b.WriteByte(' ')
	b.WriteString(e.Level)
	if e.Component != "" {
		fmt.Fprintf(&b, " [%s]", e.Component)
	}
	if e.CorrelationID != "" {
		fmt.Fprintf(&b, " [%s]", e.CorrelationID)
	}
	b.WriteByte(' ')
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	b.WriteByte('\n')
	return b.String()
}

func (l *Logger) Debug(msg string, fields ...Fields) {
	l.write(DebugLevel, "", "", msg, mergeFields(fields...))
}
func (l *Logger) Info(msg string, fields ...Fields) {
	l.write(InfoLevel, "", "", msg, mergeFields(fields...))
}
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.write(WarnLevel, "", "", msg, mergeFields(fields...))
}
func (l *Logger) Error(msg string, fields ...Fields) {
	l.write(ErrorLevel, "", "", msg, mergeFields(fields...))
}

// WithComponent returns a logger that tags every entry with component
func (l *Logger) WithComponent(component string) *ComponentLogger {
	return &ComponentLogger{logger: l, component: component}
}

// ComponentLogger tags entries with a component name and, optionally, a
// correlation ID.
type ComponentLogger struct {
	logger        *Logger
	component     string
	correlationID string
}

// WithCorrelationID returns a copy bound to the given correlation ID
func (cl *ComponentLogger) WithCorrelationID(correlationID string) *ComponentLogger {
	return &ComponentLogger{
		logger:        cl.logger,
		component:     cl.component,
		correlationID: correlationID,
	}
}

// WithContext binds the correlation ID carried by ctx, if any
func (cl *ComponentLogger) WithContext(ctx context.Context) *ComponentLogger {
	return cl.WithCorrelationID(GetCorrelationID(ctx))
}

func (cl *ComponentLogger) Debug(msg string, fields ...Fields) {
	cl.logger.write(DebugLevel, cl.component, cl.correlationID, msg, mergeFields(fields...))
}

func (cl *ComponentLogger) Info(msg string, fields ...Fields) {
	cl.logger.write(InfoLevel, cl.component, cl.correlationID, msg, mergeFields(fields...))
}

func (cl *ComponentLogger) Warn(msg string, fields ...Fields) {
	cl.logger.write(WarnLevel, cl.component, cl.correlationID, msg, mergeFields(fields...))
}

func (cl *ComponentLogger) Error(msg string, fields ...Fields) {
	cl.logger.write(ErrorLevel, cl.component, cl.correlationID, msg, mergeFields(fields...))
}

// FromContext is shorthand for Get().WithComponent(component).WithContext(ctx)
func FromContext(ctx context.Context, component string) *ComponentLogger {
	return Get().WithComponent(component).WithContext(ctx)
}

// mergeFields flattens several Fields maps; later keys win
func mergeFields(fields ...Fields) Fields {
	switch len(fields) {
	case 0:
		return nil
	case 1:
		return fields[0]
	}

	out := make(Fields)
	for _, f := range fields {
		for k, v := range f {
			out[k] = v
		}
	}
	return out
}
