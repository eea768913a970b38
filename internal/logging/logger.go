package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/austindbirch/impact_relay/internal/tracing"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.MessageFieldName = "msg"
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	zl      zerolog.Logger
}

// New creates a new structured logger for the given service writing JSON to stdout
func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout)
}

// NewWithWriter creates a logger that writes JSON lines to w
func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{
		service: service,
		zl:      zerolog.New(w).With().Timestamp().Str("service", service).Logger(),
	}
}

// NewConsole creates a human-readable logger for CLIs and local runs
func NewConsole(service string, w io.Writer) *Logger {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	return &Logger{
		service: service,
		zl:      zerolog.New(cw).With().Timestamp().Str("service", service).Logger(),
	}
}

// Service returns the service name attached to every entry
func (l *Logger) Service() string {
	return l.service
}

// LogEntry accumulates correlation fields until a level method emits it
type LogEntry struct {
	logger     *Logger
	TraceID    string
	TenantID   string
	DeliveryID string
	Platform   string
	Fields     map[string]any
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{logger: l, Fields: make(map[string]any)}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.entry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.TraceID = traceID
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

func (e *LogEntry) WithTenant(tenantID string) *LogEntry {
	e.TenantID = tenantID
	return e
}

func (e *LogEntry) WithDelivery(deliveryID string) *LogEntry {
	e.DeliveryID = deliveryID
	return e
}

func (e *LogEntry) WithPlatform(platform string) *LogEntry {
	e.Platform = platform
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.Fields["error"] = err.Error()
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.output(zerolog.DebugLevel, message) }

func (e *LogEntry) Debugf(format string, args ...any) {
	e.output(zerolog.DebugLevel, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Info(message string) { e.output(zerolog.InfoLevel, message) }

func (e *LogEntry) Infof(format string, args ...any) {
	e.output(zerolog.InfoLevel, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Warn(message string) { e.output(zerolog.WarnLevel, message) }

func (e *LogEntry) Warnf(format string, args ...any) {
	e.output(zerolog.WarnLevel, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Error(message string) { e.output(zerolog.ErrorLevel, message) }

func (e *LogEntry) Errorf(format string, args ...any) {
	e.output(zerolog.ErrorLevel, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.output(zerolog.FatalLevel, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.output(zerolog.FatalLevel, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (e *LogEntry) output(level zerolog.Level, message string) {
	ev := e.logger.zl.WithLevel(level)
	if ev == nil {
		return
	}
	if e.TraceID != "" {
		ev = ev.Str("trace_id", e.TraceID)
	}
	if e.TenantID != "" {
		ev = ev.Str("tenant_id", e.TenantID)
	}
	if e.DeliveryID != "" {
		ev = ev.Str("delivery_id", e.DeliveryID)
	}
	if e.Platform != "" {
		ev = ev.Str("platform", e.Platform)
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg(message)
}

// SetLevel sets the minimum level for every logger. Unknown names fall back to info.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// Global convenience functions

var (
	defaultMu     sync.RWMutex
	defaultLogger = New("impactrelay")
)

func getDefault() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return getDefault().WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return getDefault().WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return getDefault().Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	SetDefault(New(service))
}

// SetDefault replaces the default logger
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default returns the default logger
func Default() *Logger {
	return getDefault()
}
