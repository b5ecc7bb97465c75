package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
)

// EventLog appends events to a JSONL file, one event per line.
type EventLog struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	err  error
}

// OpenEventLog creates or truncates the event log at path.
func OpenEventLog(path string) (*EventLog, error) {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	f, err := os.Create(path) //#nosec G304 -- path is user-provided output location
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &EventLog{file: f, enc: json.NewEncoder(f)}, nil
}

// Emit writes one event. The first write error is kept and later events dropped.
func (l *EventLog) Emit(e core.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil || l.file == nil {
		return
	}
	l.err = l.enc.Encode(e)
}

// Err returns the first write error.
func (l *EventLog) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close flushes and closes the file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return l.err
	}
	err := l.file.Close()
	l.file = nil
	if l.err != nil {
		return l.err
	}
	return err
}

// ZapSink logs events as structured zap entries. Errors and exhausted
// recoveries log at error level, warnings and auth failures at warn.
type ZapSink struct {
	Logger *zap.Logger
}

// NewZapSink wraps logger; nil means a no-op logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{Logger: logger}
}

// NewConsoleLogger builds a human-readable zap logger writing to stderr.
func NewConsoleLogger(debug bool) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      debug,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	return cfg.Build()
}

// Emit logs e.
func (s *ZapSink) Emit(e core.Event) {
	fields := make([]zap.Field, 0, len(e.Data)+1)
	if e.StepID != "" {
		fields = append(fields, zap.String("step", e.StepID))
	}
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, e.Data[k]))
	}

	msg := string(e.Type)
	if e.Message != "" {
		msg += ": " + e.Message
	}

	switch e.Type {
	case core.EventError, core.EventAuthRecoveryExhaust:
		s.Logger.Error(msg, fields...)
	case core.EventWarning, core.EventAuthFailureDetected:
		s.Logger.Warn(msg, fields...)
	case core.EventStepStarted:
		s.Logger.Debug(msg, fields...)
	default:
		s.Logger.Info(msg, fields...)
	}
}

// MultiSink fans events out to several sinks in order.
type MultiSink []core.EventSink

// NewMultiSink drops nil sinks and returns the rest as one sink.
func NewMultiSink(sinks ...core.EventSink) core.EventSink {
	var out MultiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return core.NopSink{}
	case 1:
		return out[0]
	}
	return out
}

// Emit forwards e to every sink.
func (m MultiSink) Emit(e core.Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []core.Event
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit records e.
func (m *MemorySink) Emit(e core.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Events returns a copy of the recorded events.
func (m *MemorySink) Events() []core.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Event(nil), m.events...)
}

// Count returns how many events of type t were recorded.
func (m *MemorySink) Count(t core.EventType) int {
	n := 0
	for _, e := range m.Events() {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Find returns the recorded events of type t.
func (m *MemorySink) Find(t core.EventType) []core.Event {
	var out []core.Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ core.EventSink = (*EventLog)(nil)
	_ core.EventSink = (*ZapSink)(nil)
	_ core.EventSink = MultiSink(nil)
	_ core.EventSink = (*MemorySink)(nil)
)
