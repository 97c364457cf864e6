package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// #region log-sink

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "run"))}
}

// Emit implements Sink.
func (s *LogSink) Emit(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("run_id", ev.RunID),
		zap.Int("turn", ev.Turn),
	}
	if ev.Speaker != "" {
		fields = append(fields, zap.String("speaker", ev.Speaker))
	}
	switch ev.Kind {
	case KindTurnAccepted:
		fields = append(fields, zap.String("text", ev.Text), zap.Int("attempt", ev.Attempt), zap.Bool("override", ev.Override))
	case KindEvalVerdict:
		fields = append(fields, zap.Int("attempt", ev.Attempt), zap.String("verdict", ev.Verdict), zap.String("reason", ev.Reason))
	case KindLoopDetected:
		fields = append(fields, zap.Strings("stuck_terms", ev.StuckTerms), zap.String("strategy", ev.Strategy))
	case KindSilence:
		fields = append(fields, zap.String("silence", ev.Silence), zap.Int64("duration_ms", ev.DurationMS))
	case KindIntervention:
		fields = append(fields, zap.String("actor", ev.Actor), zap.String("state", ev.State), zap.String("content", ev.Text))
	case KindRunStart:
		fields = append(fields, zap.String("mode", ev.Mode))
	case KindRunEnd:
		fields = append(fields, zap.String("outcome", ev.Outcome))
	}
	if ev.Error != "" {
		fields = append(fields, zap.String("error", ev.Error))
		s.logger.Warn(string(ev.Kind), fields...)
		return nil
	}
	if ev.Kind == KindEvalAttempt {
		s.logger.Debug(string(ev.Kind), fields...)
		return nil
	}
	s.logger.Info(string(ev.Kind), fields...)
	return nil
}

// #endregion

// #region file-sink

// DefaultFilename is the events file created inside a FileSink directory.
const DefaultFilename = "events.jsonl"

// FileSink appends events to a JSONL file. Safe for concurrent use.
type FileSink struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

// NewFileSink opens dir/events.jsonl for appending, creating dir as needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	path := filepath.Join(dir, DefaultFilename)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	return &FileSink{path: path, file: file, writer: bufio.NewWriter(file)}, nil
}

// Path returns the events file path.
func (s *FileSink) Path() string { return s.path }

// Emit implements Sink. Each event is flushed so a crash loses at most the
// line being written.
func (s *FileSink) Emit(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("events file %s closed", s.path)
	}
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return s.writer.Flush()
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	flushErr := s.writer.Flush()
	closeErr := s.file.Close()
	s.file = nil
	if flushErr != nil {
		return fmt.Errorf("flush events file: %w", flushErr)
	}
	return closeErr
}

// ReadFile loads every event from a JSONL events file.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return out, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}

// #endregion
