// Package event owns the durable security event log: an append-only
// JSON-lines file written by the login guard, session manager, rate limiter
// and CSRF manager, and tailed by the monitor. The file is the authoritative
// record; configured sinks (Kafka topic, Elasticsearch index, ClickHouse
// archive) receive best-effort copies whose failures never propagate to the
// caller that produced the event.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"security-core/internal/models"
	"security-core/internal/util"
)

// Sink receives a copy of every appended event.
type Sink interface {
	Publish(ctx context.Context, ev models.SecurityEvent) error
}

type Logger struct {
	mu    sync.Mutex
	path  string
	sinks []Sink
}

func NewLogger(path string, sinks ...Sink) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	return &Logger{path: path, sinks: sinks}, nil
}

// Append writes one record to the log. The file write is the only failure
// that matters; sink fan-out is fire-and-forget.
func (l *Logger) Append(ctx context.Context, ev models.SecurityEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode security event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	err = l.appendLine(line)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	for _, sink := range l.sinks {
		if sinkErr := sink.Publish(ctx, ev); sinkErr != nil {
			util.Warn("Event sink publish failed",
				zap.String("event", ev.Type),
				zap.Error(sinkErr),
			)
		}
	}
	return nil
}

func (l *Logger) appendLine(line []byte) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append security event: %w", err)
	}
	return nil
}

// Path returns the log file path, for wiring the reader against the same file.
func (l *Logger) Path() string {
	return l.path
}
