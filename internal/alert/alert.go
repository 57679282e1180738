// Package alert delivers operator notifications for lockouts, hijack
// suspicion and elevated risk assessments. Sinks are best-effort; a failed
// delivery is logged and never blocks the security decision that raised it.
package alert

import (
	"context"
	"time"

	"go.uber.org/zap"

	"security-core/internal/util"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one operator notification.
type Alert struct {
	Severity Severity          `json:"severity"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Details  map[string]string `json:"details,omitempty"`
	RaisedAt time.Time         `json:"raised_at"`
}

type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// MultiSink fans one alert out to every configured sink, collecting nothing:
// each failure is logged where it happens and the rest still deliver.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Send(ctx context.Context, a Alert) error {
	if a.RaisedAt.IsZero() {
		a.RaisedAt = time.Now().UTC()
	}
	for _, s := range m.sinks {
		if err := s.Send(ctx, a); err != nil {
			util.Warn("Alert delivery failed",
				zap.String("title", a.Title),
				zap.Error(err),
			)
		}
	}
	return nil
}

// LogSink writes alerts to the service log. Always configured so an alert is
// never silently lost when email and webhook are off.
type LogSink struct{}

func (LogSink) Send(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("severity", string(a.Severity)),
		zap.String("body", a.Body),
	}
	for k, v := range a.Details {
		fields = append(fields, zap.String(k, v))
	}
	switch a.Severity {
	case SeverityCritical:
		util.Error("SECURITY ALERT: "+a.Title, fields...)
	default:
		util.Warn("SECURITY ALERT: "+a.Title, fields...)
	}
	return nil
}
