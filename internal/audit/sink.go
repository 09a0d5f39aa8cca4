package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Entry is one audit record.
type Entry struct {
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives audit entries. Implementations must be safe for concurrent
// use.
type Sink interface {
	Record(ctx context.Context, entry Entry) error
}

// ZapSink writes audit entries to a zap logger. It never fails.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a log-backed sink.
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.With(zap.String("component", "audit"))}
}

// Record implements Sink.
func (s *ZapSink) Record(_ context.Context, entry Entry) error {
	s.logger.Info("audit",
		zap.String("action", entry.Action),
		zap.String("actor", entry.Actor),
		zap.Time("at", entry.Timestamp),
		zap.Any("details", entry.Details),
	)
	return nil
}

// NopSink discards entries. Useful in tests.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, Entry) error { return nil }

// MultiSink fans entries out to several sinks; the first error is returned
// after all sinks have been attempted.
type MultiSink []Sink

// Record implements Sink.
func (m MultiSink) Record(ctx context.Context, entry Entry) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Try records an entry on sink, demoting any failure to a warning on
// logger. This is the helper callers use to keep auditing off their error
// paths.
func Try(ctx context.Context, sink Sink, logger *zap.Logger, entry Entry) {
	if sink == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if err := sink.Record(ctx, entry); err != nil && logger != nil {
		logger.Warn("audit sink failed",
			zap.String("action", entry.Action),
			zap.Error(err),
		)
	}
}
