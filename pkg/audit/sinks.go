package audit

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogSink writes audit records to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

// Record logs rec at info level, or warn level for failed requests.
func (s *LogSink) Record(_ context.Context, rec Record) error {
	event := s.logger.Info()
	if rec.Status == StatusError {
		event = s.logger.Warn()
	}
	event.
		Str("audit_id", rec.ID.String()).
		Str("request_id", rec.RequestID).
		Str("action", rec.Action).
		Str("account_id", rec.AccountID).
		Str("target_system", rec.TargetSystem).
		Str("stage", rec.Stage).
		Str("outcome", rec.Outcome).
		Interface("attributes", rec.Attributes).
		Time("recorded_at", rec.Timestamp).
		Msg(rec.Descriptor)
	return nil
}

// MemorySink keeps records in memory. It is used by tests and by the
// "memory" audit driver.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailWith makes every subsequent Record call fail with err. A nil err
// restores normal operation.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Record appends rec.
func (s *MemorySink) Record(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return &SinkError{Sink: "memory", RecordID: rec.ID, Err: s.err}
	}
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of everything recorded, oldest first.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// List implements Reader.
func (s *MemorySink) List(_ context.Context, filter Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	out := []Record{}
	skipped := 0
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.records[i]
		if !filter.matches(rec) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f Filter) matches(rec Record) bool {
	switch {
	case f.Action != "" && !strings.EqualFold(f.Action, rec.Action),
		f.AccountID != "" && f.AccountID != rec.AccountID,
		f.TargetSystem != "" && f.TargetSystem != rec.TargetSystem,
		f.RequestID != "" && f.RequestID != rec.RequestID,
		f.Status != "" && f.Status != rec.Status,
		!f.Since.IsZero() && rec.Timestamp.Before(f.Since):
		return false
	}
	return true
}

// Multi fans a record out to several sinks. Every sink is attempted; the
// errors are joined.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
