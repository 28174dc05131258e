package adapters

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"opsflow/internal/engine"
	"opsflow/internal/logging"
)

// NoopEmailSink stands in when no email provider is configured. Sends report
// Skipped so workflows proceed instead of failing on missing credentials.
type NoopEmailSink struct {
	logger logging.Logger
}

// NewNoopEmailSink returns the unconfigured email adapter.
func NewNoopEmailSink(logger logging.Logger) *NoopEmailSink {
	return &NoopEmailSink{logger: logging.OrNop(logger)}
}

func (s *NoopEmailSink) Send(_ context.Context, msg engine.EmailMessage) (*engine.EmailResult, error) {
	s.logger.Info("email adapter not configured, skipping send to %s (%q)", msg.To, msg.Subject)
	return &engine.EmailResult{Success: true, Skipped: true}, nil
}

// RecordingEmailSink captures sent messages for tests.
type RecordingEmailSink struct {
	mu   sync.Mutex
	sent []engine.EmailMessage

	// Fail, when set, makes every send return this error string.
	Fail string
	// FailTimes, when positive, fails that many sends before succeeding.
	FailTimes int
}

// NewRecordingEmailSink returns an empty recording sink.
func NewRecordingEmailSink() *RecordingEmailSink {
	return &RecordingEmailSink{}
}

func (s *RecordingEmailSink) Send(_ context.Context, msg engine.EmailMessage) (*engine.EmailResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != "" {
		return &engine.EmailResult{Success: false, Error: s.Fail}, nil
	}
	if s.FailTimes > 0 {
		s.FailTimes--
		return &engine.EmailResult{Success: false, Error: "temporary send failure"}, nil
	}
	s.sent = append(s.sent, msg)
	return &engine.EmailResult{Success: true, MessageID: "msg_" + uuid.New().String()[:8]}, nil
}

// Sent returns a snapshot of the captured messages.
func (s *RecordingEmailSink) Sent() []engine.EmailMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.EmailMessage, len(s.sent))
	copy(out, s.sent)
	return out
}
