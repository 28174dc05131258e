package adapters

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"opsflow/internal/engine"
	"opsflow/internal/logging"
)

// NoopSmsSink stands in when no SMS provider is configured. Sends report
// Skipped with Success=true so SMS nodes complete without delivering.
type NoopSmsSink struct {
	logger logging.Logger
}

// NewNoopSmsSink returns the unconfigured SMS adapter.
func NewNoopSmsSink(logger logging.Logger) *NoopSmsSink {
	return &NoopSmsSink{logger: logging.OrNop(logger)}
}

func (s *NoopSmsSink) Send(_ context.Context, msg engine.SMSMessage) (*engine.SMSResult, error) {
	s.logger.Info("sms adapter not configured, skipping send to %s", msg.To)
	return &engine.SMSResult{Success: true, Skipped: true}, nil
}

// RecordingSmsSink captures sent messages for tests.
type RecordingSmsSink struct {
	mu   sync.Mutex
	sent []engine.SMSMessage

	// Fail, when set, makes every send return this error string.
	Fail string
}

// NewRecordingSmsSink returns an empty recording sink.
func NewRecordingSmsSink() *RecordingSmsSink {
	return &RecordingSmsSink{}
}

func (s *RecordingSmsSink) Send(_ context.Context, msg engine.SMSMessage) (*engine.SMSResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != "" {
		return &engine.SMSResult{Success: false, Error: s.Fail}, nil
	}
	s.sent = append(s.sent, msg)
	return &engine.SMSResult{Success: true, MessageSID: "SM" + uuid.New().String()[:10], Status: "queued"}, nil
}

// Sent returns a snapshot of the captured messages.
func (s *RecordingSmsSink) Sent() []engine.SMSMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.SMSMessage, len(s.sent))
	copy(out, s.sent)
	return out
}
