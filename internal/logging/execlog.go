package logging

import (
	"context"
	"time"

	"github.com/google/uuid"

	"opsflow/internal/models"
)

// LogStore is the persistence port for execution log rows.
type LogStore interface {
	AppendLog(ctx context.Context, entry *models.ExecutionLog) error
}

// ExecutionLogger persists structured, correlation-scoped log entries for
// workflow executions. Persistence failures degrade to the fallback logger
// and never propagate to callers.
type ExecutionLogger struct {
	store    LogStore
	fallback Logger
	now      func() time.Time
}

// NewExecutionLogger builds an execution logger. A nil store keeps the logger
// usable in console-only mode.
func NewExecutionLogger(store LogStore, fallback Logger) *ExecutionLogger {
	return &ExecutionLogger{store: store, fallback: OrNop(fallback), now: time.Now}
}

// Scoped binds an execution id (and optional node id) so call sites only
// supply level and message.
func (l *ExecutionLogger) Scoped(executionID uuid.UUID, nodeID string) *ScopedExecutionLogger {
	return &ScopedExecutionLogger{parent: l, executionID: executionID, nodeID: nodeID}
}

// Log writes one entry. Persistence is fire-and-forget: the store write runs
// on its own goroutine, outliving the caller's context, and a store error
// falls back to the console logger instead of propagating.
func (l *ExecutionLogger) Log(ctx context.Context, executionID uuid.UUID, nodeID string, level models.LogLevel, source, category, message string, details models.JSONB) {
	if l == nil {
		return
	}
	entry := &models.ExecutionLog{
		ID:                  uuid.New(),
		WorkflowExecutionID: executionID,
		NodeID:              nodeID,
		Level:               level,
		Source:              source,
		Category:            category,
		Message:             message,
		Details:             details,
		Timestamp:           l.now().UTC(),
	}
	if l.store == nil {
		l.console(entry)
		return
	}
	// Inlined panic guard; the async package depends on logging, so the
	// shared helper cannot be used here.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.fallback.Error("execution log persist panicked (exec=%s node=%s): %v", executionID, nodeID, r)
			}
		}()
		if err := l.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
			l.fallback.Warn("execution log persist failed (exec=%s node=%s): %v", executionID, nodeID, err)
			l.console(entry)
		}
	}()
}

func (l *ExecutionLogger) console(entry *models.ExecutionLog) {
	format := "[exec %s] [%s] %s"
	args := []any{entry.WorkflowExecutionID, entry.Category, entry.Message}
	if entry.NodeID != "" {
		format = "[exec %s] [node %s] [%s] %s"
		args = []any{entry.WorkflowExecutionID, entry.NodeID, entry.Category, entry.Message}
	}
	switch entry.Level {
	case models.LogLevelDebug:
		l.fallback.Debug(format, args...)
	case models.LogLevelWarn:
		l.fallback.Warn(format, args...)
	case models.LogLevelError, models.LogLevelFatal:
		l.fallback.Error(format, args...)
	default:
		l.fallback.Info(format, args...)
	}
}

// ScopedExecutionLogger is an ExecutionLogger bound to one execution and
// optionally one node.
type ScopedExecutionLogger struct {
	parent      *ExecutionLogger
	executionID uuid.UUID
	nodeID      string
}

// Node returns a copy of the scope bound to the given node id.
func (s *ScopedExecutionLogger) Node(nodeID string) *ScopedExecutionLogger {
	return &ScopedExecutionLogger{parent: s.parent, executionID: s.executionID, nodeID: nodeID}
}

func (s *ScopedExecutionLogger) Debug(ctx context.Context, category, message string, details models.JSONB) {
	s.parent.Log(ctx, s.executionID, s.nodeID, models.LogLevelDebug, "engine", category, message, details)
}

func (s *ScopedExecutionLogger) Info(ctx context.Context, category, message string, details models.JSONB) {
	s.parent.Log(ctx, s.executionID, s.nodeID, models.LogLevelInfo, "engine", category, message, details)
}

func (s *ScopedExecutionLogger) Warn(ctx context.Context, category, message string, details models.JSONB) {
	s.parent.Log(ctx, s.executionID, s.nodeID, models.LogLevelWarn, "engine", category, message, details)
}

func (s *ScopedExecutionLogger) Error(ctx context.Context, category, message string, details models.JSONB) {
	s.parent.Log(ctx, s.executionID, s.nodeID, models.LogLevelError, "engine", category, message, details)
}

func (s *ScopedExecutionLogger) Fatal(ctx context.Context, category, message string, details models.JSONB) {
	s.parent.Log(ctx, s.executionID, s.nodeID, models.LogLevelFatal, "engine", category, message, details)
}
