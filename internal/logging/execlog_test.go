package logging

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsflow/internal/models"
)

type captureLogStore struct {
	entries chan *models.ExecutionLog
	err     error
}

func (s *captureLogStore) AppendLog(_ context.Context, entry *models.ExecutionLog) error {
	s.entries <- entry
	return s.err
}

func TestExecutionLoggerPersistsInBackground(t *testing.T) {
	st := &captureLogStore{entries: make(chan *models.ExecutionLog, 1)}
	l := NewExecutionLogger(st, Nop())

	execID := uuid.New()
	l.Scoped(execID, "send").Info(context.Background(), "node", "node send started", nil)

	select {
	case entry := <-st.entries:
		assert.Equal(t, execID, entry.WorkflowExecutionID)
		assert.Equal(t, "send", entry.NodeID)
		assert.Equal(t, models.LogLevelInfo, entry.Level)
		assert.Equal(t, "node send started", entry.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("log entry was not persisted")
	}
}

func TestExecutionLoggerOutlivesCallerContext(t *testing.T) {
	st := &captureLogStore{entries: make(chan *models.ExecutionLog, 1)}
	l := NewExecutionLogger(st, Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Log(ctx, uuid.New(), "", models.LogLevelWarn, "engine", "execution", "still logged", nil)

	select {
	case entry := <-st.entries:
		assert.Equal(t, "still logged", entry.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("log entry was not persisted after cancellation")
	}
}

func TestExecutionLoggerStoreErrorDoesNotPropagate(t *testing.T) {
	st := &captureLogStore{entries: make(chan *models.ExecutionLog, 1), err: assert.AnError}
	l := NewExecutionLogger(st, Nop())

	require.NotPanics(t, func() {
		l.Log(context.Background(), uuid.New(), "", models.LogLevelError, "engine", "node", "boom", nil)
	})
	select {
	case <-st.entries:
	case <-time.After(2 * time.Second):
		t.Fatal("store was never called")
	}
}
