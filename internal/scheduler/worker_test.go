package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsflow/internal/engine"
	"opsflow/internal/models"
	"opsflow/internal/store"
)

type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *tickClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type runnerCall struct {
	workflowID uuid.UUID
	nodeID     string
	event      engine.Event
}

type fakeRunner struct {
	mu      sync.Mutex
	fail    bool
	calls   []runnerCall
	lastRes *engine.ExecutionResult
}

func (r *fakeRunner) ExecuteFromNode(_ context.Context, workflowID uuid.UUID, nodeID string, ev engine.Event) *engine.ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runnerCall{workflowID: workflowID, nodeID: nodeID, event: ev})
	res := &engine.ExecutionResult{Success: !r.fail, ExecutionID: uuid.New().String(), Status: models.ExecutionStatusCompleted}
	if r.fail {
		res.Status = models.ExecutionStatusFailed
		res.Error = "boom"
	}
	r.lastRes = res
	return res
}

func (r *fakeRunner) Calls() []runnerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runnerCall(nil), r.calls...)
}

type workerFixture struct {
	clock     *tickClock
	schedules *store.MemScheduleStore
	workflows *store.MemWorkflowStore
	service   *Service
	runner    *fakeRunner
	worker    *Worker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	clock := &tickClock{t: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	schedules := store.NewMemScheduleStore()
	workflows := store.NewMemWorkflowStore()
	svc := New(schedules, nil, clock)
	runner := &fakeRunner{}
	w := NewWorker(svc, runner, workflows, nil, clock, WorkerConfig{BatchSize: 10, MaxConcurrent: 2})
	return &workerFixture{
		clock:     clock,
		schedules: schedules,
		workflows: workflows,
		service:   svc,
		runner:    runner,
		worker:    w,
	}
}

func (f *workerFixture) addWorkflow(status models.WorkflowStatus) *models.Workflow {
	wf := &models.Workflow{
		ID:             uuid.New(),
		OrganizationID: "org-1",
		Name:           "scheduled flow",
		Status:         status,
	}
	f.workflows.PutWorkflow(wf, nil, nil)
	return wf
}

func (f *workerFixture) addDueSchedule(t *testing.T, workflowID uuid.UUID, metadata models.JSONB) *models.WorkflowSchedule {
	t.Helper()
	sched, err := f.service.UpsertSchedule(context.Background(), workflowID, "schedule-node", models.ScheduleConfig{Frequency: models.FrequencyHourly}, metadata)
	require.NoError(t, err)
	// Let the next run come due.
	f.clock.Advance(2 * time.Hour)
	return sched
}

func TestWorkerRunsDueSchedule(t *testing.T) {
	f := newWorkerFixture(t)
	wf := f.addWorkflow(models.WorkflowStatusActive)
	sched := f.addDueSchedule(t, wf.ID, models.JSONB{
		"organizationId": "org-1",
		"trigger": map[string]any{
			"module":     "crm",
			"entityType": "deal",
			"eventType":  "deal_status_changed",
			"payload":    map[string]any{"dealName": "Big Deal"},
		},
	})

	f.worker.pollOnce(context.Background())

	calls := f.runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, wf.ID, calls[0].workflowID)
	assert.Equal(t, "schedule-node", calls[0].nodeID)

	ev := calls[0].event
	assert.Equal(t, "org-1", ev.OrganizationID)
	assert.Equal(t, "system", ev.Module)
	assert.Equal(t, "schedule", ev.EntityType)
	assert.Equal(t, "run", ev.EventType)
	assert.Equal(t, sched.ID.String(), ev.Payload["scheduleId"])
	// The captured trigger payload is restored for variable resolution.
	assert.Equal(t, "Big Deal", ev.Payload["dealName"])

	stored, err := f.schedules.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.RetryCount())
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(f.clock.Now()), "next run advances past the poll")
	require.NotNil(t, stored.LastRunAt)
	assert.Equal(t, f.clock.Now(), *stored.LastRunAt)
}

func TestWorkerDeactivatesOrphanSchedule(t *testing.T) {
	f := newWorkerFixture(t)
	sched := f.addDueSchedule(t, uuid.New(), nil) // no such workflow

	f.worker.pollOnce(context.Background())

	assert.Empty(t, f.runner.Calls())
	stored, err := f.schedules.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestWorkerBacksOffInactiveWorkflow(t *testing.T) {
	f := newWorkerFixture(t)
	wf := f.addWorkflow(models.WorkflowStatusPaused)
	sched := f.addDueSchedule(t, wf.ID, nil)

	f.worker.pollOnce(context.Background())

	assert.Empty(t, f.runner.Calls())
	stored, err := f.schedules.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount())
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, f.clock.Now().Add(60*time.Second), *stored.NextRunAt)
	assert.True(t, stored.IsActive, "paused workflows back off, they do not deactivate")
}

func TestWorkerBacksOffFailedExecution(t *testing.T) {
	f := newWorkerFixture(t)
	wf := f.addWorkflow(models.WorkflowStatusActive)
	sched := f.addDueSchedule(t, wf.ID, nil)
	f.runner.fail = true

	f.worker.pollOnce(context.Background())
	require.Len(t, f.runner.Calls(), 1)

	stored, err := f.schedules.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount())
	assert.Equal(t, f.clock.Now().Add(60*time.Second), *stored.NextRunAt)

	// The next due poll doubles the backoff.
	f.clock.Advance(2 * time.Minute)
	f.worker.pollOnce(context.Background())
	stored, err = f.schedules.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RetryCount())
	assert.Equal(t, f.clock.Now().Add(120*time.Second), *stored.NextRunAt)
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	f := newWorkerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.worker.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	select {
	case <-f.worker.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done channel never closed")
	}
}
