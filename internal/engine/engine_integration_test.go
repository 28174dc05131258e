package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsflow/internal/adapters"
	"opsflow/internal/engine"
	"opsflow/internal/logging"
	"opsflow/internal/models"
	"opsflow/internal/scheduler"
	"opsflow/internal/store"
)

// harness bundles an engine over in-memory ports.
type harness struct {
	engine     *engine.Engine
	workflows  *store.MemWorkflowStore
	executions *store.MemExecutionStore
	approvals  *store.MemApprovalStore
	schedules  *store.MemScheduleStore
	records    *store.MemRecordStore
	email      *adapters.RecordingEmailSink
	sms        *adapters.RecordingSmsSink
}

func newHarness(cfg engine.Config) *harness {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	h := &harness{
		workflows:  store.NewMemWorkflowStore(),
		executions: store.NewMemExecutionStore(),
		approvals:  store.NewMemApprovalStore(),
		schedules:  store.NewMemScheduleStore(),
		records:    store.NewMemRecordStore(),
		email:      adapters.NewRecordingEmailSink(),
		sms:        adapters.NewRecordingSmsSink(),
	}
	schedSvc := scheduler.New(h.schedules, nil, nil)
	execLog := logging.NewExecutionLogger(h.executions, nil)
	h.engine = engine.New(
		h.workflows, h.executions, h.approvals, schedSvc, h.records,
		h.email, h.sms, execLog, logging.Nop(), nil, nil, cfg,
	)
	return h
}

type graph struct {
	wf    *models.Workflow
	nodes []*models.WorkflowNode
	conns []*models.WorkflowConnection
}

func newGraph(orgID string) *graph {
	id := uuid.New()
	return &graph{
		wf: &models.Workflow{
			ID:             id,
			OrganizationID: orgID,
			Name:           "test workflow",
			Status:         models.WorkflowStatusActive,
			CreatedAt:      time.Now().UTC(),
		},
	}
}

func (g *graph) trigger(nodeID, module, entity, event string) *models.WorkflowTrigger {
	trig := &models.WorkflowTrigger{
		ID:         uuid.New(),
		WorkflowID: g.wf.ID,
		NodeID:     nodeID,
		Module:     module,
		EntityType: entity,
		EventType:  event,
		IsActive:   true,
	}
	g.wf.Triggers = append(g.wf.Triggers, trig)
	return trig
}

func (g *graph) node(nodeID string, typ models.NodeType, cfg models.JSONB) *models.WorkflowNode {
	n := &models.WorkflowNode{
		ID:         uuid.New(),
		WorkflowID: g.wf.ID,
		NodeID:     nodeID,
		Type:       typ,
		Config:     cfg,
	}
	g.nodes = append(g.nodes, n)
	return n
}

func (g *graph) connect(from, to, handle string) {
	g.conns = append(g.conns, &models.WorkflowConnection{
		ID:           uuid.New(),
		WorkflowID:   g.wf.ID,
		SourceNodeID: from,
		TargetNodeID: to,
		SourceHandle: handle,
	})
}

func (g *graph) install(h *harness) {
	h.workflows.PutWorkflow(g.wf, g.nodes, g.conns)
}

func nodeOutput(res *engine.ExecutionResult, nodeID string) models.JSONB {
	for _, nr := range res.NodeResults {
		if nr.NodeID == nodeID {
			return nr.Output
		}
	}
	return nil
}

func dealEvent(orgID string) engine.Event {
	return engine.Event{
		OrganizationID: orgID,
		Module:         "crm",
		EntityType:     "deal",
		EventType:      "deal_status_changed",
		Payload: models.JSONB{
			"dealName":      "Big Deal",
			"amount":        float64(1500),
			"stage":         "won",
			"customerEmail": "buyer@example.test",
		},
	}
}

func TestExecuteLinearEmailWorkflow(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("send", models.NodeTypeEmail, models.JSONB{
		"subject": "Deal {DEAL_NAME} is {DEAL_STAGE}",
		"body":    "<p>Amount: {DEAL_AMOUNT}</p>",
	})
	g.connect("start", "send", "")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, models.ExecutionStatusCompleted, res.Status)
	assert.Len(t, res.NodeResults, 2)

	sent := h.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "buyer@example.test", sent[0].To)
	assert.Equal(t, "Deal Big Deal is won", sent[0].Subject)
	assert.Equal(t, "Amount: 1500", sent[0].TextBody)

	execID := uuid.MustParse(res.ExecutionID)
	exec, err := h.executions.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 100, exec.Progress)
	assert.NotEmpty(t, exec.ExternalExecutionID)

	wf, _ := h.workflows.GetWorkflow(context.Background(), g.wf.ID)
	assert.Equal(t, int64(1), wf.TotalExecutions)
	assert.Equal(t, int64(1), wf.SuccessfulExecutions)
}

func TestConditionRoutesTrueBranchOnly(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("check", models.NodeTypeCondition, models.JSONB{
		"conditions": []any{
			map[string]any{"field": "amount", "operator": "gt", "value": float64(1000)},
		},
	})
	g.node("yes", models.NodeTypeEmail, models.JSONB{"subject": "big", "body": "big"})
	g.node("no", models.NodeTypeEmail, models.JSONB{"subject": "small", "body": "small"})
	g.connect("start", "check", "")
	g.connect("check", "yes", "true")
	g.connect("check", "no", "false")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	require.True(t, res.Success, "error: %s", res.Error)

	sent := h.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "big", sent[0].Subject)
}

func TestLoopIteratesBodyPerItem(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("each", models.NodeTypeLoop, models.JSONB{
		"dataSource":   "payload.contacts",
		"itemVariable": "contact",
	})
	g.node("notify", models.NodeTypeEmail, models.JSONB{
		"to":      "{contact.email}",
		"subject": "hello {contact.name}",
		"body":    "hi",
	})
	g.node("done", models.NodeTypeEmail, models.JSONB{
		"to":      "owner@example.test",
		"subject": "loop finished",
		"body":    "done",
	})
	g.connect("start", "each", "")
	g.connect("each", "notify", "body")
	g.connect("each", "done", "")
	g.install(h)

	ev := dealEvent("org-1")
	ev.Payload["contacts"] = []any{
		map[string]any{"name": "A", "email": "a@example.test"},
		map[string]any{"name": "B", "email": "b@example.test"},
		map[string]any{"name": "C", "email": "c@example.test"},
	}

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, ev, nil)
	require.True(t, res.Success, "error: %s", res.Error)

	sent := h.email.Sent()
	require.Len(t, sent, 4)
	subjects := make([]string, len(sent))
	for i, m := range sent {
		subjects[i] = m.Subject
	}
	assert.Contains(t, subjects, "hello A")
	assert.Contains(t, subjects, "hello B")
	assert.Contains(t, subjects, "hello C")
	assert.Equal(t, "loop finished", subjects[3])

	// The loop node reports its iteration count.
	var loopOut models.JSONB
	for _, nr := range res.NodeResults {
		if nr.NodeID == "each" {
			loopOut = nr.Output
		}
	}
	require.NotNil(t, loopOut)
	assert.Equal(t, 3, loopOut["iterations"])
	assert.Equal(t, 3, loopOut["itemsProcessed"])
}

func TestLoopEmptyCollectionTakesEmptyHandle(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("each", models.NodeTypeLoop, models.JSONB{"dataSource": "payload.contacts"})
	g.node("none", models.NodeTypeEmail, models.JSONB{
		"to": "owner@example.test", "subject": "nothing to do", "body": "-",
	})
	g.connect("start", "each", "")
	g.connect("each", "none", "empty")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	require.True(t, res.Success, "error: %s", res.Error)
	sent := h.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "nothing to do", sent[0].Subject)
}

func TestSMSWithoutRecipientSkips(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("text", models.NodeTypeSMS, models.JSONB{"message": "hi"})
	g.node("after", models.NodeTypeEmail, models.JSONB{
		"to": "owner@example.test", "subject": "after sms", "body": "-",
	})
	g.connect("start", "text", "")
	g.connect("text", "after", "")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	require.True(t, res.Success, "error: %s", res.Error)

	var smsResult *engine.NodeResult
	for i := range res.NodeResults {
		if res.NodeResults[i].NodeID == "text" {
			smsResult = &res.NodeResults[i]
		}
	}
	require.NotNil(t, smsResult)
	assert.Equal(t, models.NodeStatusSkipped, smsResult.Status)
	assert.Equal(t, true, smsResult.Output["skipped"])

	// A SKIPPED node still satisfies the default connection gate.
	require.Len(t, h.email.Sent(), 1)
	assert.Empty(t, h.sms.Sent())
}

func TestParallelRunsAllBranches(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("fan", models.NodeTypeParallel, models.JSONB{
		"parallelNodeIds": []any{"left", "right"},
	})
	g.node("left", models.NodeTypeEmail, models.JSONB{"to": "l@example.test", "subject": "L", "body": "-"})
	g.node("right", models.NodeTypeEmail, models.JSONB{"to": "r@example.test", "subject": "R", "body": "-"})
	g.connect("start", "fan", "")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	require.True(t, res.Success, "error: %s", res.Error)
	assert.Len(t, h.email.Sent(), 2)
}

func TestParallelBranchOutputsVisibleDownstream(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("fan", models.NodeTypeParallel, models.JSONB{
		"parallelNodeIds": []any{"left", "right"},
	})
	// Both branches record under a resultKey while running concurrently.
	left := g.node("left", models.NodeTypeEmail, models.JSONB{"to": "l@example.test", "subject": "L", "body": "-"})
	left.Config["resultKey"] = "leftMail"
	right := g.node("right", models.NodeTypeEmail, models.JSONB{"to": "r@example.test", "subject": "R", "body": "-"})
	right.Config["resultKey"] = "rightMail"
	g.node("recap", models.NodeTypeEmail, models.JSONB{
		"to":      "owner@example.test",
		"subject": "{{ leftMail.subject }} then {{ rightMail.subject }}",
		"body":    "-",
	})
	g.connect("start", "fan", "")
	g.connect("fan", "recap", "")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	require.True(t, res.Success, "error: %s", res.Error)

	var recap string
	for _, m := range h.email.Sent() {
		if m.To == "owner@example.test" {
			recap = m.Subject
		}
	}
	assert.Equal(t, "L then R", recap)
}

func TestFailedNodeFailsExecution(t *testing.T) {
	h := newHarness(engine.Config{})
	h.email.Fail = "smtp unavailable"
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("send", models.NodeTypeEmail, models.JSONB{"to": "x@example.test", "subject": "s", "body": "-"})
	g.connect("start", "send", "")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	assert.False(t, res.Success)
	assert.Equal(t, models.ExecutionStatusFailed, res.Status)

	wf, _ := h.workflows.GetWorkflow(context.Background(), g.wf.ID)
	assert.Equal(t, int64(1), wf.FailedExecutions)
}

func TestTransientSendFailureRetriesUntilSuccess(t *testing.T) {
	h := newHarness(engine.Config{})
	h.email.FailTimes = 2
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("send", models.NodeTypeEmail, models.JSONB{"to": "x@example.test", "subject": "s", "body": "-"})
	g.connect("start", "send", "")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	require.True(t, res.Success, "error: %s", res.Error)
	assert.Len(t, h.email.Sent(), 1)

	for _, nr := range res.NodeResults {
		if nr.NodeID == "send" {
			assert.Equal(t, 2, nr.Retries)
		}
	}
}

func TestRetryAttemptsCapBoundsTransientRetries(t *testing.T) {
	h := newHarness(engine.Config{RetryAttempts: 1})
	h.email.FailTimes = 10
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("send", models.NodeTypeEmail, models.JSONB{"to": "x@example.test", "subject": "s", "body": "-"})
	g.connect("start", "send", "")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	assert.False(t, res.Success)

	for _, nr := range res.NodeResults {
		if nr.NodeID == "send" {
			assert.Equal(t, 1, nr.Retries)
		}
	}
}

func TestRetryExecutionReplaysFailedRun(t *testing.T) {
	h := newHarness(engine.Config{})
	h.email.Fail = "smtp unavailable"
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("send", models.NodeTypeEmail, models.JSONB{"to": "x@example.test", "subject": "s", "body": "-"})
	g.connect("start", "send", "")
	g.install(h)

	failed := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	require.False(t, failed.Success)

	h.email.Fail = ""
	retried := h.engine.RetryExecution(context.Background(), uuid.MustParse(failed.ExecutionID))
	require.True(t, retried.Success, "error: %s", retried.Error)
	assert.NotEqual(t, failed.ExecutionID, retried.ExecutionID)
	assert.Len(t, h.email.Sent(), 1)

	// Only FAILED executions can be retried.
	again := h.engine.RetryExecution(context.Background(), uuid.MustParse(retried.ExecutionID))
	assert.False(t, again.Success)
}

func TestCycleGuardStopsRunawayGraph(t *testing.T) {
	h := newHarness(engine.Config{MaxNodeVisits: 3})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("spin", models.NodeTypeEmail, models.JSONB{"to": "x@example.test", "subject": "s", "body": "-"})
	g.connect("start", "spin", "")
	g.connect("spin", "spin", "")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	require.True(t, res.Success, "error: %s", res.Error)
	assert.Len(t, h.email.Sent(), 3)
}

func TestApprovalPausesAndResumes(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("gate", models.NodeTypeApproval, models.JSONB{
		"approverIds":    []any{"mgr-1"},
		"expiresInHours": float64(24),
	})
	g.node("won", models.NodeTypeEmail, models.JSONB{"to": "x@example.test", "subject": "approved", "body": "-"})
	g.node("lost", models.NodeTypeEmail, models.JSONB{"to": "x@example.test", "subject": "rejected", "body": "-"})
	g.connect("start", "gate", "")
	g.connect("gate", "won", "approved")
	g.connect("gate", "lost", "rejected")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	require.True(t, res.Success)
	assert.Equal(t, models.ExecutionStatusRunning, res.Status)
	assert.Empty(t, h.email.Sent())

	pending := h.approvals.Pending()
	require.Len(t, pending, 1)

	final := h.engine.ResumeAfterApproval(context.Background(), pending[0], true, "mgr-1", "lgtm")
	require.True(t, final.Success, "error: %s", final.Error)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)

	sent := h.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "approved", sent[0].Subject)

	// The decision is final.
	again := h.engine.ResumeAfterApproval(context.Background(), pending[0], false, "mgr-2", "")
	assert.False(t, again.Success)
}

func TestApprovalRejectionWithoutBranchFailsExecution(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("gate", models.NodeTypeApproval, models.JSONB{"approverIds": []any{"mgr-1"}})
	g.node("won", models.NodeTypeEmail, models.JSONB{"to": "x@example.test", "subject": "approved", "body": "-"})
	g.connect("start", "gate", "")
	g.connect("gate", "won", "approved")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	require.True(t, res.Success)

	pending := h.approvals.Pending()
	require.Len(t, pending, 1)

	final := h.engine.ResumeAfterApproval(context.Background(), pending[0], false, "mgr-1", "nope")
	assert.False(t, final.Success)
	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	assert.Empty(t, h.email.Sent())
}

func TestCancelExecutionIsExactlyOnce(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("gate", models.NodeTypeApproval, models.JSONB{"approverIds": []any{"mgr-1"}})
	g.connect("start", "gate", "")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	require.Equal(t, models.ExecutionStatusRunning, res.Status)
	execID := uuid.MustParse(res.ExecutionID)

	require.NoError(t, h.engine.CancelExecution(context.Background(), execID, "operator request"))
	exec, _ := h.executions.GetExecution(context.Background(), execID)
	assert.Equal(t, models.ExecutionStatusCancelled, exec.Status)

	// Second cancel finds a settled execution.
	assert.Error(t, h.engine.CancelExecution(context.Background(), execID, ""))
}

func TestCreateAndUpdateRecordNodes(t *testing.T) {
	h := newHarness(engine.Config{})
	h.records.Seed("task", models.JSONB{
		"id": "task-1", "organizationId": "org-1", "status": "open",
	})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("log", models.NodeTypeCreateRecord, models.JSONB{
		"model": "task",
		"fields": map[string]any{
			"title":  "Follow up {{ payload.dealName }}",
			"status": "open",
		},
	})
	g.node("close", models.NodeTypeUpdateRecord, models.JSONB{
		"model":    "task",
		"recordId": "task-1",
		"fields":   map[string]any{"status": "done"},
	})
	g.connect("start", "log", "")
	g.connect("log", "close", "")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	require.True(t, res.Success, "error: %s", res.Error)

	tasks := h.records.All("task")
	require.Len(t, tasks, 2)
	var seeded, created models.JSONB
	for _, task := range tasks {
		if task["id"] == "task-1" {
			seeded = task
		} else {
			created = task
		}
	}
	assert.Equal(t, "done", seeded["status"])
	assert.Equal(t, "Follow up Big Deal", created["title"])
	assert.Equal(t, "org-1", created["organizationId"])
}

func TestTransformQuerySelectsFromCollection(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("pick", models.NodeTypeDataTransform, models.JSONB{
		"operation":  "query",
		"dataSource": "payload.contacts",
		"conditions": []any{
			map[string]any{"field": "vip", "operator": "equals", "value": true},
		},
	})
	g.connect("start", "pick", "")
	g.install(h)

	ev := dealEvent("org-1")
	ev.Payload["contacts"] = []any{
		map[string]any{"name": "Ann", "vip": true},
		map[string]any{"name": "Bob", "vip": false},
		map[string]any{"name": "Cas", "vip": true},
	}
	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, ev, nil)
	require.True(t, res.Success, "error: %s", res.Error)

	out := nodeOutput(res, "pick")
	require.NotNil(t, out)
	assert.Equal(t, 2, out["count"])
	assert.Equal(t, 3, out["queriedFrom"])
}

func TestTransformQueryRoutesThroughRecordStore(t *testing.T) {
	h := newHarness(engine.Config{})
	h.records.Seed("task", models.JSONB{
		"id": "task-1", "organizationId": "org-1", "status": "open",
	})
	h.records.Seed("task", models.JSONB{
		"id": "task-2", "organizationId": "org-1", "status": "done",
	})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("open-tasks", models.NodeTypeDataTransform, models.JSONB{
		"operation": "query",
		"model":     "task",
		"conditions": []any{
			map[string]any{"field": "status", "operator": "equals", "value": "open"},
		},
	})
	g.connect("start", "open-tasks", "")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	require.True(t, res.Success, "error: %s", res.Error)

	out := nodeOutput(res, "open-tasks")
	require.NotNil(t, out)
	assert.Equal(t, 1, out["count"])
	assert.Equal(t, "task", out["model"])
}

func TestScheduleNodeRegistersSchedule(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("timer", models.NodeTypeSchedule, models.JSONB{"frequency": "DAILY"})
	g.connect("start", "timer", "")
	g.install(h)

	res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
	require.True(t, res.Success, "error: %s", res.Error)

	due, err := h.schedules.FetchDue(context.Background(), time.Now().UTC().Add(25*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "timer", due[0].NodeID)
	assert.Equal(t, 0, due[0].RetryCount())
}

func TestTriggerManuallyRequiresActiveWorkflow(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.wf.Status = models.WorkflowStatusPaused
	g.node("start", models.NodeTypeTrigger, nil)
	g.install(h)

	res := h.engine.TriggerManually(context.Background(), g.wf.ID, "org-1", nil)
	assert.False(t, res.Success)

	g.wf.Status = models.WorkflowStatusActive
	res = h.engine.TriggerManually(context.Background(), g.wf.ID, "org-1", models.JSONB{"reason": "test"})
	assert.True(t, res.Success, "error: %s", res.Error)
}

func TestGetWorkflowStats(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.install(h)

	for i := 0; i < 3; i++ {
		res := h.engine.ExecuteWorkflow(context.Background(), g.wf.ID, dealEvent("org-1"), nil)
		require.True(t, res.Success)
	}

	stats, err := h.engine.GetWorkflowStats(context.Background(), g.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalExecutions)
	assert.Equal(t, int64(3), stats.SuccessfulExecutions)
	assert.Len(t, stats.RecentExecutions, 3)
}
