package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsflow/internal/engine"
	"opsflow/internal/logging"
	"opsflow/internal/models"
)

func newDispatcher(h *harness) *engine.Dispatcher {
	return engine.NewDispatcher(h.workflows, h.engine, logging.Nop(), nil, nil, 2)
}

func TestDispatchRequiresOrganization(t *testing.T) {
	h := newHarness(engine.Config{})
	d := newDispatcher(h)
	_, err := d.Dispatch(context.Background(), engine.Event{Module: "crm"})
	assert.Error(t, err)
}

func TestDispatchExactTriggerBeatsWildcardWithinWorkflow(t *testing.T) {
	h := newHarness(engine.Config{})

	g := newGraph("org-1")
	g.trigger("start-exact", "crm", "deal", "deal_status_changed")
	g.trigger("start-wild", "crm", "", "")
	g.node("start-exact", models.NodeTypeTrigger, nil)
	g.node("start-wild", models.NodeTypeTrigger, nil)
	g.node("send-exact", models.NodeTypeEmail, models.JSONB{"to": "exact@example.test", "subject": "exact", "body": "-"})
	g.node("send-wild", models.NodeTypeEmail, models.JSONB{"to": "wild@example.test", "subject": "wild", "body": "-"})
	g.connect("start-exact", "send-exact", "")
	g.connect("start-wild", "send-wild", "")
	g.install(h)

	d := newDispatcher(h)
	res, err := d.Dispatch(context.Background(), dealEvent("org-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)

	sent := h.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "exact", sent[0].Subject)

	// Only the winning trigger's counter advanced.
	trig, _ := h.workflows.GetTrigger(context.Background(), g.wf.Triggers[0].ID)
	assert.Equal(t, int64(1), trig.TriggerCount)
	loser, _ := h.workflows.GetTrigger(context.Background(), g.wf.Triggers[1].ID)
	assert.Equal(t, int64(0), loser.TriggerCount)
}

func TestDispatchRunsEveryMatchedWorkflow(t *testing.T) {
	h := newHarness(engine.Config{})

	exact := newGraph("org-1")
	exact.trigger("start", "crm", "deal", "deal_status_changed")
	exact.node("start", models.NodeTypeTrigger, nil)
	exact.node("send", models.NodeTypeEmail, models.JSONB{"to": "exact@example.test", "subject": "exact", "body": "-"})
	exact.connect("start", "send", "")
	exact.install(h)

	wildcard := newGraph("org-1")
	wildcard.trigger("start", "crm", "", "")
	wildcard.node("start", models.NodeTypeTrigger, nil)
	wildcard.node("send", models.NodeTypeEmail, models.JSONB{"to": "wild@example.test", "subject": "wild", "body": "-"})
	wildcard.connect("start", "send", "")
	wildcard.install(h)

	d := newDispatcher(h)
	res, err := d.Dispatch(context.Background(), dealEvent("org-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Matched)

	// A wildcard in one workflow is not suppressed by an exact trigger
	// in another: both workflows execute.
	sent := h.email.Sent()
	require.Len(t, sent, 2)
	subjects := []string{sent[0].Subject, sent[1].Subject}
	assert.ElementsMatch(t, []string{"exact", "wild"}, subjects)
}

func TestDispatchTriggerWithoutModuleNeverMatches(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.trigger("start", "", "", "")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("send", models.NodeTypeEmail, models.JSONB{"to": "x@example.test", "subject": "s", "body": "-"})
	g.connect("start", "send", "")
	g.install(h)

	d := newDispatcher(h)
	res, err := d.Dispatch(context.Background(), dealEvent("org-1"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matched)
	assert.Empty(t, h.email.Sent())
}

func TestDispatchFailedConditionsDoNotPromoteWildcard(t *testing.T) {
	h := newHarness(engine.Config{})

	g := newGraph("org-1")
	exact := g.trigger("start-exact", "crm", "deal", "deal_status_changed")
	exact.Conditions = models.JSONB{
		"conditions": []any{
			map[string]any{"field": "amount", "operator": "gt", "value": float64(5000)},
		},
	}
	g.trigger("start-wild", "crm", "", "")
	g.node("start-exact", models.NodeTypeTrigger, nil)
	g.node("start-wild", models.NodeTypeTrigger, nil)
	g.node("send-exact", models.NodeTypeEmail, models.JSONB{"to": "exact@example.test", "subject": "exact", "body": "-"})
	g.node("send-wild", models.NodeTypeEmail, models.JSONB{"to": "wild@example.test", "subject": "wild", "body": "-"})
	g.connect("start-exact", "send-exact", "")
	g.connect("start-wild", "send-wild", "")
	g.install(h)

	d := newDispatcher(h)

	// The exact trigger wins the tier but its conditions fail: the
	// wildcard must not run in its place.
	res, err := d.Dispatch(context.Background(), dealEvent("org-1")) // amount 1500
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matched)
	assert.Empty(t, h.email.Sent())

	ev := dealEvent("org-1")
	ev.Payload["amount"] = float64(9000)
	res, err = d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	sent := h.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "exact", sent[0].Subject)
}

func TestDispatchPrefiltersTypedTriggersByKind(t *testing.T) {
	h := newHarness(engine.Config{})

	// Module-wide wildcard pinned to a different canonical kind: the
	// store prefilter must keep it away from deal events.
	typed := newGraph("org-1")
	trig := typed.trigger("start", "crm", "", "")
	trig.Type = "crm.lead.created"
	typed.node("start", models.NodeTypeTrigger, nil)
	typed.install(h)

	untyped := newGraph("org-1")
	untyped.trigger("start", "crm", "deal", "deal_status_changed")
	untyped.node("start", models.NodeTypeTrigger, nil)
	untyped.install(h)

	d := newDispatcher(h)
	res, err := d.Dispatch(context.Background(), dealEvent("org-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
}

func TestDispatchEntityAliasesMatch(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	g.trigger("start", "crm", "customer", "created")
	g.node("start", models.NodeTypeTrigger, nil)
	g.node("send", models.NodeTypeEmail, models.JSONB{"to": "x@example.test", "subject": "s", "body": "-"})
	g.connect("start", "send", "")
	g.install(h)

	d := newDispatcher(h)
	// "contact" aliases to "customer" within CRM.
	res, err := d.Dispatch(context.Background(), engine.Event{
		OrganizationID: "org-1",
		Module:         "CRM",
		EntityType:     "contact",
		EventType:      "Created",
		Payload:        models.JSONB{"email": "c@example.test"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
}

func TestDispatchTriggerConditionsGate(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	trig := g.trigger("start", "crm", "deal", "deal_status_changed")
	trig.Conditions = models.JSONB{
		"conditions": []any{
			map[string]any{"field": "amount", "operator": "gt", "value": float64(5000)},
		},
	}
	g.node("start", models.NodeTypeTrigger, nil)
	g.install(h)

	d := newDispatcher(h)
	res, err := d.Dispatch(context.Background(), dealEvent("org-1")) // amount 1500
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matched)

	ev := dealEvent("org-1")
	ev.Payload["amount"] = float64(9000)
	res, err = d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
}

func TestDispatchMalformedTriggerConditionsSkip(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-1")
	trig := g.trigger("start", "crm", "deal", "deal_status_changed")
	trig.Conditions = models.JSONB{"conditions": "garbage"}
	g.node("start", models.NodeTypeTrigger, nil)
	g.install(h)

	d := newDispatcher(h)
	res, err := d.Dispatch(context.Background(), dealEvent("org-1"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matched)
}

func TestDispatchScopesByOrganization(t *testing.T) {
	h := newHarness(engine.Config{})
	g := newGraph("org-2")
	g.trigger("start", "crm", "deal", "deal_status_changed")
	g.node("start", models.NodeTypeTrigger, nil)
	g.install(h)

	d := newDispatcher(h)
	res, err := d.Dispatch(context.Background(), dealEvent("org-1"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matched)
}

func TestDispatchIgnoresInactiveWorkflowsAndTriggers(t *testing.T) {
	h := newHarness(engine.Config{})

	paused := newGraph("org-1")
	paused.wf.Status = models.WorkflowStatusPaused
	paused.trigger("start", "crm", "deal", "deal_status_changed")
	paused.node("start", models.NodeTypeTrigger, nil)
	paused.install(h)

	inactive := newGraph("org-1")
	trig := inactive.trigger("start", "crm", "deal", "deal_status_changed")
	trig.IsActive = false
	inactive.node("start", models.NodeTypeTrigger, nil)
	inactive.install(h)

	d := newDispatcher(h)
	res, err := d.Dispatch(context.Background(), dealEvent("org-1"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matched)
}
