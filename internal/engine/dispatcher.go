package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"opsflow/internal/logging"
	"opsflow/internal/models"
)

// Dispatcher fans a domain event out to every ACTIVE workflow whose trigger
// matches it. Matching is specificity-scored so exact triggers win over
// wildcards, and each matched workflow executes on its own goroutine.
type Dispatcher struct {
	workflows WorkflowStore
	engine    *Engine
	logger    logging.Logger
	metrics   *Metrics
	clock     Clock

	// MaxConcurrent bounds simultaneous workflow executions per dispatch.
	MaxConcurrent int
}

// NewDispatcher wires a dispatcher over the workflow store and engine.
func NewDispatcher(workflows WorkflowStore, engine *Engine, logger logging.Logger, metrics *Metrics, clock Clock, maxConcurrent int) *Dispatcher {
	if clock == nil {
		clock = SystemClock{}
	}
	if metrics == nil {
		metrics = defaultMetrics()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Dispatcher{
		workflows:     workflows,
		engine:        engine,
		logger:        logging.OrNop(logger),
		metrics:       metrics,
		clock:         clock,
		MaxConcurrent: maxConcurrent,
	}
}

// DispatchResult reports what one event triggered.
type DispatchResult struct {
	Matched    int                `json:"matched"`
	Executions []*ExecutionResult `json:"executions,omitempty"`
}

// triggerMatch pairs a workflow with one of its matching triggers.
type triggerMatch struct {
	workflow *models.Workflow
	trigger  *models.WorkflowTrigger
}

// scoreTrigger computes the specificity of a trigger against a normalized
// event triple. A trigger must declare at least its module, and every
// declared field must match its event counterpart (after aliasing) or the
// trigger does not match at all; each exact entity or event match earns 2
// points, a wildcard earns none.
func scoreTrigger(trig *models.WorkflowTrigger, module, entity, eventType string) (int, bool) {
	if !trig.IsActive || trig.Module == "" {
		return 0, false
	}
	score := 0
	if NormalizeModule(trig.Module) != module {
		return 0, false
	}
	if trig.EntityType != "" {
		if NormalizeEntity(module, trig.EntityType) != entity {
			return 0, false
		}
		score += 2
	}
	if trig.EventType != "" {
		if NormalizeEventType(trig.EventType) != eventType {
			return 0, false
		}
		score += 2
	}
	return score, true
}

// matchWorkflowTriggers returns the workflow's own triggers that match the
// event, keeping only its top specificity tier. Trigger conditions are
// evaluated after tier retention: a top-tier trigger whose conditions fail
// drops out without promoting a less specific sibling.
func matchWorkflowTriggers(wf *models.Workflow, ev Event, logger logging.Logger) []*models.WorkflowTrigger {
	module := NormalizeModule(ev.Module)
	entity := NormalizeEntity(ev.Module, ev.EntityType)
	eventType := NormalizeEventType(ev.EventType)

	best := -1
	var retained []*models.WorkflowTrigger
	for _, trig := range wf.Triggers {
		score, ok := scoreTrigger(trig, module, entity, eventType)
		if !ok {
			continue
		}
		switch {
		case score > best:
			best = score
			retained = retained[:0]
			retained = append(retained, trig)
		case score == best:
			retained = append(retained, trig)
		}
	}

	var out []*models.WorkflowTrigger
	for _, trig := range retained {
		if triggerConditionsHold(trig, ev, logger) {
			out = append(out, trig)
		}
	}
	return out
}

// triggerConditionsHold evaluates the optional trigger predicate against the
// event payload. A malformed predicate is logged and treated as non-matching.
func triggerConditionsHold(trig *models.WorkflowTrigger, ev Event, logger logging.Logger) bool {
	if len(trig.Conditions) == 0 {
		return true
	}
	set, ok := models.ConditionSetFromJSONB(trig.Conditions)
	if !ok {
		logging.OrNop(logger).Warn("dispatcher: trigger %s has malformed conditions, skipping", trig.ID)
		return false
	}
	scope := &evalScope{payload: ev.Payload, trigger: ev.AsMap()}
	matched, err := scope.EvaluateConditionSet(set)
	if err != nil {
		logging.OrNop(logger).Warn("dispatcher: trigger %s conditions: %v", trig.ID, err)
		return false
	}
	return matched
}

// Dispatch matches the event against every ACTIVE workflow in the
// organization and executes the winners concurrently. Specificity is scored
// per workflow: within one workflow an exact (entity, event) trigger
// suppresses that workflow's wildcard triggers, but a wildcard-only workflow
// still fires alongside an exactly-matched one.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*DispatchResult, error) {
	if err := ev.Validate(); err != nil {
		d.metrics.IncDispatch(NormalizeModule(ev.Module), "invalid")
		return nil, err
	}
	if ev.TriggeredAt.IsZero() {
		ev.TriggeredAt = d.clock.Now().UTC()
	}

	module := NormalizeModule(ev.Module)
	entity := NormalizeEntity(ev.Module, ev.EntityType)
	eventType := NormalizeEventType(ev.EventType)

	// A recognized (module, entity, event) triple prefilters typed triggers
	// at the store; untyped triggers always come back.
	kind, _ := CanonicalTriggerKind(ev.Module, ev.EntityType, ev.EventType)
	workflows, err := d.workflows.ListActiveWorkflows(ctx, ev.OrganizationID, kind)
	if err != nil {
		d.metrics.IncDispatch(module, "error")
		return nil, fmt.Errorf("list active workflows: %w", err)
	}

	var matches []triggerMatch
	for _, wf := range workflows {
		for _, trig := range matchWorkflowTriggers(wf, ev, d.logger) {
			matches = append(matches, triggerMatch{workflow: wf, trigger: trig})
		}
	}

	if len(matches) == 0 {
		d.logger.Debug("dispatcher: no workflow matched %s.%s.%s for org %s", module, entity, eventType, ev.OrganizationID)
		d.metrics.IncDispatch(module, "unmatched")
		return &DispatchResult{}, nil
	}

	d.logger.Info("dispatcher: %s.%s.%s matched %d trigger(s)", module, entity, eventType, len(matches))

	var mu sync.Mutex
	results := make([]*ExecutionResult, 0, len(matches))

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(d.MaxConcurrent)
	for _, m := range matches {
		m := m
		g.Go(func() error {
			res := d.safeExecute(gctx, m, ev)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		outcome := "failed"
		if res.Success {
			outcome = "executed"
		}
		d.metrics.IncDispatch(module, outcome)
	}
	return &DispatchResult{Matched: len(matches), Executions: results}, nil
}

// safeExecute runs one matched workflow and converts a panicking execution
// into a FAILED result instead of letting it take down the dispatcher.
func (d *Dispatcher) safeExecute(ctx context.Context, m triggerMatch, ev Event) (res *ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher: workflow %s panicked: %v", m.workflow.ID, r)
			res = &ExecutionResult{
				Success: false,
				Status:  models.ExecutionStatusFailed,
				Error:   fmt.Sprintf("workflow execution panicked: %v", r),
			}
		}
	}()

	triggerID := m.trigger.ID
	res = d.engine.ExecuteWorkflow(ctx, m.workflow.ID, ev, &triggerID)
	if res.Success {
		if err := d.workflows.MarkTriggerFired(ctx, m.trigger.ID, d.clock.Now().UTC()); err != nil {
			d.logger.Warn("dispatcher: mark trigger %s fired: %v", m.trigger.ID, err)
		}
	}
	return res
}

// DispatchAsync dispatches on a background goroutine, for callers that must
// not block on workflow execution. The returned channel receives the result
// once and is then closed.
func (d *Dispatcher) DispatchAsync(ev Event) <-chan *DispatchResult {
	out := make(chan *DispatchResult, 1)
	go func() {
		defer close(out)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		res, err := d.Dispatch(ctx, ev)
		if err != nil {
			d.logger.Error("dispatcher: async dispatch: %v", err)
			res = &DispatchResult{}
		}
		out <- res
	}()
	return out
}
