package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsflow/internal/async"
	"opsflow/internal/errors"
	"opsflow/internal/logging"
	"opsflow/internal/models"
)

const (
	defaultNodeTimeout   = 300 * time.Second
	defaultMaxVisits     = 50
	defaultMaxIteration  = 100
	defaultRetryAttempts = 3
	defaultRetryDelay    = 5 * time.Second
)

// Config tunes engine limits.
type Config struct {
	// MaxNodeVisits caps how often a single node id may run within one
	// execution before the branch is cut (cycle guard). Default 50.
	MaxNodeVisits int
	// DefaultNodeTimeout applies when a node declares no timeoutSeconds.
	// Default 300s.
	DefaultNodeTimeout time.Duration
	// RetryAttempts caps transient retries for nodes that declare no
	// retryLimit of their own. Default 3.
	RetryAttempts int
	// RetryDelay is the exponential-backoff base between node retry
	// attempts. Default 5s.
	RetryDelay time.Duration
}

// Engine interprets persisted workflow graphs. It owns no state across
// executions; everything mutable lives in the per-execution runtime.
type Engine struct {
	workflows  WorkflowStore
	executions ExecutionStore
	approvals  ApprovalStore
	schedules  ScheduleWriter
	records    RecordStore
	email      EmailSink
	sms        SmsSink

	execLog *logging.ExecutionLogger
	logger  logging.Logger
	clock   Clock
	metrics *Metrics

	maxVisits     int
	nodeTimeout   time.Duration
	retryAttempts int
	retryDelay    time.Duration
}

// New wires an engine from its collaborators. Logger, clock and metrics may
// be nil.
func New(workflows WorkflowStore, executions ExecutionStore, approvals ApprovalStore, schedules ScheduleWriter, records RecordStore, email EmailSink, sms SmsSink, execLog *logging.ExecutionLogger, logger logging.Logger, clock Clock, metrics *Metrics, cfg Config) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	if metrics == nil {
		metrics = defaultMetrics()
	}
	if cfg.MaxNodeVisits <= 0 {
		cfg.MaxNodeVisits = defaultMaxVisits
	}
	if cfg.DefaultNodeTimeout <= 0 {
		cfg.DefaultNodeTimeout = defaultNodeTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if execLog == nil {
		execLog = logging.NewExecutionLogger(nil, logger)
	}
	return &Engine{
		workflows:     workflows,
		executions:    executions,
		approvals:     approvals,
		schedules:     schedules,
		records:       records,
		email:         email,
		sms:           sms,
		execLog:       execLog,
		logger:        logging.OrNop(logger),
		clock:         clock,
		metrics:       metrics,
		maxVisits:     cfg.MaxNodeVisits,
		nodeTimeout:   cfg.DefaultNodeTimeout,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
	}
}

// ExecuteWorkflow runs one workflow against an event. It never returns an
// error; failures are captured in the result.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID uuid.UUID, ev Event, triggerID *uuid.UUID) *ExecutionResult {
	wf, err := e.workflows.GetWorkflow(ctx, workflowID)
	if err != nil || wf == nil {
		msg := fmt.Sprintf("workflow %s not found", workflowID)
		if err != nil {
			msg = fmt.Sprintf("load workflow %s: %v", workflowID, err)
		}
		e.logger.Error("engine: %s", msg)
		return &ExecutionResult{Success: false, Status: models.ExecutionStatusFailed, Error: msg}
	}

	now := e.clock.Now().UTC()
	exec := &models.WorkflowExecution{
		ID:                  uuid.New(),
		WorkflowID:          wf.ID,
		OrganizationID:      ev.OrganizationID,
		ExternalExecutionID: "exec_" + strings.Split(uuid.New().String(), "-")[0],
		TriggerID:           triggerID,
		Status:              models.ExecutionStatusRunning,
		TriggerData:         ev.AsMap(),
		StartedAt:           now,
	}
	if err := e.executions.CreateExecution(ctx, exec); err != nil {
		msg := fmt.Sprintf("create execution: %v", err)
		e.logger.Error("engine: %s", msg)
		return &ExecutionResult{Success: false, Status: models.ExecutionStatusFailed, Error: msg}
	}

	e.metrics.IncActiveExecutions()
	defer e.metrics.DecActiveExecutions()

	rt, fatal := e.buildRuntime(ctx, wf, exec, ev)
	if fatal != nil {
		return e.finishFatal(ctx, rt, exec, fatal)
	}

	startNodes := e.selectStartNodes(ctx, rt, triggerID)
	scoped := e.execLog.Scoped(exec.ID, "")
	if len(startNodes) == 0 {
		scoped.Info(ctx, "execution", "no start node resolved; nothing to execute", nil)
		return e.finalize(ctx, rt, exec, nil)
	}

	scoped.Info(ctx, "execution", fmt.Sprintf("execution started with %d start node(s)", len(startNodes)), models.JSONB{
		"workflowId": wf.ID.String(),
		"trigger":    ev.Module + "." + ev.EntityType + "." + ev.EventType,
	})

	var walkErr error
	for _, nodeID := range startNodes {
		if _, err := e.executeBranch(ctx, rt, nodeID, ev, nil); err != nil {
			if errors.IsFatal(err) {
				walkErr = err
				break
			}
		}
	}

	return e.finalize(ctx, rt, exec, walkErr)
}

func (e *Engine) buildRuntime(ctx context.Context, wf *models.Workflow, exec *models.WorkflowExecution, ev Event) (*runtime, error) {
	nodes, err := e.workflows.ListNodes(ctx, wf.ID)
	if err != nil {
		return newRuntime(wf, exec, nil, nil, ev), errors.NewFatal(err, "load workflow graph: %v", err)
	}
	conns, err := e.workflows.ListConnections(ctx, wf.ID)
	if err != nil {
		return newRuntime(wf, exec, nil, nil, ev), errors.NewFatal(err, "load workflow connections: %v", err)
	}
	return newRuntime(wf, exec, nodes, conns, ev), nil
}

// selectStartNodes prefers the node the matched trigger points at and falls
// back to re-matching the workflow's triggers against the event context.
func (e *Engine) selectStartNodes(ctx context.Context, rt *runtime, triggerID *uuid.UUID) []string {
	if triggerID != nil {
		trig, err := e.workflows.GetTrigger(ctx, *triggerID)
		if err == nil && trig != nil {
			if _, ok := rt.nodes[trig.NodeID]; ok {
				return []string{trig.NodeID}
			}
		}
		e.logger.Warn("engine: trigger %s did not resolve to a node, falling back to context match", triggerID)
	}

	matched := matchWorkflowTriggers(rt.workflow, rt.event, e.logger)
	seen := make(map[string]bool)
	var out []string
	for _, trig := range matched {
		if _, ok := rt.nodes[trig.NodeID]; !ok || seen[trig.NodeID] {
			continue
		}
		seen[trig.NodeID] = true
		out = append(out, trig.NodeID)
	}
	return out
}

// startNodesForManualRun returns every TRIGGER node, or the nodes without
// incoming connections when the workflow declares no TRIGGER kind.
func startNodesForManualRun(rt *runtime) []string {
	var triggers []string
	incoming := make(map[string]bool)
	for _, edges := range rt.outgoing {
		for _, c := range edges {
			incoming[c.TargetNodeID] = true
		}
	}
	var roots []string
	for id, node := range rt.nodes {
		if node.Type == models.NodeTypeTrigger {
			triggers = append(triggers, id)
		}
		if !incoming[id] {
			roots = append(roots, id)
		}
	}
	if len(triggers) > 0 {
		return triggers
	}
	return roots
}

// TriggerManually executes an ACTIVE workflow with a synthetic
// system/manual/run event.
func (e *Engine) TriggerManually(ctx context.Context, workflowID uuid.UUID, organizationID string, payload models.JSONB) *ExecutionResult {
	wf, err := e.workflows.GetWorkflow(ctx, workflowID)
	if err != nil || wf == nil {
		return &ExecutionResult{Success: false, Status: models.ExecutionStatusFailed, Error: fmt.Sprintf("workflow %s not found", workflowID)}
	}
	if wf.Status != models.WorkflowStatusActive {
		return &ExecutionResult{Success: false, Status: models.ExecutionStatusFailed, Error: fmt.Sprintf("workflow %q is not active", wf.Name)}
	}
	ev := Event{
		OrganizationID: organizationID,
		Module:         "system",
		EntityType:     "manual",
		EventType:      "run",
		Payload:        payload,
		TriggeredAt:    e.clock.Now().UTC(),
	}
	return e.executeFromStartSet(ctx, wf, ev, nil, startNodesForManualRun)
}

// ExecuteFromNode runs a workflow starting at the successors of the given
// node. The scheduler worker uses it to resume the graph below a SCHEDULE
// node without re-registering the schedule.
func (e *Engine) ExecuteFromNode(ctx context.Context, workflowID uuid.UUID, nodeID string, ev Event) *ExecutionResult {
	wf, err := e.workflows.GetWorkflow(ctx, workflowID)
	if err != nil || wf == nil {
		return &ExecutionResult{Success: false, Status: models.ExecutionStatusFailed, Error: fmt.Sprintf("workflow %s not found", workflowID)}
	}
	return e.executeFromStartSet(ctx, wf, ev, nil, func(rt *runtime) []string {
		var out []string
		for _, c := range rt.connectionsFrom(nodeID) {
			out = append(out, c.TargetNodeID)
		}
		if len(out) == 0 {
			if _, ok := rt.nodes[nodeID]; ok {
				e.logger.Warn("engine: node %s has no successors, nothing to execute", nodeID)
			} else {
				e.logger.Warn("engine: workflow %s has no node %q", workflowID, nodeID)
			}
		}
		return out
	})
}

// executeFromStartSet is the shared run path for entry points that choose
// their own start nodes (manual trigger, scheduler replay).
func (e *Engine) executeFromStartSet(ctx context.Context, wf *models.Workflow, ev Event, triggerID *uuid.UUID, pick func(*runtime) []string) *ExecutionResult {
	now := e.clock.Now().UTC()
	exec := &models.WorkflowExecution{
		ID:                  uuid.New(),
		WorkflowID:          wf.ID,
		OrganizationID:      ev.OrganizationID,
		ExternalExecutionID: "exec_" + strings.Split(uuid.New().String(), "-")[0],
		TriggerID:           triggerID,
		Status:              models.ExecutionStatusRunning,
		TriggerData:         ev.AsMap(),
		StartedAt:           now,
	}
	if err := e.executions.CreateExecution(ctx, exec); err != nil {
		return &ExecutionResult{Success: false, Status: models.ExecutionStatusFailed, Error: fmt.Sprintf("create execution: %v", err)}
	}

	e.metrics.IncActiveExecutions()
	defer e.metrics.DecActiveExecutions()

	rt, fatal := e.buildRuntime(ctx, wf, exec, ev)
	if fatal != nil {
		return e.finishFatal(ctx, rt, exec, fatal)
	}

	var walkErr error
	for _, nodeID := range pick(rt) {
		if _, err := e.executeBranch(ctx, rt, nodeID, ev, nil); err != nil {
			if errors.IsFatal(err) {
				walkErr = err
				break
			}
		}
	}
	return e.finalize(ctx, rt, exec, walkErr)
}

// finalize settles the execution row. Executions with outstanding approvals
// stay RUNNING; everything else transitions exactly once to COMPLETED or
// FAILED, bumps the workflow counters and emits metrics.
func (e *Engine) finalize(ctx context.Context, rt *runtime, exec *models.WorkflowExecution, walkErr error) *ExecutionResult {
	results := rt.snapshotResults()
	scoped := e.execLog.Scoped(exec.ID, "")
	now := e.clock.Now().UTC()

	if walkErr == nil && rt.pendingApprovals > 0 {
		exec.Progress = rt.progress()
		if err := e.executions.UpdateExecution(ctx, exec); err != nil {
			e.logger.Warn("engine: persist pending execution %s: %v", exec.ID, err)
		}
		scoped.Info(ctx, "approval", "execution paused awaiting approval", nil)
		return &ExecutionResult{
			Success:             true,
			ExecutionID:         exec.ID.String(),
			ExternalExecutionID: exec.ExternalExecutionID,
			Status:              models.ExecutionStatusRunning,
			NodeResults:         results,
		}
	}

	status := models.ExecutionStatusCompleted
	errMsg := ""
	if walkErr != nil {
		status = models.ExecutionStatusFailed
		errMsg = walkErr.Error()
	} else if rt.branchFailures > 0 {
		status = models.ExecutionStatusFailed
		errMsg = fmt.Sprintf("%d node(s) failed", rt.branchFailures)
	}

	summary := models.JSONB{
		"nodesVisited": len(results),
		"failures":     rt.branchFailures,
	}
	applied, err := e.executions.FinishExecution(ctx, exec.ID, status, summary, errMsg, now)
	if err != nil {
		e.logger.Error("engine: finish execution %s: %v", exec.ID, err)
	}
	if !applied {
		// Execution was cancelled while running; its completion is ignored.
		stored, err := e.executions.GetExecution(ctx, exec.ID)
		if err == nil && stored != nil {
			status = stored.Status
			errMsg = stored.Error
		}
	} else {
		if err := e.workflows.RecordExecutionOutcome(ctx, exec.WorkflowID, status == models.ExecutionStatusCompleted, now); err != nil {
			e.logger.Warn("engine: record workflow outcome: %v", err)
		}
	}

	if status == models.ExecutionStatusFailed {
		scoped.Error(ctx, "execution", "execution failed: "+errMsg, nil)
	} else {
		scoped.Info(ctx, "execution", "execution "+strings.ToLower(string(status)), nil)
	}
	e.metrics.ObserveExecution(string(status), now.Sub(exec.StartedAt))

	return &ExecutionResult{
		Success:             status == models.ExecutionStatusCompleted,
		ExecutionID:         exec.ID.String(),
		ExternalExecutionID: exec.ExternalExecutionID,
		Status:              status,
		NodeResults:         results,
		Error:               errMsg,
	}
}

func (e *Engine) finishFatal(ctx context.Context, rt *runtime, exec *models.WorkflowExecution, fatal error) *ExecutionResult {
	now := e.clock.Now().UTC()
	e.execLog.Scoped(exec.ID, "").Fatal(ctx, "execution", fatal.Error(), nil)
	if _, err := e.executions.FinishExecution(ctx, exec.ID, models.ExecutionStatusFailed, nil, fatal.Error(), now); err != nil {
		e.logger.Error("engine: finish execution %s: %v", exec.ID, err)
	}
	if err := e.workflows.RecordExecutionOutcome(ctx, exec.WorkflowID, false, now); err != nil {
		e.logger.Warn("engine: record workflow outcome: %v", err)
	}
	e.metrics.ObserveExecution(string(models.ExecutionStatusFailed), now.Sub(exec.StartedAt))
	return &ExecutionResult{
		Success:             false,
		ExecutionID:         exec.ID.String(),
		ExternalExecutionID: exec.ExternalExecutionID,
		Status:              models.ExecutionStatusFailed,
		NodeResults:         rt.snapshotResults(),
		Error:               fatal.Error(),
	}
}

// executeBranch runs one node and walks its chosen successors depth-first.
// It returns the root node's terminal status. Branch-local failures are
// absorbed; only fatal errors propagate.
func (e *Engine) executeBranch(ctx context.Context, rt *runtime, nodeID string, ev Event, loop map[string]any) (models.NodeExecutionStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if visits := rt.visit(nodeID); visits > e.maxVisits {
		e.logger.Warn("engine: node %s exceeded visit budget (%d), stopping branch", nodeID, e.maxVisits)
		e.execLog.Scoped(rt.execution.ID, nodeID).Warn(ctx, "execution", fmt.Sprintf("node visit budget (%d) exceeded", e.maxVisits), nil)
		return "", nil
	}

	node, ok := rt.nodes[nodeID]
	if !ok {
		e.logger.Warn("engine: connection points at unknown node %q", nodeID)
		return "", nil
	}

	res, err := e.executeNode(ctx, rt, node, ev, loop)
	if err != nil && errors.IsFatal(err) {
		return models.NodeStatusFailed, err
	}

	if res.Status == models.NodeStatusFailed && !node.IsOptional {
		rt.noteBranchFailure()
	}

	for _, conn := range e.nextConnections(rt, node, res, ev, loop) {
		if _, err := e.executeBranch(ctx, rt, conn.TargetNodeID, ev, loop); err != nil {
			return res.Status, err
		}
	}
	return res.Status, nil
}

// executeNode persists the node attempt lifecycle: RUNNING row with input
// snapshot, interpreter raced against the node timeout with transient-error
// retries up to retryLimit, then the terminal row with output/error and
// duration.
func (e *Engine) executeNode(ctx context.Context, rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any) (NodeResult, error) {
	start := e.clock.Now().UTC()
	scoped := e.execLog.Scoped(rt.execution.ID, node.NodeID)

	row := &models.NodeExecution{
		ID:                  uuid.New(),
		WorkflowExecutionID: rt.execution.ID,
		NodeID:              node.NodeID,
		NodeType:            node.Type,
		ExecutionOrder:      node.ExecutionOrder,
		Status:              models.NodeStatusRunning,
		Input:               models.JSONB{"payload": map[string]any(ev.Payload), "config": map[string]any(node.Config)},
		StartedAt:           start,
	}
	if err := e.executions.CreateNodeExecution(ctx, row); err != nil {
		e.logger.Warn("engine: create node execution %s/%s: %v", rt.execution.ID, node.NodeID, err)
	}
	scoped.Info(ctx, "node", fmt.Sprintf("node %s (%s) started", node.NodeID, node.Type), nil)

	timeout := e.nodeTimeout
	if node.TimeoutSeconds > 0 {
		timeout = time.Duration(node.TimeoutSeconds) * time.Second
	}

	retryLimit := node.RetryLimit
	if retryLimit <= 0 {
		retryLimit = e.retryAttempts
	}
	attempts := 0
	interp, runErr := errors.RetryWithResult(ctx, errors.RetryConfig{
		MaxAttempts:  retryLimit,
		BaseDelay:    e.retryDelay,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}, func(ctx context.Context) (interpreterResult, error) {
		if attempts > 0 {
			scoped.Warn(ctx, "node", fmt.Sprintf("node %s retrying (attempt %d)", node.NodeID, attempts+1), nil)
		}
		attempts++
		out, st, err := e.runInterpreter(ctx, rt, node, ev, loop, timeout)
		return interpreterResult{output: out, status: st}, err
	}, e.logger)
	output, status := interp.output, interp.status
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}

	end := e.clock.Now().UTC()
	row.DurationMs = end.Sub(start).Milliseconds()
	row.CompletedAt = &end
	row.Retries = retries

	res := NodeResult{
		NodeID:     node.NodeID,
		Type:       node.Type,
		DurationMs: row.DurationMs,
		Retries:    retries,
	}

	if runErr != nil {
		row.Status = models.NodeStatusFailed
		row.Error = runErr.Error()
		res.Status = models.NodeStatusFailed
		res.Error = runErr.Error()
		scoped.Error(ctx, "node", fmt.Sprintf("node %s failed: %v", node.NodeID, runErr), nil)
	} else {
		if status == "" {
			status = models.NodeStatusCompleted
		}
		row.Status = status
		row.Output = output
		res.Status = status
		res.Output = output
		rt.recordOutput(node.NodeID, node.Config.String("resultKey"), map[string]any(output))
		scoped.Info(ctx, "node", fmt.Sprintf("node %s %s", node.NodeID, strings.ToLower(string(status))), nil)
	}

	if err := e.executions.UpdateNodeExecution(ctx, row); err != nil {
		e.logger.Warn("engine: update node execution %s/%s: %v", rt.execution.ID, node.NodeID, err)
	}
	rt.addResult(res)
	e.metrics.IncNodeExecution(string(node.Type), string(res.Status))

	// Best-effort progress update; the row settles on finalize anyway.
	rt.execution.Progress = rt.progress()
	async.Go(e.logger, "progress-update", func() {
		_ = e.executions.UpdateExecution(context.Background(), rt.execution)
	})

	if runErr != nil && errors.IsFatal(runErr) {
		return res, runErr
	}
	return res, nil
}

// runInterpreter races the per-kind interpreter against the node timeout.
type interpreterResult struct {
	output models.JSONB
	status models.NodeExecutionStatus
	err    error
}

func (e *Engine) runInterpreter(ctx context.Context, rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any, timeout time.Duration) (models.JSONB, models.NodeExecutionStatus, error) {
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan interpreterResult, 1)
	async.Go(e.logger, "node-"+node.NodeID, func() {
		out, status, err := e.interpretNode(nodeCtx, rt, node, ev, loop)
		done <- interpreterResult{output: out, status: status, err: err}
	})

	select {
	case res := <-done:
		return res.output, res.status, res.err
	case <-nodeCtx.Done():
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", errors.NewTransient(fmt.Errorf("node %s timed out after %s", node.NodeID, timeout))
	}
}

// interpretNode dispatches on the node kind.
func (e *Engine) interpretNode(ctx context.Context, rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any) (models.JSONB, models.NodeExecutionStatus, error) {
	switch node.Type {
	case models.NodeTypeTrigger:
		return models.JSONB{"triggered": true}, "", nil
	case models.NodeTypeEmail:
		return e.runEmailNode(ctx, rt, node, ev, loop)
	case models.NodeTypeSMS:
		return e.runSMSNode(ctx, rt, node, ev, loop)
	case models.NodeTypeAction:
		return e.runActionNode(ctx, rt, node, ev, loop)
	case models.NodeTypeDelay:
		return e.runDelayNode(ctx, node)
	case models.NodeTypeCondition:
		return e.runConditionNode(rt, node, ev, loop)
	case models.NodeTypeLoop:
		return e.runLoopNode(ctx, rt, node, ev, loop)
	case models.NodeTypeParallel:
		return e.runParallelNode(ctx, rt, node, ev, loop)
	case models.NodeTypeDataTransform:
		return e.runTransformNode(ctx, rt, node, ev, loop)
	case models.NodeTypeQuery:
		return e.runQueryNode(ctx, rt, node, ev, loop)
	case models.NodeTypeFilter:
		return e.runFilterNode(rt, node, ev, loop)
	case models.NodeTypeCreateRecord:
		return e.runCreateRecordNode(ctx, rt, node, ev, loop)
	case models.NodeTypeUpdateRecord:
		return e.runUpdateRecordNode(ctx, rt, node, ev, loop)
	case models.NodeTypeApproval:
		return e.runApprovalNode(ctx, rt, node, ev, loop)
	case models.NodeTypeSchedule:
		return e.runScheduleNode(ctx, rt, node, ev)
	default:
		return nil, "", errors.NewDefinitionError(node.NodeID, "unsupported node type %q", node.Type)
	}
}

// Reserved handles that per-kind routing owns; generic routing skips them.
var branchHandles = map[models.NodeType]map[string]bool{
	models.NodeTypeCondition: {"true": true, "false": true, "fallback": true, "default": true},
	models.NodeTypeLoop:      {"body": true, "loop": true, "item": true, "empty": true},
	models.NodeTypeApproval:  {"pending": true, "approved": true, "rejected": true},
}

func isDefaultHandle(h string) bool {
	switch strings.ToLower(h) {
	case "", "default", "next", "output":
		return true
	}
	return false
}

// nextConnections selects the outgoing edges to walk after a node settles,
// combining the kind's branch semantics with the optional onStatus gate.
func (e *Engine) nextConnections(rt *runtime, node *models.WorkflowNode, res NodeResult, ev Event, loop map[string]any) []*models.WorkflowConnection {
	conns := rt.connectionsFrom(node.NodeID)
	if len(conns) == 0 {
		return nil
	}

	var candidates []*models.WorkflowConnection
	switch node.Type {
	case models.NodeTypeCondition:
		matched, _ := res.Output["matched"].(bool)
		want := "false"
		if matched {
			want = "true"
		}
		for _, c := range conns {
			if strings.EqualFold(c.SourceHandle, want) {
				candidates = append(candidates, c)
			}
		}
		if len(candidates) == 0 {
			for _, c := range conns {
				h := strings.ToLower(c.SourceHandle)
				if h == "fallback" || h == "default" {
					candidates = append(candidates, c)
				}
			}
		}
	case models.NodeTypeLoop:
		// Iteration handles ran inside the interpreter; only plain
		// continuation edges remain.
		for _, c := range conns {
			if isDefaultHandle(c.SourceHandle) && !branchHandles[models.NodeTypeLoop][strings.ToLower(c.SourceHandle)] {
				candidates = append(candidates, c)
			}
		}
	case models.NodeTypeApproval:
		for _, c := range conns {
			if strings.EqualFold(c.SourceHandle, "pending") {
				candidates = append(candidates, c)
			}
		}
	default:
		for _, c := range conns {
			if isDefaultHandle(c.SourceHandle) {
				candidates = append(candidates, c)
			}
		}
		if len(candidates) == 0 {
			candidates = conns
		}
	}

	out := make([]*models.WorkflowConnection, 0, len(candidates))
	for _, c := range candidates {
		if e.connectionOpen(rt, c, res.Status, ev, loop) {
			out = append(out, c)
		}
	}
	return out
}

// connectionOpen applies the optional connection gate: onStatus must equal
// the node's terminal status (default COMPLETED; SKIPPED satisfies the
// default), and an embedded condition set must hold. A malformed gate closes
// only this connection.
func (e *Engine) connectionOpen(rt *runtime, conn *models.WorkflowConnection, status models.NodeExecutionStatus, ev Event, loop map[string]any) bool {
	wantStatus := string(models.NodeStatusCompleted)
	var gate models.ConditionSet
	hasGate := false

	if len(conn.Conditions) > 0 {
		if s := conn.Conditions.String("onStatus"); s != "" {
			wantStatus = s
		}
		if raw, ok := conn.Conditions["conditions"]; ok && raw != nil {
			cs, ok := models.ConditionSetFromJSONB(conn.Conditions)
			if !ok {
				e.logger.Warn("engine: malformed connection gate %s -> %s, skipping edge", conn.SourceNodeID, conn.TargetNodeID)
				return false
			}
			gate = cs
			hasGate = true
		}
	}

	statusOK := strings.EqualFold(wantStatus, string(status))
	if !statusOK && strings.EqualFold(wantStatus, string(models.NodeStatusCompleted)) && status == models.NodeStatusSkipped {
		statusOK = true
	}
	if !statusOK {
		return false
	}

	if hasGate {
		matched, err := rt.scope(ev, loop).EvaluateConditionSet(gate)
		if err != nil {
			e.logger.Warn("engine: connection gate %s -> %s: %v", conn.SourceNodeID, conn.TargetNodeID, err)
			return false
		}
		return matched
	}
	return true
}

// CancelExecution atomically transitions a RUNNING execution to CANCELLED.
// In-flight node tasks are not forcibly killed; their completions are
// ignored because the terminal transition has already been applied.
func (e *Engine) CancelExecution(ctx context.Context, executionID uuid.UUID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	applied, err := e.executions.FinishExecution(ctx, executionID, models.ExecutionStatusCancelled, nil, reason, e.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("execution %s is not running", executionID)
	}
	e.execLog.Scoped(executionID, "").Warn(ctx, "execution", "execution cancelled: "+reason, nil)
	return nil
}

// RetryExecution replays a FAILED execution with its frozen trigger data and
// trigger id, producing a new execution.
func (e *Engine) RetryExecution(ctx context.Context, executionID uuid.UUID) *ExecutionResult {
	exec, err := e.executions.GetExecution(ctx, executionID)
	if err != nil || exec == nil {
		return &ExecutionResult{Success: false, Status: models.ExecutionStatusFailed, Error: fmt.Sprintf("execution %s not found", executionID)}
	}
	if exec.Status != models.ExecutionStatusFailed {
		return &ExecutionResult{Success: false, Status: exec.Status, Error: fmt.Sprintf("execution %s is %s, only FAILED executions can be retried", executionID, exec.Status)}
	}
	return e.ExecuteWorkflow(ctx, exec.WorkflowID, EventFromMap(exec.TriggerData), exec.TriggerID)
}

// WorkflowStats summarizes a workflow's execution history.
type WorkflowStats struct {
	WorkflowID           uuid.UUID             `json:"workflowId"`
	Name                 string                `json:"name"`
	Status               models.WorkflowStatus `json:"status"`
	TotalExecutions      int64                 `json:"totalExecutions"`
	SuccessfulExecutions int64                 `json:"successfulExecutions"`
	FailedExecutions     int64                 `json:"failedExecutions"`
	LastExecutedAt       *time.Time            `json:"lastExecutedAt,omitempty"`
	RecentExecutions     []models.JSONB        `json:"recentExecutions,omitempty"`
}

// GetWorkflowStats aggregates the workflow counters plus a short tail of
// recent executions.
func (e *Engine) GetWorkflowStats(ctx context.Context, workflowID uuid.UUID) (*WorkflowStats, error) {
	wf, err := e.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, fmt.Errorf("workflow %s not found", workflowID)
	}
	stats := &WorkflowStats{
		WorkflowID:           wf.ID,
		Name:                 wf.Name,
		Status:               wf.Status,
		TotalExecutions:      wf.TotalExecutions,
		SuccessfulExecutions: wf.SuccessfulExecutions,
		FailedExecutions:     wf.FailedExecutions,
		LastExecutedAt:       wf.LastExecutedAt,
	}
	recent, err := e.executions.ListRecentExecutions(ctx, workflowID, 10)
	if err != nil {
		return stats, nil
	}
	for _, ex := range recent {
		entry := models.JSONB{
			"id":        ex.ID.String(),
			"status":    string(ex.Status),
			"startedAt": ex.StartedAt.Format(time.RFC3339),
		}
		if ex.CompletedAt != nil {
			entry["durationMs"] = ex.CompletedAt.Sub(ex.StartedAt).Milliseconds()
		}
		stats.RecentExecutions = append(stats.RecentExecutions, entry)
	}
	return stats, nil
}
