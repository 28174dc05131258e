package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"opsflow/internal/engine"
	"opsflow/internal/errors"
	"opsflow/internal/models"
)

// In-memory implementations of the persistence ports, used by unit tests and
// by the worker's dry-run mode. They mirror the semantics of the bun stores,
// including the exactly-once terminal transition on executions.

// MemWorkflowStore holds workflow definitions in memory.
type MemWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[uuid.UUID]*models.Workflow
	triggers  map[uuid.UUID]*models.WorkflowTrigger
	nodes     map[uuid.UUID][]*models.WorkflowNode
	conns     map[uuid.UUID][]*models.WorkflowConnection
}

// NewMemWorkflowStore returns an empty in-memory workflow store.
func NewMemWorkflowStore() *MemWorkflowStore {
	return &MemWorkflowStore{
		workflows: make(map[uuid.UUID]*models.Workflow),
		triggers:  make(map[uuid.UUID]*models.WorkflowTrigger),
		nodes:     make(map[uuid.UUID][]*models.WorkflowNode),
		conns:     make(map[uuid.UUID][]*models.WorkflowConnection),
	}
}

// PutWorkflow registers a workflow with its triggers, nodes and connections.
func (s *MemWorkflowStore) PutWorkflow(wf *models.Workflow, nodes []*models.WorkflowNode, conns []*models.WorkflowConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = wf
	s.nodes[wf.ID] = nodes
	s.conns[wf.ID] = conns
	for _, trig := range wf.Triggers {
		s.triggers[trig.ID] = trig
	}
}

// RemoveWorkflow drops a workflow, for orphaned-schedule tests.
func (s *MemWorkflowStore) RemoveWorkflow(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, id)
	delete(s.nodes, id)
	delete(s.conns, id)
}

func (s *MemWorkflowStore) GetWorkflow(_ context.Context, id uuid.UUID) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workflows[id], nil
}

func (s *MemWorkflowStore) ListActiveWorkflows(_ context.Context, organizationID string, triggerKind string) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Workflow
	for _, wf := range s.workflows {
		if wf.OrganizationID != organizationID || wf.Status != models.WorkflowStatusActive {
			continue
		}
		var triggers []*models.WorkflowTrigger
		for _, trig := range wf.Triggers {
			if !trig.IsActive {
				continue
			}
			if triggerKind != "" && trig.Type != "" && trig.Type != triggerKind {
				continue
			}
			triggers = append(triggers, trig)
		}
		if len(triggers) == 0 {
			continue
		}
		clone := *wf
		clone.Triggers = triggers
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemWorkflowStore) ListNodes(_ context.Context, workflowID uuid.UUID) ([]*models.WorkflowNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[workflowID], nil
}

func (s *MemWorkflowStore) ListConnections(_ context.Context, workflowID uuid.UUID) ([]*models.WorkflowConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[workflowID], nil
}

func (s *MemWorkflowStore) GetTrigger(_ context.Context, id uuid.UUID) (*models.WorkflowTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.triggers[id], nil
}

func (s *MemWorkflowStore) MarkTriggerFired(_ context.Context, triggerID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trig, ok := s.triggers[triggerID]
	if !ok {
		return fmt.Errorf("trigger %s not found", triggerID)
	}
	trig.TriggerCount++
	trig.LastTriggered = &at
	return nil
}

func (s *MemWorkflowStore) RecordExecutionOutcome(_ context.Context, workflowID uuid.UUID, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	wf.TotalExecutions++
	if success {
		wf.SuccessfulExecutions++
	} else {
		wf.FailedExecutions++
	}
	wf.LastExecutedAt = &at
	return nil
}

// MemExecutionStore holds executions, node traces and logs in memory.
type MemExecutionStore struct {
	mu         sync.RWMutex
	executions map[uuid.UUID]*models.WorkflowExecution
	nodeRows   map[uuid.UUID][]*models.NodeExecution
	logs       []*models.ExecutionLog
}

// NewMemExecutionStore returns an empty in-memory execution store.
func NewMemExecutionStore() *MemExecutionStore {
	return &MemExecutionStore{
		executions: make(map[uuid.UUID]*models.WorkflowExecution),
		nodeRows:   make(map[uuid.UUID][]*models.NodeExecution),
	}
}

func (s *MemExecutionStore) CreateExecution(_ context.Context, exec *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *exec
	s.executions[exec.ID] = &clone
	return nil
}

func (s *MemExecutionStore) UpdateExecution(_ context.Context, exec *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.executions[exec.ID]
	if !ok {
		return fmt.Errorf("execution %s not found", exec.ID)
	}
	if stored.Status != models.ExecutionStatusRunning {
		return nil
	}
	stored.Progress = exec.Progress
	stored.TriggerData = exec.TriggerData
	return nil
}

func (s *MemExecutionStore) GetExecution(_ context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	clone := *exec
	return &clone, nil
}

func (s *MemExecutionStore) FinishExecution(_ context.Context, id uuid.UUID, status models.ExecutionStatus, result models.JSONB, errMsg string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return false, fmt.Errorf("execution %s not found", id)
	}
	if exec.Status != models.ExecutionStatusRunning {
		return false, nil
	}
	exec.Status = status
	exec.CompletedAt = &at
	exec.Result = result
	exec.Error = errMsg
	if status == models.ExecutionStatusCompleted {
		exec.Progress = 100
	}
	return true, nil
}

func (s *MemExecutionStore) CreateNodeExecution(_ context.Context, ne *models.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *ne
	s.nodeRows[ne.WorkflowExecutionID] = append(s.nodeRows[ne.WorkflowExecutionID], &clone)
	return nil
}

func (s *MemExecutionStore) UpdateNodeExecution(_ context.Context, ne *models.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.nodeRows[ne.WorkflowExecutionID] {
		if row.ID == ne.ID {
			row.Status = ne.Status
			row.Output = ne.Output
			row.Error = ne.Error
			row.DurationMs = ne.DurationMs
			row.Retries = ne.Retries
			row.CompletedAt = ne.CompletedAt
			return nil
		}
	}
	return fmt.Errorf("node execution %s not found", ne.ID)
}

func (s *MemExecutionStore) ListNodeExecutions(_ context.Context, executionID uuid.UUID) ([]*models.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.nodeRows[executionID]
	out := make([]*models.NodeExecution, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *MemExecutionStore) ListRecentExecutions(_ context.Context, workflowID uuid.UUID, limit int) ([]*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkflowExecution
	for _, exec := range s.executions {
		if exec.WorkflowID == workflowID {
			clone := *exec
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemExecutionStore) AppendLog(_ context.Context, entry *models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entry
	s.logs = append(s.logs, &clone)
	return nil
}

// Logs returns a snapshot of the appended log rows.
func (s *MemExecutionStore) Logs() []*models.ExecutionLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ExecutionLog, len(s.logs))
	copy(out, s.logs)
	return out
}

// MemApprovalStore holds approvals in memory.
type MemApprovalStore struct {
	mu        sync.RWMutex
	approvals map[uuid.UUID]*models.WorkflowApproval
}

// NewMemApprovalStore returns an empty in-memory approval store.
func NewMemApprovalStore() *MemApprovalStore {
	return &MemApprovalStore{approvals: make(map[uuid.UUID]*models.WorkflowApproval)}
}

func (s *MemApprovalStore) CreateApproval(_ context.Context, a *models.WorkflowApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *a
	s.approvals[a.ID] = &clone
	return nil
}

func (s *MemApprovalStore) GetApproval(_ context.Context, id uuid.UUID) (*models.WorkflowApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, nil
	}
	clone := *a
	return &clone, nil
}

func (s *MemApprovalStore) UpdateApproval(_ context.Context, a *models.WorkflowApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.approvals[a.ID]
	if !ok {
		return fmt.Errorf("approval %s not found", a.ID)
	}
	stored.Status = a.Status
	stored.DecidedBy = a.DecidedBy
	stored.DecidedAt = a.DecidedAt
	stored.Comments = a.Comments
	return nil
}

// Pending returns the ids of PENDING approvals, for tests.
func (s *MemApprovalStore) Pending() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uuid.UUID
	for id, a := range s.approvals {
		if a.Status == models.ApprovalStatusPending {
			out = append(out, id)
		}
	}
	return out
}

// MemScheduleStore holds schedule rows in memory, unique on node id.
type MemScheduleStore struct {
	mu        sync.RWMutex
	schedules map[uuid.UUID]*models.WorkflowSchedule
	byNode    map[string]uuid.UUID
}

// NewMemScheduleStore returns an empty in-memory schedule store.
func NewMemScheduleStore() *MemScheduleStore {
	return &MemScheduleStore{
		schedules: make(map[uuid.UUID]*models.WorkflowSchedule),
		byNode:    make(map[string]uuid.UUID),
	}
}

func (s *MemScheduleStore) UpsertByNodeID(_ context.Context, sched *models.WorkflowSchedule) (*models.WorkflowSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.byNode[sched.NodeID]; ok {
		existing := s.schedules[existingID]
		existing.Cron = sched.Cron
		existing.Frequency = sched.Frequency
		existing.Timezone = sched.Timezone
		existing.StartAt = sched.StartAt
		existing.EndAt = sched.EndAt
		existing.IsActive = sched.IsActive
		existing.NextRunAt = sched.NextRunAt
		existing.Metadata = sched.Metadata
		existing.UpdatedAt = sched.UpdatedAt
		clone := *existing
		return &clone, nil
	}
	clone := *sched
	s.schedules[sched.ID] = &clone
	s.byNode[sched.NodeID] = sched.ID
	out := clone
	return &out, nil
}

func (s *MemScheduleStore) UpdateSchedule(_ context.Context, sched *models.WorkflowSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.schedules[sched.ID]
	if !ok {
		return fmt.Errorf("schedule %s not found", sched.ID)
	}
	stored.IsActive = sched.IsActive
	stored.LastRunAt = sched.LastRunAt
	stored.NextRunAt = sched.NextRunAt
	stored.Metadata = sched.Metadata
	stored.UpdatedAt = sched.UpdatedAt
	return nil
}

func (s *MemScheduleStore) GetSchedule(_ context.Context, id uuid.UUID) (*models.WorkflowSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, nil
	}
	clone := *sched
	return &clone, nil
}

func (s *MemScheduleStore) FetchDue(_ context.Context, now time.Time, limit int) ([]*models.WorkflowSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WorkflowSchedule
	for _, sched := range s.schedules {
		if !sched.IsActive || sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		if sched.EndAt != nil && sched.EndAt.Before(now) {
			continue
		}
		clone := *sched
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemScheduleStore) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	sched.IsActive = active
	return nil
}

// MemRecordStore holds business records in memory, keyed by model name.
type MemRecordStore struct {
	mu      sync.RWMutex
	records map[string][]models.JSONB
}

// NewMemRecordStore returns an empty in-memory record store.
func NewMemRecordStore() *MemRecordStore {
	return &MemRecordStore{records: make(map[string][]models.JSONB)}
}

// Seed adds records to a model's table.
func (s *MemRecordStore) Seed(model string, records ...models.JSONB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[model] = append(s.records[model], records...)
}

// All returns a snapshot of a model's records.
func (s *MemRecordStore) All(model string) []models.JSONB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.JSONB, len(s.records[model]))
	copy(out, s.records[model])
	return out
}

func memMatches(record models.JSONB, cond models.Condition) bool {
	value, ok := record[cond.Lookup()]
	switch cond.Operator {
	case models.OpEquals:
		return ok && looseEqual(value, cond.Value)
	case models.OpNotEquals:
		return !ok || !looseEqual(value, cond.Value)
	case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Operator {
		case models.OpGt:
			return a > b
		case models.OpGte:
			return a >= b
		case models.OpLt:
			return a < b
		default:
			return a <= b
		}
	case models.OpContains:
		a, _ := value.(string)
		b, _ := cond.Value.(string)
		return strings.Contains(strings.ToLower(a), strings.ToLower(b))
	case models.OpIn:
		for _, candidate := range cond.Values {
			if looseEqual(value, candidate) {
				return true
			}
		}
		return false
	case models.OpIsEmpty:
		return !ok || value == nil || value == ""
	case models.OpIsNotEmpty:
		return ok && value != nil && value != ""
	}
	return false
}

func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func (s *MemRecordStore) findAll(model string, args engine.QueryArgs) []models.JSONB {
	var out []models.JSONB
	for _, record := range s.records[model] {
		if org, ok := record["organizationId"].(string); ok && org != args.OrganizationID {
			continue
		}
		matched := true
		for _, cond := range args.Where {
			if !memMatches(record, cond) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, record.Clone())
		}
	}
	return out
}

func (s *MemRecordStore) Find(_ context.Context, model string, args engine.QueryArgs) (models.JSONB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := s.findAll(model, args)
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

func (s *MemRecordStore) FindMany(_ context.Context, model string, args engine.QueryArgs) ([]models.JSONB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := s.findAll(model, args)
	if args.Limit > 0 && len(matches) > args.Limit {
		matches = matches[:args.Limit]
	}
	return matches, nil
}

func (s *MemRecordStore) Create(_ context.Context, model string, organizationID string, fields models.JSONB) (models.JSONB, error) {
	if !engine.RecordModels[model] {
		return nil, errors.NewDefinitionError(model, "unknown record model %q", model)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record := fields.Clone()
	if record == nil {
		record = models.JSONB{}
	}
	record["organizationId"] = organizationID
	if _, ok := record["id"]; !ok {
		record["id"] = uuid.New().String()
	}
	s.records[model] = append(s.records[model], record)
	return record.Clone(), nil
}

func (s *MemRecordStore) Update(_ context.Context, model string, organizationID string, recordID any, fields models.JSONB, conditions []models.Condition) (models.JSONB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated models.JSONB
	for _, record := range s.records[model] {
		if org, ok := record["organizationId"].(string); ok && org != organizationID {
			continue
		}
		if recordID != nil && !looseEqual(record["id"], recordID) {
			continue
		}
		matched := true
		for _, cond := range conditions {
			if !memMatches(record, cond) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		for k, v := range fields {
			record[k] = v
		}
		updated = record.Clone()
	}
	if updated == nil {
		return nil, fmt.Errorf("no %s record matched", model)
	}
	return updated, nil
}
