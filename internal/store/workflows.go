package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"opsflow/internal/models"
)

// WorkflowStore is the bun-backed workflow definition store.
type WorkflowStore struct {
	db *bun.DB
}

// NewWorkflowStore wraps the shared DB handle.
func NewWorkflowStore(db *bun.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

// GetWorkflow loads one workflow by id, or nil when it does not exist.
func (s *WorkflowStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	wf := new(models.Workflow)
	err := s.db.NewSelect().Model(wf).Where("w.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// ListActiveWorkflows returns the organization's ACTIVE workflows carrying at
// least one active trigger, triggers preloaded. A non-empty triggerKind
// narrows the preload to triggers declaring that kind or none.
func (s *WorkflowStore) ListActiveWorkflows(ctx context.Context, organizationID string, triggerKind string) ([]*models.Workflow, error) {
	var workflows []*models.Workflow
	err := s.db.NewSelect().
		Model(&workflows).
		Relation("Triggers", func(q *bun.SelectQuery) *bun.SelectQuery {
			q = q.Where("wt.is_active = TRUE")
			if triggerKind != "" {
				q = q.Where("(wt.type IS NULL OR wt.type = '' OR wt.type = ?)", triggerKind)
			}
			return q
		}).
		Where("w.organization_id = ?", organizationID).
		Where("w.status = ?", models.WorkflowStatusActive).
		Order("w.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	out := workflows[:0]
	for _, wf := range workflows {
		if len(wf.Triggers) > 0 {
			out = append(out, wf)
		}
	}
	return out, nil
}

// ListNodes returns the workflow's nodes in execution order.
func (s *WorkflowStore) ListNodes(ctx context.Context, workflowID uuid.UUID) ([]*models.WorkflowNode, error) {
	var nodes []*models.WorkflowNode
	err := s.db.NewSelect().
		Model(&nodes).
		Where("wn.workflow_id = ?", workflowID).
		Order("wn.execution_order ASC", "wn.id ASC").
		Scan(ctx)
	return nodes, err
}

// ListConnections returns the workflow's edges in execution order.
func (s *WorkflowStore) ListConnections(ctx context.Context, workflowID uuid.UUID) ([]*models.WorkflowConnection, error) {
	var conns []*models.WorkflowConnection
	err := s.db.NewSelect().
		Model(&conns).
		Where("wc.workflow_id = ?", workflowID).
		Order("wc.execution_order ASC", "wc.id ASC").
		Scan(ctx)
	return conns, err
}

// GetTrigger loads one trigger by id, or nil when it does not exist.
func (s *WorkflowStore) GetTrigger(ctx context.Context, id uuid.UUID) (*models.WorkflowTrigger, error) {
	trig := new(models.WorkflowTrigger)
	err := s.db.NewSelect().Model(trig).Where("wt.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return trig, nil
}

// MarkTriggerFired atomically bumps the trigger counter and stamps the fire
// time.
func (s *WorkflowStore) MarkTriggerFired(ctx context.Context, triggerID uuid.UUID, at time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*models.WorkflowTrigger)(nil)).
		Set("trigger_count = trigger_count + 1").
		Set("last_triggered = ?", at).
		Where("id = ?", triggerID).
		Exec(ctx)
	return err
}

// RecordExecutionOutcome atomically bumps the workflow counters and stamps
// last_executed_at.
func (s *WorkflowStore) RecordExecutionOutcome(ctx context.Context, workflowID uuid.UUID, success bool, at time.Time) error {
	q := s.db.NewUpdate().
		Model((*models.Workflow)(nil)).
		Set("total_executions = total_executions + 1").
		Set("last_executed_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", workflowID)
	if success {
		q = q.Set("successful_executions = successful_executions + 1")
	} else {
		q = q.Set("failed_executions = failed_executions + 1")
	}
	_, err := q.Exec(ctx)
	return err
}
