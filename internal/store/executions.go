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

// ExecutionStore is the bun-backed store for executions, node traces and
// execution logs. It also satisfies logging.LogStore.
type ExecutionStore struct {
	db *bun.DB
}

// NewExecutionStore wraps the shared DB handle.
func NewExecutionStore(db *bun.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

func (s *ExecutionStore) CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	_, err := s.db.NewInsert().Model(exec).Exec(ctx)
	return err
}

// UpdateExecution persists the mutable columns of a RUNNING execution.
// Terminal transitions go through FinishExecution instead.
func (s *ExecutionStore) UpdateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	_, err := s.db.NewUpdate().
		Model(exec).
		Column("progress", "trigger_data").
		Where("id = ?", exec.ID).
		Where("status = ?", models.ExecutionStatusRunning).
		Exec(ctx)
	return err
}

func (s *ExecutionStore) GetExecution(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	exec := new(models.WorkflowExecution)
	err := s.db.NewSelect().Model(exec).Where("we.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// FinishExecution applies the exactly-once terminal transition: the status
// guard makes concurrent finishers race on the row and exactly one wins.
func (s *ExecutionStore) FinishExecution(ctx context.Context, id uuid.UUID, status models.ExecutionStatus, result models.JSONB, errMsg string, at time.Time) (bool, error) {
	progress := 100
	if status != models.ExecutionStatusCompleted {
		progress = -1 // keep the last reported value
	}
	q := s.db.NewUpdate().
		Model((*models.WorkflowExecution)(nil)).
		Set("status = ?", status).
		Set("completed_at = ?", at).
		Set("result = ?", result).
		Set("error = ?", errMsg).
		Where("id = ?", id).
		Where("status = ?", models.ExecutionStatusRunning)
	if progress >= 0 {
		q = q.Set("progress = ?", progress)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *ExecutionStore) CreateNodeExecution(ctx context.Context, ne *models.NodeExecution) error {
	_, err := s.db.NewInsert().Model(ne).Exec(ctx)
	return err
}

func (s *ExecutionStore) UpdateNodeExecution(ctx context.Context, ne *models.NodeExecution) error {
	_, err := s.db.NewUpdate().
		Model(ne).
		Column("status", "output", "error", "duration_ms", "retries", "completed_at").
		Where("id = ?", ne.ID).
		Exec(ctx)
	return err
}

func (s *ExecutionStore) ListNodeExecutions(ctx context.Context, executionID uuid.UUID) ([]*models.NodeExecution, error) {
	var rows []*models.NodeExecution
	err := s.db.NewSelect().
		Model(&rows).
		Where("ne.workflow_execution_id = ?", executionID).
		Order("ne.started_at ASC", "ne.id ASC").
		Scan(ctx)
	return rows, err
}

func (s *ExecutionStore) ListRecentExecutions(ctx context.Context, workflowID uuid.UUID, limit int) ([]*models.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []*models.WorkflowExecution
	err := s.db.NewSelect().
		Model(&rows).
		Where("we.workflow_id = ?", workflowID).
		Order("we.started_at DESC").
		Limit(limit).
		Scan(ctx)
	return rows, err
}

// AppendLog writes one execution log row. Satisfies logging.LogStore.
func (s *ExecutionStore) AppendLog(ctx context.Context, entry *models.ExecutionLog) error {
	_, err := s.db.NewInsert().Model(entry).Exec(ctx)
	return err
}

// ApprovalStore is the bun-backed approval store.
type ApprovalStore struct {
	db *bun.DB
}

// NewApprovalStore wraps the shared DB handle.
func NewApprovalStore(db *bun.DB) *ApprovalStore {
	return &ApprovalStore{db: db}
}

func (s *ApprovalStore) CreateApproval(ctx context.Context, a *models.WorkflowApproval) error {
	_, err := s.db.NewInsert().Model(a).Exec(ctx)
	return err
}

func (s *ApprovalStore) GetApproval(ctx context.Context, id uuid.UUID) (*models.WorkflowApproval, error) {
	a := new(models.WorkflowApproval)
	err := s.db.NewSelect().Model(a).Where("wa.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *ApprovalStore) UpdateApproval(ctx context.Context, a *models.WorkflowApproval) error {
	_, err := s.db.NewUpdate().
		Model(a).
		Column("status", "decided_by", "decided_at", "comments").
		Where("id = ?", a.ID).
		Exec(ctx)
	return err
}
