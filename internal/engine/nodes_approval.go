package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsflow/internal/errors"
	"opsflow/internal/models"
)

const defaultApprovalExpiry = 72 * time.Hour

// runApprovalNode creates a PENDING approval, optionally notifies the
// approvers and marks the execution as paused. The walk continues only along
// "pending" handles; the approved/rejected branches run when the decision
// arrives through ResumeAfterApproval.
func (e *Engine) runApprovalNode(ctx context.Context, rt *runtime, node *models.WorkflowNode, ev Event, loop map[string]any) (models.JSONB, models.NodeExecutionStatus, error) {
	var cfg models.ApprovalConfig
	if err := node.Config.Decode(&cfg); err != nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "invalid approval config: %v", err)
	}
	if e.approvals == nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "no approval store configured")
	}

	now := e.clock.Now().UTC()
	expiry := defaultApprovalExpiry
	if cfg.ExpiresInHours > 0 {
		expiry = time.Duration(cfg.ExpiresInHours) * time.Hour
	}
	expiresAt := now.Add(expiry)

	approval := &models.WorkflowApproval{
		ID:                  uuid.New(),
		WorkflowExecutionID: rt.execution.ID,
		NodeID:              node.NodeID,
		Status:              models.ApprovalStatusPending,
		ApproverIDs:         cfg.ApproverIDs,
		ExpiresAt:           &expiresAt,
		CreatedAt:           now,
	}
	if err := e.approvals.CreateApproval(ctx, approval); err != nil {
		return nil, "", fmt.Errorf("create approval: %w", err)
	}

	if cfg.NotifyApprovers && len(cfg.ApproverEmails) > 0 {
		vc := rt.varContext(ev, loop, now)
		subject := vc.ResolveString(cfg.Title)
		if subject == "" {
			subject = fmt.Sprintf("Approval requested: %s", rt.workflow.Name)
		}
		body := vc.ResolveString(cfg.Description)
		for _, to := range cfg.ApproverEmails {
			if _, err := e.email.Send(ctx, EmailMessage{To: to, Subject: subject, HTMLBody: body}); err != nil {
				e.logger.Warn("engine: notify approver %s: %v", to, err)
			}
		}
	}

	rt.notePendingApproval()
	return models.JSONB{
		"approvalId": approval.ID.String(),
		"status":     string(models.ApprovalStatusPending),
		"expiresAt":  expiresAt.Format(time.RFC3339),
	}, "", nil
}

// ResumeAfterApproval applies a decision to a PENDING approval and resumes
// the paused execution along the matching branch. Approving after the expiry
// marks the approval EXPIRED and fails the execution.
func (e *Engine) ResumeAfterApproval(ctx context.Context, approvalID uuid.UUID, approved bool, decidedBy, comments string) *ExecutionResult {
	approval, err := e.approvals.GetApproval(ctx, approvalID)
	if err != nil || approval == nil {
		return &ExecutionResult{Success: false, Status: models.ExecutionStatusFailed, Error: fmt.Sprintf("approval %s not found", approvalID)}
	}
	if approval.Status != models.ApprovalStatusPending {
		return &ExecutionResult{Success: false, Status: models.ExecutionStatusFailed, Error: fmt.Sprintf("approval %s already %s", approvalID, approval.Status)}
	}

	now := e.clock.Now().UTC()
	exec, err := e.executions.GetExecution(ctx, approval.WorkflowExecutionID)
	if err != nil || exec == nil {
		return &ExecutionResult{Success: false, Status: models.ExecutionStatusFailed, Error: fmt.Sprintf("execution %s not found", approval.WorkflowExecutionID)}
	}

	if approval.ExpiresAt != nil && now.After(*approval.ExpiresAt) {
		approval.Status = models.ApprovalStatusExpired
		approval.DecidedAt = &now
		if err := e.approvals.UpdateApproval(ctx, approval); err != nil {
			e.logger.Warn("engine: mark approval %s expired: %v", approvalID, err)
		}
		errMsg := fmt.Sprintf("approval %s expired at %s", approvalID, approval.ExpiresAt.Format(time.RFC3339))
		if _, err := e.executions.FinishExecution(ctx, exec.ID, models.ExecutionStatusFailed, nil, errMsg, now); err != nil {
			e.logger.Error("engine: finish execution %s: %v", exec.ID, err)
		}
		return &ExecutionResult{Success: false, ExecutionID: exec.ID.String(), ExternalExecutionID: exec.ExternalExecutionID, Status: models.ExecutionStatusFailed, Error: errMsg}
	}

	approval.Status = models.ApprovalStatusApproved
	if !approved {
		approval.Status = models.ApprovalStatusRejected
	}
	approval.DecidedBy = decidedBy
	approval.DecidedAt = &now
	approval.Comments = comments
	if err := e.approvals.UpdateApproval(ctx, approval); err != nil {
		return &ExecutionResult{Success: false, Status: models.ExecutionStatusFailed, Error: fmt.Sprintf("update approval: %v", err)}
	}

	if exec.Status != models.ExecutionStatusRunning {
		return &ExecutionResult{Success: false, ExecutionID: exec.ID.String(), Status: exec.Status, Error: fmt.Sprintf("execution %s is no longer running", exec.ID)}
	}

	return e.resumeExecution(ctx, exec, approval)
}

// resumeExecution rebuilds the runtime from the persisted node trace and
// walks the approval node's decision branch.
func (e *Engine) resumeExecution(ctx context.Context, exec *models.WorkflowExecution, approval *models.WorkflowApproval) *ExecutionResult {
	wf, err := e.workflows.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil || wf == nil {
		return &ExecutionResult{Success: false, ExecutionID: exec.ID.String(), Status: models.ExecutionStatusFailed, Error: fmt.Sprintf("workflow %s not found", exec.WorkflowID)}
	}

	ev := EventFromMap(exec.TriggerData)
	rt, fatal := e.buildRuntime(ctx, wf, exec, ev)
	if fatal != nil {
		return e.finishFatal(ctx, rt, exec, fatal)
	}
	e.rehydrateOutputs(ctx, rt)

	approved := approval.Status == models.ApprovalStatusApproved
	rt.recordOutput(approval.NodeID, rt.nodeResultKey(approval.NodeID), map[string]any{
		"approvalId": approval.ID.String(),
		"status":     string(approval.Status),
		"approved":   approved,
		"decidedBy":  approval.DecidedBy,
		"comments":   approval.Comments,
	})

	scoped := e.execLog.Scoped(exec.ID, approval.NodeID)
	scoped.Info(ctx, "approval", fmt.Sprintf("approval %s %s by %s", approval.ID, strings.ToLower(string(approval.Status)), approval.DecidedBy), nil)

	want := "approved"
	if !approved {
		want = "rejected"
	}
	var branch []*models.WorkflowConnection
	for _, c := range rt.connectionsFrom(approval.NodeID) {
		if strings.EqualFold(c.SourceHandle, want) {
			branch = append(branch, c)
		}
	}
	if approved && len(branch) == 0 {
		// No dedicated approved handle; continue along the default edges.
		for _, c := range rt.connectionsFrom(approval.NodeID) {
			if isDefaultHandle(c.SourceHandle) {
				branch = append(branch, c)
			}
		}
	}

	if !approved && len(branch) == 0 {
		errMsg := fmt.Sprintf("approval %s rejected by %s", approval.ID, approval.DecidedBy)
		if _, err := e.executions.FinishExecution(ctx, exec.ID, models.ExecutionStatusFailed, nil, errMsg, e.clock.Now().UTC()); err != nil {
			e.logger.Error("engine: finish execution %s: %v", exec.ID, err)
		}
		if err := e.workflows.RecordExecutionOutcome(ctx, exec.WorkflowID, false, e.clock.Now().UTC()); err != nil {
			e.logger.Warn("engine: record workflow outcome: %v", err)
		}
		return &ExecutionResult{Success: false, ExecutionID: exec.ID.String(), ExternalExecutionID: exec.ExternalExecutionID, Status: models.ExecutionStatusFailed, Error: errMsg}
	}

	var walkErr error
	for _, c := range branch {
		if _, err := e.executeBranch(ctx, rt, c.TargetNodeID, ev, nil); err != nil {
			if errors.IsFatal(err) {
				walkErr = err
				break
			}
		}
	}
	return e.finalize(ctx, rt, exec, walkErr)
}

// rehydrateOutputs restores node outputs and shared keys from the persisted
// node trace so variable and condition lookups keep working after a resume.
func (e *Engine) rehydrateOutputs(ctx context.Context, rt *runtime) {
	rows, err := e.executions.ListNodeExecutions(ctx, rt.execution.ID)
	if err != nil {
		e.logger.Warn("engine: rehydrate execution %s: %v", rt.execution.ID, err)
		return
	}
	for _, row := range rows {
		if row.Status != models.NodeStatusCompleted || row.Output == nil {
			continue
		}
		rt.recordOutput(row.NodeID, rt.nodeResultKey(row.NodeID), map[string]any(row.Output))
	}
}
