package engine

import (
	"context"
	"fmt"
	"time"

	"opsflow/internal/errors"
	"opsflow/internal/models"
)

// runScheduleNode registers (or refreshes) the time-based trigger row for
// this node through the scheduler. The stored metadata captures the trigger
// context the polling worker replays the workflow with.
func (e *Engine) runScheduleNode(ctx context.Context, rt *runtime, node *models.WorkflowNode, ev Event) (models.JSONB, models.NodeExecutionStatus, error) {
	var cfg models.ScheduleConfig
	if err := node.Config.Decode(&cfg); err != nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "invalid schedule config: %v", err)
	}
	if cfg.Cron == "" && cfg.Frequency == "" {
		return nil, "", errors.NewDefinitionError(node.NodeID, "schedule needs a cron expression or a frequency")
	}
	if e.schedules == nil {
		return nil, "", errors.NewDefinitionError(node.NodeID, "no scheduler configured")
	}

	metadata := models.JSONB{
		"organizationId":     ev.OrganizationID,
		"createdByExecution": rt.execution.ID.String(),
		"trigger":            map[string]any(ev.AsMap()),
	}

	sched, err := e.schedules.UpsertSchedule(ctx, rt.workflow.ID, node.NodeID, cfg, metadata)
	if err != nil {
		if errors.IsDefinition(err) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("upsert schedule for node %s: %w", node.NodeID, err)
	}

	out := models.JSONB{
		"scheduleId": sched.ID.String(),
		"active":     sched.IsActive,
	}
	if sched.Cron != "" {
		out["cron"] = sched.Cron
	}
	if sched.Frequency != "" {
		out["frequency"] = string(sched.Frequency)
	}
	if sched.NextRunAt != nil {
		out["nextRunAt"] = sched.NextRunAt.UTC().Format(time.RFC3339)
	}
	return out, "", nil
}
