package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ScheduleFrequency is the coarse cadence used when no cron expression is set.
type ScheduleFrequency string

const (
	FrequencyHourly  ScheduleFrequency = "HOURLY"
	FrequencyDaily   ScheduleFrequency = "DAILY"
	FrequencyWeekly  ScheduleFrequency = "WEEKLY"
	FrequencyMonthly ScheduleFrequency = "MONTHLY"
	FrequencyYearly  ScheduleFrequency = "YEARLY"
)

// WorkflowSchedule is one time-based trigger row per SCHEDULE node, unique on
// NodeID. Metadata carries retry bookkeeping plus the captured trigger
// context required to replay the workflow.
type WorkflowSchedule struct {
	bun.BaseModel `bun:"table:workflow_schedules,alias:ws"`

	ID         uuid.UUID         `bun:"id,pk,type:uuid" json:"id"`
	WorkflowID uuid.UUID         `bun:"workflow_id,notnull,type:uuid" json:"workflowId"`
	NodeID     string            `bun:"node_id,notnull,unique" json:"nodeId"`
	Cron       string            `bun:"cron" json:"cron,omitempty"`
	Frequency  ScheduleFrequency `bun:"frequency" json:"frequency,omitempty"`
	Timezone   string            `bun:"timezone" json:"timezone,omitempty"`
	StartAt    *time.Time        `bun:"start_at" json:"startAt,omitempty"`
	EndAt      *time.Time        `bun:"end_at" json:"endAt,omitempty"`
	IsActive   bool              `bun:"is_active,notnull,default:true" json:"isActive"`
	LastRunAt  *time.Time        `bun:"last_run_at" json:"lastRunAt,omitempty"`
	NextRunAt  *time.Time        `bun:"next_run_at" json:"nextRunAt,omitempty"`
	Metadata   JSONB             `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time         `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt  time.Time         `bun:"updated_at,notnull,default:current_timestamp" json:"updatedAt"`
}

// RetryCount reads the retry counter stashed in Metadata.
func (s *WorkflowSchedule) RetryCount() int {
	if s.Metadata == nil {
		return 0
	}
	switch v := s.Metadata["retryCount"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// ApprovalStatus is the decision state of a WorkflowApproval.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
	ApprovalStatusExpired  ApprovalStatus = "EXPIRED"
)

// WorkflowApproval is created by an APPROVAL node. Execution of the owning
// node's downstream branches blocks until the status leaves PENDING.
type WorkflowApproval struct {
	bun.BaseModel `bun:"table:workflow_approvals,alias:wa"`

	ID                  uuid.UUID      `bun:"id,pk,type:uuid" json:"id"`
	WorkflowExecutionID uuid.UUID      `bun:"workflow_execution_id,notnull,type:uuid" json:"workflowExecutionId"`
	NodeID              string         `bun:"node_id,notnull" json:"nodeId"`
	Status              ApprovalStatus `bun:"status,notnull" json:"status"`
	ApproverIDs         []string       `bun:"approver_ids,array" json:"approverIds,omitempty"`
	ExpiresAt           *time.Time     `bun:"expires_at" json:"expiresAt,omitempty"`
	DecidedBy           string         `bun:"decided_by" json:"decidedBy,omitempty"`
	DecidedAt           *time.Time     `bun:"decided_at" json:"decidedAt,omitempty"`
	Comments            string         `bun:"comments" json:"comments,omitempty"`
	CreatedAt           time.Time      `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
}
