package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ExecutionStatus is the lifecycle state of one workflow invocation.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the status can no longer change.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// NodeExecutionStatus is the state of a single node attempt.
type NodeExecutionStatus string

const (
	NodeStatusRunning   NodeExecutionStatus = "RUNNING"
	NodeStatusCompleted NodeExecutionStatus = "COMPLETED"
	NodeStatusFailed    NodeExecutionStatus = "FAILED"
	NodeStatusSkipped   NodeExecutionStatus = "SKIPPED"
)

// WorkflowExecution records one invocation of a workflow against an event.
// Status transitions RUNNING -> COMPLETED|FAILED|CANCELLED exactly once.
type WorkflowExecution struct {
	bun.BaseModel `bun:"table:workflow_executions,alias:we"`

	ID                  uuid.UUID       `bun:"id,pk,type:uuid" json:"id"`
	WorkflowID          uuid.UUID       `bun:"workflow_id,notnull,type:uuid" json:"workflowId"`
	OrganizationID      string          `bun:"organization_id,notnull" json:"organizationId"`
	ExternalExecutionID string          `bun:"external_execution_id,notnull" json:"externalExecutionId"`
	TriggerID           *uuid.UUID      `bun:"trigger_id,type:uuid" json:"triggerId,omitempty"`
	Status              ExecutionStatus `bun:"status,notnull" json:"status"`
	TriggerData         JSONB           `bun:"trigger_data,type:jsonb" json:"triggerData,omitempty"`
	Progress            int             `bun:"progress,notnull,default:0" json:"progress"`
	StartedAt           time.Time       `bun:"started_at,notnull" json:"startedAt"`
	CompletedAt         *time.Time      `bun:"completed_at" json:"completedAt,omitempty"`
	Result              JSONB           `bun:"result,type:jsonb" json:"result,omitempty"`
	Error               string          `bun:"error" json:"error,omitempty"`
}

// NodeExecution records one node attempt within an execution. Every node the
// engine visits produces exactly one terminal row.
type NodeExecution struct {
	bun.BaseModel `bun:"table:node_executions,alias:ne"`

	ID                  uuid.UUID           `bun:"id,pk,type:uuid" json:"id"`
	WorkflowExecutionID uuid.UUID           `bun:"workflow_execution_id,notnull,type:uuid" json:"workflowExecutionId"`
	NodeID              string              `bun:"node_id,notnull" json:"nodeId"`
	NodeType            NodeType            `bun:"node_type" json:"nodeType,omitempty"`
	ExecutionOrder      int                 `bun:"execution_order,notnull,default:0" json:"executionOrder"`
	Status              NodeExecutionStatus `bun:"status,notnull" json:"status"`
	Input               JSONB               `bun:"input,type:jsonb" json:"input,omitempty"`
	Output              JSONB               `bun:"output,type:jsonb" json:"output,omitempty"`
	Error               string              `bun:"error" json:"error,omitempty"`
	DurationMs          int64               `bun:"duration_ms,notnull,default:0" json:"durationMs"`
	Retries             int                 `bun:"retries,notnull,default:0" json:"retries"`
	StartedAt           time.Time           `bun:"started_at,notnull" json:"startedAt"`
	CompletedAt         *time.Time          `bun:"completed_at" json:"completedAt,omitempty"`
}

// LogLevel grades persisted execution log entries.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// ExecutionLog is an append-only structured log row correlated to an
// execution and optionally to one of its nodes.
type ExecutionLog struct {
	bun.BaseModel `bun:"table:execution_logs,alias:el"`

	ID                  uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	WorkflowExecutionID uuid.UUID `bun:"workflow_execution_id,notnull,type:uuid" json:"workflowExecutionId"`
	NodeID              string    `bun:"node_id" json:"nodeId,omitempty"`
	Level               LogLevel  `bun:"level,notnull" json:"level"`
	Source              string    `bun:"source" json:"source,omitempty"`
	Category            string    `bun:"category" json:"category,omitempty"`
	Message             string    `bun:"message,notnull" json:"message"`
	Details             JSONB     `bun:"details,type:jsonb" json:"details,omitempty"`
	Timestamp           time.Time `bun:"timestamp,notnull" json:"timestamp"`
}
