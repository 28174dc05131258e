package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// WorkflowStatus is the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "DRAFT"
	WorkflowStatusActive   WorkflowStatus = "ACTIVE"
	WorkflowStatusPaused   WorkflowStatus = "PAUSED"
	WorkflowStatusArchived WorkflowStatus = "ARCHIVED"
)

// NodeType enumerates the node kinds the engine can interpret.
type NodeType string

const (
	NodeTypeTrigger       NodeType = "TRIGGER"
	NodeTypeAction        NodeType = "ACTION"
	NodeTypeEmail         NodeType = "EMAIL"
	NodeTypeSMS           NodeType = "SMS"
	NodeTypeDelay         NodeType = "DELAY"
	NodeTypeCondition     NodeType = "CONDITION"
	NodeTypeLoop          NodeType = "LOOP"
	NodeTypeParallel      NodeType = "PARALLEL"
	NodeTypeDataTransform NodeType = "DATA_TRANSFORM"
	NodeTypeApproval      NodeType = "APPROVAL"
	NodeTypeCreateRecord  NodeType = "CREATE_RECORD"
	NodeTypeUpdateRecord  NodeType = "UPDATE_RECORD"
	NodeTypeQuery         NodeType = "QUERY"
	NodeTypeFilter        NodeType = "FILTER"
	NodeTypeSchedule      NodeType = "SCHEDULE"
)

// Workflow is a persisted directed graph of nodes owned by an organization.
// Only ACTIVE workflows are eligible for dispatch.
type Workflow struct {
	bun.BaseModel `bun:"table:workflows,alias:w"`

	ID                   uuid.UUID      `bun:"id,pk,type:uuid" json:"id"`
	OrganizationID       string         `bun:"organization_id,notnull" json:"organizationId"`
	Name                 string         `bun:"name,notnull" json:"name"`
	Description          string         `bun:"description" json:"description,omitempty"`
	Status               WorkflowStatus `bun:"status,notnull" json:"status"`
	Category             string         `bun:"category" json:"category,omitempty"`
	TotalExecutions      int64          `bun:"total_executions,notnull,default:0" json:"totalExecutions"`
	SuccessfulExecutions int64          `bun:"successful_executions,notnull,default:0" json:"successfulExecutions"`
	FailedExecutions     int64          `bun:"failed_executions,notnull,default:0" json:"failedExecutions"`
	LastExecutedAt       *time.Time     `bun:"last_executed_at" json:"lastExecutedAt,omitempty"`
	CreatedAt            time.Time      `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt            time.Time      `bun:"updated_at,notnull,default:current_timestamp" json:"updatedAt"`

	Triggers    []*WorkflowTrigger    `bun:"rel:has-many,join:id=workflow_id" json:"triggers,omitempty"`
	Nodes       []*WorkflowNode       `bun:"rel:has-many,join:id=workflow_id" json:"nodes,omitempty"`
	Connections []*WorkflowConnection `bun:"rel:has-many,join:id=workflow_id" json:"connections,omitempty"`
}

// WorkflowTrigger declares which domain events start the owning workflow and
// at which node. Null module/entity/event fields act as wildcards, but at
// least Module must be present for the trigger to ever match.
type WorkflowTrigger struct {
	bun.BaseModel `bun:"table:workflow_triggers,alias:wt"`

	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	WorkflowID    uuid.UUID  `bun:"workflow_id,notnull,type:uuid" json:"workflowId"`
	NodeID        string     `bun:"node_id,notnull" json:"nodeId"`
	Type          string     `bun:"type" json:"type,omitempty"`
	Module        string     `bun:"module" json:"module,omitempty"`
	EntityType    string     `bun:"entity_type" json:"entityType,omitempty"`
	EventType     string     `bun:"event_type" json:"eventType,omitempty"`
	Conditions    JSONB      `bun:"conditions,type:jsonb" json:"conditions,omitempty"`
	IsActive      bool       `bun:"is_active,notnull,default:true" json:"isActive"`
	TriggerCount  int64      `bun:"trigger_count,notnull,default:0" json:"triggerCount"`
	LastTriggered *time.Time `bun:"last_triggered" json:"lastTriggered,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
}

// WorkflowNode is one typed node in a workflow graph. NodeID is the graph
// identifier, unique within the workflow; ID is the row key.
type WorkflowNode struct {
	bun.BaseModel `bun:"table:workflow_nodes,alias:wn"`

	ID             uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	WorkflowID     uuid.UUID `bun:"workflow_id,notnull,type:uuid" json:"workflowId"`
	NodeID         string    `bun:"node_id,notnull" json:"nodeId"`
	Type           NodeType  `bun:"type,notnull" json:"type"`
	Name           string    `bun:"name" json:"name,omitempty"`
	ExecutionOrder int       `bun:"execution_order,notnull,default:0" json:"executionOrder"`
	IsOptional     bool      `bun:"is_optional,notnull,default:false" json:"isOptional"`
	RetryLimit     int       `bun:"retry_limit,notnull,default:0" json:"retryLimit"`
	TimeoutSeconds int       `bun:"timeout_seconds,notnull,default:0" json:"timeoutSeconds"`
	Config         JSONB     `bun:"config,type:jsonb" json:"config,omitempty"`
	EmailAction    JSONB     `bun:"email_action,type:jsonb" json:"emailAction,omitempty"`
	SMSAction      JSONB     `bun:"sms_action,type:jsonb" json:"smsAction,omitempty"`
	CreatedAt      time.Time `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
}

// WorkflowConnection is a directed edge between two nodes of one workflow.
// SourceHandle names the outgoing port ("true", "false", "body", "empty",
// "pending", "fallback", or "" for the default port). Connections are walked
// in ExecutionOrder; ties break by row id ascending.
type WorkflowConnection struct {
	bun.BaseModel `bun:"table:workflow_connections,alias:wc"`

	ID             uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	WorkflowID     uuid.UUID `bun:"workflow_id,notnull,type:uuid" json:"workflowId"`
	SourceNodeID   string    `bun:"source_node_id,notnull" json:"sourceNodeId"`
	TargetNodeID   string    `bun:"target_node_id,notnull" json:"targetNodeId"`
	SourceHandle   string    `bun:"source_handle" json:"sourceHandle,omitempty"`
	ExecutionOrder int       `bun:"execution_order,notnull,default:0" json:"executionOrder"`
	Conditions     JSONB     `bun:"conditions,type:jsonb" json:"conditions,omitempty"`
}
