package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"opsflow/internal/models"
)

// Ports the engine consumes. Implementations live in internal/store,
// internal/adapters and internal/scheduler; tests use the in-memory set from
// internal/store.

// WorkflowStore is the read/update port for workflow definitions.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	// ListActiveWorkflows returns ACTIVE workflows in the organization that
	// carry at least one active trigger, triggers preloaded. A non-empty
	// triggerKind prefilters to triggers declaring that canonical kind or
	// no kind at all.
	ListActiveWorkflows(ctx context.Context, organizationID string, triggerKind string) ([]*models.Workflow, error)
	ListNodes(ctx context.Context, workflowID uuid.UUID) ([]*models.WorkflowNode, error)
	ListConnections(ctx context.Context, workflowID uuid.UUID) ([]*models.WorkflowConnection, error)
	GetTrigger(ctx context.Context, id uuid.UUID) (*models.WorkflowTrigger, error)
	// MarkTriggerFired atomically increments trigger_count and stamps
	// last_triggered.
	MarkTriggerFired(ctx context.Context, triggerID uuid.UUID, at time.Time) error
	// RecordExecutionOutcome atomically bumps the workflow counters and
	// stamps last_executed_at.
	RecordExecutionOutcome(ctx context.Context, workflowID uuid.UUID, success bool, at time.Time) error
}

// ExecutionStore is the persistence port for executions and their node trace.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error
	UpdateExecution(ctx context.Context, exec *models.WorkflowExecution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error)
	// FinishExecution transitions a RUNNING execution to the given terminal
	// status exactly once; it reports whether the transition was applied.
	FinishExecution(ctx context.Context, id uuid.UUID, status models.ExecutionStatus, result models.JSONB, errMsg string, at time.Time) (bool, error)
	CreateNodeExecution(ctx context.Context, ne *models.NodeExecution) error
	UpdateNodeExecution(ctx context.Context, ne *models.NodeExecution) error
	ListNodeExecutions(ctx context.Context, executionID uuid.UUID) ([]*models.NodeExecution, error)
	ListRecentExecutions(ctx context.Context, workflowID uuid.UUID, limit int) ([]*models.WorkflowExecution, error)
}

// ApprovalStore persists approvals created by APPROVAL nodes.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *models.WorkflowApproval) error
	GetApproval(ctx context.Context, id uuid.UUID) (*models.WorkflowApproval, error)
	UpdateApproval(ctx context.Context, a *models.WorkflowApproval) error
}

// ScheduleWriter is the slice of the scheduler the SCHEDULE node needs.
type ScheduleWriter interface {
	UpsertSchedule(ctx context.Context, workflowID uuid.UUID, nodeID string, cfg models.ScheduleConfig, metadata models.JSONB) (*models.WorkflowSchedule, error)
}

// EmailMessage is the outbound email envelope.
type EmailMessage struct {
	To          string
	Subject     string
	HTMLBody    string
	TextBody    string
	FromName    string
	FromEmail   string
	ReplyTo     string
	CC          []string
	BCC         []string
	Attachments []string
}

// EmailResult is the adapter outcome for one email send.
type EmailResult struct {
	Success   bool
	Skipped   bool
	MessageID string
	Error     string
}

// EmailSink delivers email for EMAIL nodes and approval notifications.
type EmailSink interface {
	Send(ctx context.Context, msg EmailMessage) (*EmailResult, error)
}

// SMSMessage is the outbound SMS envelope.
type SMSMessage struct {
	To         string
	Message    string
	FromNumber string
	MediaURL   string
}

// SMSResult is the adapter outcome for one SMS send. Unconfigured adapters
// must report Skipped=true with Success=true.
type SMSResult struct {
	Success    bool
	Skipped    bool
	MessageSID string
	Status     string
	Error      string
}

// SmsSink delivers SMS for SMS nodes.
type SmsSink interface {
	Send(ctx context.Context, msg SMSMessage) (*SMSResult, error)
}

// RecordModels enumerates the business models QUERY/CREATE_RECORD/
// UPDATE_RECORD may touch.
var RecordModels = map[string]bool{
	"lead":     true,
	"customer": true,
	"project":  true,
	"task":     true,
	"invoice":  true,
	"employee": true,
	"payroll":  true,
	"timeoff":  true,
}

// QueryArgs carries the narrowed query surface the engine hands to the
// RecordStore. Where conditions use the shared operator set; the store is
// responsible for scoping every access by OrganizationID.
type QueryArgs struct {
	OrganizationID string
	Where          []models.Condition
	OrderBy        string
	OrderDesc      bool
	Limit          int
	Offset         int
	Select         []string
	Include        []string
}

// RecordStore is the relational capability behind the record-touching nodes.
// Model names are drawn from RecordModels.
type RecordStore interface {
	Find(ctx context.Context, model string, args QueryArgs) (models.JSONB, error)
	FindMany(ctx context.Context, model string, args QueryArgs) ([]models.JSONB, error)
	Create(ctx context.Context, model string, organizationID string, fields models.JSONB) (models.JSONB, error)
	Update(ctx context.Context, model string, organizationID string, recordID any, fields models.JSONB, conditions []models.Condition) (models.JSONB, error)
}

// Clock is injected for deterministic scheduler and engine tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
