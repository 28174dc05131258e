package models

import "time"

// Per-kind node configs. Node.Config is stored as JSONB and projected into
// one of these depending on Node.Type; unknown keys are ignored.

// EmailConfig configures EMAIL nodes and ACTION nodes carrying an email
// sub-action. Recipient falls back to module-specific payload extraction
// when To is empty.
type EmailConfig struct {
	To        string `json:"to,omitempty"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	FromName  string `json:"fromName,omitempty"`
	FromEmail string `json:"fromEmail,omitempty"`
	ReplyTo   string `json:"replyTo,omitempty"`
	ResultKey string `json:"resultKey,omitempty"`
}

// SMSConfig configures SMS nodes. Message HTML is stripped before sending.
type SMSConfig struct {
	To         string `json:"to,omitempty"`
	Message    string `json:"message"`
	FromNumber string `json:"fromNumber,omitempty"`
	MediaURL   string `json:"mediaUrl,omitempty"`
	ResultKey  string `json:"resultKey,omitempty"`
}

// DelayConfig configures DELAY nodes. DelayMs defaults to 1000.
type DelayConfig struct {
	DelayMs int64 `json:"delayMs,omitempty"`
}

// ConditionConfig configures CONDITION nodes.
type ConditionConfig struct {
	Conditions      []Condition `json:"conditions"`
	LogicalOperator string      `json:"logicalOperator,omitempty"`
}

// LoopConfig configures LOOP nodes. The collection resolves from DataSource,
// SourceKey, then ResultKey, first non-empty wins.
type LoopConfig struct {
	DataSource     string     `json:"dataSource,omitempty"`
	SourceKey      string     `json:"sourceKey,omitempty"`
	ResultKey      string     `json:"resultKey,omitempty"`
	ItemVariable   string     `json:"itemVariable,omitempty"`
	IndexVariable  string     `json:"indexVariable,omitempty"`
	MaxIterations  *int       `json:"maxIterations,omitempty"`
	BreakCondition *Condition `json:"breakCondition,omitempty"`
}

// ParallelConfig configures PARALLEL nodes.
// FailureHandling is one of fail_on_any, fail_on_all, continue_on_failure.
type ParallelConfig struct {
	ParallelNodeIDs []string `json:"parallelNodeIds"`
	FailureHandling string   `json:"failureHandling,omitempty"`
	ResultKey       string   `json:"resultKey,omitempty"`
}

// TransformConfig configures DATA_TRANSFORM nodes.
type TransformConfig struct {
	Operation    string            `json:"operation"`
	SourceKey    string            `json:"sourceKey,omitempty"`
	DataSource   string            `json:"dataSource,omitempty"`
	ResultKey    string            `json:"resultKey,omitempty"`
	Mapping      map[string]string `json:"mapping,omitempty"`
	Conditions   []Condition       `json:"conditions,omitempty"`
	Field        string            `json:"field,omitempty"`
	Aggregation  string            `json:"aggregation,omitempty"`
	GroupBy      string            `json:"groupBy,omitempty"`
	ExtractPath  string            `json:"extractPath,omitempty"`
	InitialValue any               `json:"initialValue,omitempty"`
	SortBy       string            `json:"sortBy,omitempty"`
	SortDesc     bool              `json:"sortDesc,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Model        string            `json:"model,omitempty"`
}

// QueryConfig configures QUERY nodes dispatched through the RecordStore port.
type QueryConfig struct {
	Model     string      `json:"model"`
	Filters   []Condition `json:"filters,omitempty"`
	OrderBy   string      `json:"orderBy,omitempty"`
	OrderDesc bool        `json:"orderDesc,omitempty"`
	Limit     int         `json:"limit,omitempty"`
	Offset    int         `json:"offset,omitempty"`
	Select    []string    `json:"select,omitempty"`
	Include   []string    `json:"include,omitempty"`
	ResultKey string      `json:"resultKey,omitempty"`
}

// FilterConfig configures FILTER nodes applied in memory.
type FilterConfig struct {
	SourceKey       string      `json:"sourceKey"`
	Conditions      []Condition `json:"conditions"`
	LogicalOperator string      `json:"logicalOperator,omitempty"`
	ResultKey       string      `json:"resultKey,omitempty"`
}

// RecordConfig configures CREATE_RECORD and UPDATE_RECORD nodes. Field values
// may contain {{path}} templates or {TOKEN} variables.
type RecordConfig struct {
	Model      string            `json:"model"`
	RecordID   string            `json:"recordId,omitempty"`
	Fields     map[string]string `json:"fields"`
	Conditions []Condition       `json:"conditions,omitempty"`
	ResultKey  string            `json:"resultKey,omitempty"`
}

// ApprovalConfig configures APPROVAL nodes.
type ApprovalConfig struct {
	ApproverIDs     []string `json:"approverIds,omitempty"`
	ApproverEmails  []string `json:"approverEmails,omitempty"`
	ExpiresInHours  int      `json:"expiresInHours,omitempty"`
	NotifyApprovers bool     `json:"notifyApprovers,omitempty"`
	Title           string   `json:"title,omitempty"`
	Description     string   `json:"description,omitempty"`
	ResultKey       string   `json:"resultKey,omitempty"`
}

// ScheduleConfig configures SCHEDULE nodes and is also the unit the scheduler
// service recomputes next runs from. Cron wins over Frequency when both are
// set.
type ScheduleConfig struct {
	Cron      string            `json:"cron,omitempty"`
	Frequency ScheduleFrequency `json:"frequency,omitempty"`
	Timezone  string            `json:"timezone,omitempty"`
	StartAt   *time.Time        `json:"startAt,omitempty"`
	EndAt     *time.Time        `json:"endAt,omitempty"`
	ResultKey string            `json:"resultKey,omitempty"`
}
