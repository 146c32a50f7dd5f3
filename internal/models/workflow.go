package models

import (
	"time"

	"gorm.io/datatypes"
)

// TriggerType 触发规则的领域事件类别
type TriggerType string

const (
	TriggerApplicationSubmitted TriggerType = "APPLICATION_SUBMITTED"
	TriggerDocumentUploaded     TriggerType = "DOCUMENT_UPLOADED"
	TriggerReviewCompleted      TriggerType = "REVIEW_COMPLETED"
	TriggerStatusChanged        TriggerType = "STATUS_CHANGED"
	TriggerDeadlineApproaching  TriggerType = "DEADLINE_APPROACHING"
	TriggerInterviewScheduled   TriggerType = "INTERVIEW_SCHEDULED"
	TriggerScoreEntered         TriggerType = "SCORE_ENTERED"
	TriggerManual               TriggerType = "MANUAL_TRIGGER"
)

// TriggerTypes lists every supported trigger in display order.
var TriggerTypes = []TriggerType{
	TriggerApplicationSubmitted,
	TriggerDocumentUploaded,
	TriggerReviewCompleted,
	TriggerStatusChanged,
	TriggerDeadlineApproaching,
	TriggerInterviewScheduled,
	TriggerScoreEntered,
	TriggerManual,
}

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	for _, known := range TriggerTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Operator 条件运算符
type Operator string

const (
	OpEquals      Operator = "EQUALS"
	OpNotEquals   Operator = "NOT_EQUALS"
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
	OpContains    Operator = "CONTAINS"
	OpIn          Operator = "IN"
	OpNotIn       Operator = "NOT_IN"
)

func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpIn, OpNotIn:
		return true
	}
	return false
}

// Logic joins a condition to the accumulated result of the conditions before it.
type Logic string

const (
	LogicNone Logic = ""
	LogicAnd  Logic = "AND"
	LogicOr   Logic = "OR"
)

// ActionType 动作类型
type ActionType string

const (
	ActionStatusChange       ActionType = "STATUS_CHANGE"
	ActionSendEmail          ActionType = "SEND_EMAIL"
	ActionSendSMS            ActionType = "SEND_SMS"
	ActionCreateNotification ActionType = "CREATE_NOTIFICATION"
	ActionUpdateField        ActionType = "UPDATE_FIELD"
	ActionCallAPI            ActionType = "CALL_API"
	ActionScheduleTask       ActionType = "SCHEDULE_TASK"
)

// ExecutionStatus 执行状态，只能向前迁移
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// ExecutionSource records what started an execution.
type ExecutionSource string

const (
	SourceEvent  ExecutionSource = "EVENT"
	SourceManual ExecutionSource = "MANUAL"
	SourceTest   ExecutionSource = "TEST"
	SourceRetry  ExecutionSource = "RETRY"
)

// LogStatus is the outcome of one action inside an execution.
type LogStatus string

const (
	LogSuccess LogStatus = "SUCCESS"
	LogFailed  LogStatus = "FAILED"
)

// Condition 规则条件链中的一个谓词
type Condition struct {
	Field    string         `json:"field" yaml:"field"`
	Operator Operator       `json:"operator" yaml:"operator"`
	Value    ConditionValue `json:"value" yaml:"value"`
	Logic    Logic          `json:"logic,omitempty" yaml:"logic,omitempty"`
}

// Rule 工作流规则；条件与动作作为整体保存，编辑时整体替换
type Rule struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	Name           string      `gorm:"size:200;not null" json:"name"`
	Description    string      `gorm:"type:text" json:"description"`
	TriggerType    TriggerType `gorm:"size:50;index;not null" json:"trigger_type"`
	Conditions     []Condition `gorm:"type:text;serializer:json" json:"conditions"`
	Actions        []Action    `gorm:"type:text;serializer:json" json:"actions"`
	IsActive       bool        `gorm:"index" json:"is_active"`
	Priority       int         `gorm:"index" json:"priority"`
	ExecutionCount int64       `json:"execution_count"`
	LastExecutedAt *time.Time  `json:"last_executed_at,omitempty"`
	CreatedBy      string      `gorm:"size:100" json:"created_by,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// EnabledActions returns the enabled actions sorted by order.
func (r *Rule) EnabledActions() []Action {
	return EnabledActions(r.Actions)
}

// ExecutionLogEntry 单个动作的执行结果
type ExecutionLogEntry struct {
	Timestamp  time.Time  `json:"timestamp"`
	ActionType ActionType `json:"action_type"`
	Order      int        `json:"order"`
	Status     LogStatus  `json:"status"`
	Message    string     `json:"message"`
}

// Execution 一次规则执行记录（审计用，不会被删除）
type Execution struct {
	ID              uint                `gorm:"primaryKey" json:"id"`
	RuleID          uint                `gorm:"index" json:"rule_id"`
	RuleName        string              `gorm:"size:200" json:"rule_name"`
	TriggerType     TriggerType         `gorm:"size:50;index" json:"trigger_type"`
	SubjectID       uint                `gorm:"index" json:"subject_id"`
	Source          ExecutionSource     `gorm:"size:20" json:"source"`
	RetryOfID       *uint               `gorm:"index" json:"retry_of_id,omitempty"`
	RetryRootID     *uint               `gorm:"index" json:"retry_root_id,omitempty"`
	Attempt         int                 `json:"attempt"`
	TriggeredAt     time.Time           `gorm:"index" json:"triggered_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	Status          ExecutionStatus     `gorm:"size:20;index" json:"status"`
	ErrorMessage    string              `gorm:"type:text" json:"error_message,omitempty"`
	ActionsTotal    int                 `json:"actions_total"`
	ActionsExecuted int                 `json:"actions_executed"`
	ExecutionLog    []ExecutionLogEntry `gorm:"type:text;serializer:json" json:"execution_log"`
	Context         datatypes.JSONMap   `json:"context,omitempty"`
	Actions         []Action            `gorm:"type:text;serializer:json" json:"-"`
}

// Duration returns how long the execution ran, zero while in flight.
func (e *Execution) Duration() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.TriggeredAt)
}

// DeferredTaskStatus 延迟任务状态
type DeferredTaskStatus string

const (
	TaskPending    DeferredTaskStatus = "PENDING"
	TaskClaimed    DeferredTaskStatus = "CLAIMED"
	TaskDispatched DeferredTaskStatus = "DISPATCHED"
	TaskFailed     DeferredTaskStatus = "FAILED"
	TaskAbandoned  DeferredTaskStatus = "ABANDONED"
)

// DeferredTask SCHEDULE_TASK 动作持久化的延迟任务
type DeferredTask struct {
	ID                uint               `gorm:"primaryKey" json:"id"`
	TaskType          string             `gorm:"size:100;not null" json:"task_type"`
	RunAt             time.Time          `gorm:"index" json:"run_at"`
	Payload           datatypes.JSONMap  `json:"payload"`
	OriginExecutionID uint               `gorm:"index" json:"origin_execution_id"`
	RuleID            uint               `json:"rule_id"`
	SubjectID         uint               `json:"subject_id"`
	Status            DeferredTaskStatus `gorm:"size:20;index" json:"status"`
	ClaimToken        string             `gorm:"size:64" json:"-"`
	ClaimedAt         *time.Time         `json:"claimed_at,omitempty"`
	DispatchedAt      *time.Time         `json:"dispatched_at,omitempty"`
	LastError         string             `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}
