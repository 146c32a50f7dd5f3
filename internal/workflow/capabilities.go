package workflow

import (
	"context"
	"time"

	"admitflow/internal/models"
)

// ContextResolver builds the context tree for a subject.
type ContextResolver interface {
	Resolve(ctx context.Context, trigger models.TriggerType, subjectID uint) (*ContextTree, error)
}

type Mailer interface {
	SendEmail(ctx context.Context, to []string, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to []string, message string) error
}

// NotificationRequest is an in-app notification produced by CREATE_NOTIFICATION.
type NotificationRequest struct {
	SubjectID  uint
	Type       string
	Title      string
	Message    string
	Priority   string
	Recipients []string
}

type Notifier interface {
	CreateNotification(ctx context.Context, req NotificationRequest) error
}

// StatusChanger moves a subject to a new status and returns the previous one.
type StatusChanger interface {
	ChangeStatus(ctx context.Context, subjectID uint, status string) (string, error)
}

// FieldUpdater writes one subject field and returns the value actually stored,
// after type coercion.
type FieldUpdater interface {
	UpdateField(ctx context.Context, subjectID uint, field string, value interface{}) (interface{}, error)
}

// HTTPCaller performs an outbound call and returns the response status code.
// Non-2xx responses are errors.
type HTTPCaller interface {
	Call(ctx context.Context, url, method string, body interface{}) (int, error)
}

// DeferredRequest describes a task to run later.
type DeferredRequest struct {
	TaskType          string
	RunAt             time.Time
	Payload           map[string]interface{}
	OriginExecutionID uint
	RuleID            uint
	SubjectID         uint
}

type TaskScheduler interface {
	ScheduleDeferred(ctx context.Context, req DeferredRequest) (*models.DeferredTask, error)
}

// Capabilities bundles the collaborators action handlers talk to.
type Capabilities struct {
	Mailer   Mailer
	SMS      SMSSender
	Notifier Notifier
	Status   StatusChanger
	Fields   FieldUpdater
	HTTP     HTTPCaller
	Tasks    TaskScheduler
}
