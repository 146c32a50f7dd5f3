package scheduler

import (
	"context"
	"fmt"

	"admitflow/internal/models"
	"admitflow/internal/workflow"

	"github.com/mitchellh/mapstructure"
)

// 内置任务类型
const (
	TaskFireTrigger  = "FIRE_TRIGGER"
	TaskExecuteRule  = "EXECUTE_RULE"
	TaskSendReminder = "SEND_REMINDER"
)

// Runner is the part of the engine deferred tasks call back into.
type Runner interface {
	HandleEvent(ctx context.Context, evt workflow.Event) ([]*models.Execution, error)
	ExecuteRule(ctx context.Context, ruleID, subjectID uint, overlay map[string]interface{}) (*workflow.RunResult, error)
}

type fireTriggerPayload struct {
	TriggerType string                 `mapstructure:"trigger_type"`
	SubjectID   uint                   `mapstructure:"subject_id"`
	Payload     map[string]interface{} `mapstructure:"payload"`
}

type executeRulePayload struct {
	RuleID    uint                   `mapstructure:"rule_id"`
	SubjectID uint                   `mapstructure:"subject_id"`
	Context   map[string]interface{} `mapstructure:"context"`
}

type reminderPayload struct {
	Type       string   `mapstructure:"notification_type"`
	Title      string   `mapstructure:"title"`
	Message    string   `mapstructure:"message"`
	Priority   string   `mapstructure:"priority"`
	Recipients []string `mapstructure:"recipients"`
}

func decodePayload(task models.DeferredTask, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]interface{}(task.Payload)); err != nil {
		return fmt.Errorf("%s payload: %w", task.TaskType, err)
	}
	return nil
}

func subjectOf(task models.DeferredTask, override uint) uint {
	if override != 0 {
		return override
	}
	return task.SubjectID
}

// RegisterDefaultHandlers wires FIRE_TRIGGER, EXECUTE_RULE and SEND_REMINDER.
func RegisterDefaultHandlers(s *Scheduler, runner Runner, notifier workflow.Notifier) {
	s.Register(TaskFireTrigger, TaskHandlerFunc(func(ctx context.Context, task models.DeferredTask) error {
		var p fireTriggerPayload
		if err := decodePayload(task, &p); err != nil {
			return err
		}
		trigger := models.TriggerType(p.TriggerType)
		if !trigger.Valid() || trigger == models.TriggerManual {
			return fmt.Errorf("trigger_type %q cannot be fired", p.TriggerType)
		}
		_, err := runner.HandleEvent(ctx, workflow.Event{Trigger: trigger, SubjectID: subjectOf(task, p.SubjectID), Payload: p.Payload})
		return err
	}))

	s.Register(TaskExecuteRule, TaskHandlerFunc(func(ctx context.Context, task models.DeferredTask) error {
		var p executeRulePayload
		if err := decodePayload(task, &p); err != nil {
			return err
		}
		if p.RuleID == 0 {
			return fmt.Errorf("rule_id is required")
		}
		res, err := runner.ExecuteRule(ctx, p.RuleID, subjectOf(task, p.SubjectID), p.Context)
		if err != nil {
			return err
		}
		if res.Execution != nil && res.Execution.Status == models.ExecutionFailed {
			return fmt.Errorf("execution %d failed: %s", res.Execution.ID, res.Execution.ErrorMessage)
		}
		return nil
	}))

	s.Register(TaskSendReminder, TaskHandlerFunc(func(ctx context.Context, task models.DeferredTask) error {
		if notifier == nil {
			return fmt.Errorf("notifications are not configured")
		}
		var p reminderPayload
		if err := decodePayload(task, &p); err != nil {
			return err
		}
		if p.Message == "" {
			return fmt.Errorf("message is required")
		}
		if p.Type == "" {
			p.Type = "REMINDER"
		}
		if p.Title == "" {
			p.Title = "Reminder"
		}
		if p.Priority == "" {
			p.Priority = "NORMAL"
		}
		if len(p.Recipients) == 0 {
			p.Recipients = []string{"applicant"}
		}
		return notifier.CreateNotification(ctx, workflow.NotificationRequest{
			SubjectID:  task.SubjectID,
			Type:       p.Type,
			Title:      p.Title,
			Message:    p.Message,
			Priority:   p.Priority,
			Recipients: p.Recipients,
		})
	}))
}
