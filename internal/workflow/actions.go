package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"admitflow/internal/models"
)

// RegisterDefaultHandlers wires the built-in action types to caps. Missing
// capabilities make the corresponding actions fail when run.
func RegisterDefaultHandlers(d *Dispatcher, caps Capabilities, renderer *Renderer, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	h := &builtinHandlers{caps: caps, renderer: renderer, now: now}
	d.Register(models.ActionStatusChange, ActionHandlerFunc(h.statusChange))
	d.Register(models.ActionSendEmail, ActionHandlerFunc(h.sendEmail))
	d.Register(models.ActionSendSMS, ActionHandlerFunc(h.sendSMS))
	d.Register(models.ActionCreateNotification, ActionHandlerFunc(h.createNotification))
	d.Register(models.ActionUpdateField, ActionHandlerFunc(h.updateField))
	d.Register(models.ActionCallAPI, ActionHandlerFunc(h.callAPI))
	d.Register(models.ActionScheduleTask, ActionHandlerFunc(h.scheduleTask))
}

type builtinHandlers struct {
	caps     Capabilities
	renderer *Renderer
	now      func() time.Time
}

func configAs[T models.ActionConfig](req ActionRequest) (T, error) {
	cfg, ok := req.Action.Config.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: unexpected config %T", req.Action.ActionType, req.Action.Config)
	}
	return cfg, nil
}

func (h *builtinHandlers) statusChange(ctx context.Context, req ActionRequest) (ActionResult, error) {
	cfg, err := configAs[models.StatusChangeConfig](req)
	if err != nil {
		return ActionResult{}, err
	}
	if h.caps.Status == nil {
		return ActionResult{}, fmt.Errorf("status changes are not configured")
	}
	status, err := h.renderer.Render(cfg.NewStatus, req.Tree)
	if err != nil {
		return ActionResult{}, err
	}
	prev, err := h.caps.Status.ChangeStatus(ctx, req.Execution.SubjectID, status)
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{
		Message: fmt.Sprintf("status changed from %s to %s", prev, status),
		Updates: map[string]interface{}{"application.status": status},
	}, nil
}

func (h *builtinHandlers) sendEmail(ctx context.Context, req ActionRequest) (ActionResult, error) {
	cfg, err := configAs[models.SendEmailConfig](req)
	if err != nil {
		return ActionResult{}, err
	}
	if h.caps.Mailer == nil {
		return ActionResult{}, fmt.Errorf("email is not configured")
	}
	to, err := h.renderer.RenderList(cfg.EmailTo, req.Tree)
	if err != nil {
		return ActionResult{}, err
	}
	if len(to) == 0 {
		return ActionResult{}, fmt.Errorf("no email recipients after rendering")
	}
	subject, err := h.renderer.Render(cfg.EmailSubject, req.Tree)
	if err != nil {
		return ActionResult{}, err
	}
	body, err := h.body(cfg.EmailTemplate, cfg.EmailBody, req.Tree)
	if err != nil {
		return ActionResult{}, err
	}
	if err := h.caps.Mailer.SendEmail(ctx, to, subject, body); err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Message: "email sent to " + strings.Join(to, ", ")}, nil
}

func (h *builtinHandlers) sendSMS(ctx context.Context, req ActionRequest) (ActionResult, error) {
	cfg, err := configAs[models.SendSMSConfig](req)
	if err != nil {
		return ActionResult{}, err
	}
	if h.caps.SMS == nil {
		return ActionResult{}, fmt.Errorf("sms is not configured")
	}
	to, err := h.renderer.RenderList(cfg.SMSTo, req.Tree)
	if err != nil {
		return ActionResult{}, err
	}
	if len(to) == 0 {
		return ActionResult{}, fmt.Errorf("no sms recipients after rendering")
	}
	msg, err := h.body(cfg.SMSTemplate, cfg.SMSMessage, req.Tree)
	if err != nil {
		return ActionResult{}, err
	}
	if err := h.caps.SMS.SendSMS(ctx, to, msg); err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Message: "sms sent to " + strings.Join(to, ", ")}, nil
}

// body prefers the named template over the inline text.
func (h *builtinHandlers) body(template, inline string, tree *ContextTree) (string, error) {
	if strings.TrimSpace(template) != "" {
		return h.renderer.RenderNamed(template, tree)
	}
	return h.renderer.Render(inline, tree)
}

func (h *builtinHandlers) createNotification(ctx context.Context, req ActionRequest) (ActionResult, error) {
	cfg, err := configAs[models.CreateNotificationConfig](req)
	if err != nil {
		return ActionResult{}, err
	}
	if h.caps.Notifier == nil {
		return ActionResult{}, fmt.Errorf("notifications are not configured")
	}
	title := cfg.NotificationTitle
	if title == "" {
		title = cfg.NotificationType
	}
	if title, err = h.renderer.Render(title, req.Tree); err != nil {
		return ActionResult{}, err
	}
	msg, err := h.renderer.Render(cfg.NotificationMessage, req.Tree)
	if err != nil {
		return ActionResult{}, err
	}
	recipients, err := h.renderer.RenderList(cfg.Recipients(), req.Tree)
	if err != nil {
		return ActionResult{}, err
	}
	n := NotificationRequest{
		SubjectID:  req.Execution.SubjectID,
		Type:       cfg.NotificationType,
		Title:      title,
		Message:    msg,
		Priority:   cfg.Priority(),
		Recipients: resolveRecipients(recipients, req.Tree),
	}
	if err := h.caps.Notifier.CreateNotification(ctx, n); err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Message: fmt.Sprintf("notification %q created for %s", title, strings.Join(n.Recipients, ", "))}, nil
}

// resolveRecipients replaces the "applicant" alias with the applicant's email.
func resolveRecipients(recipients []string, tree *ContextTree) []string {
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if strings.EqualFold(r, "applicant") {
			if email := tree.Get("applicant.email"); email != Absent && stringForm(email) != "" {
				r = stringForm(email)
			}
		}
		out = append(out, r)
	}
	return out
}

func (h *builtinHandlers) updateField(ctx context.Context, req ActionRequest) (ActionResult, error) {
	cfg, err := configAs[models.UpdateFieldConfig](req)
	if err != nil {
		return ActionResult{}, err
	}
	if h.caps.Fields == nil {
		return ActionResult{}, fmt.Errorf("field updates are not configured")
	}
	value := cfg.FieldValue
	if s, ok := value.(string); ok {
		if value, err = h.renderer.Render(s, req.Tree); err != nil {
			return ActionResult{}, err
		}
	}
	stored, err := h.caps.Fields.UpdateField(ctx, req.Execution.SubjectID, cfg.FieldName, value)
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{
		Message: fmt.Sprintf("field %s set to %v", cfg.FieldName, stored),
		Updates: map[string]interface{}{"application." + cfg.FieldName: stored},
	}, nil
}

func (h *builtinHandlers) callAPI(ctx context.Context, req ActionRequest) (ActionResult, error) {
	cfg, err := configAs[models.CallAPIConfig](req)
	if err != nil {
		return ActionResult{}, err
	}
	if h.caps.HTTP == nil {
		return ActionResult{}, fmt.Errorf("outbound http is not configured")
	}
	url, err := h.renderer.Render(cfg.APIURL, req.Tree)
	if err != nil {
		return ActionResult{}, err
	}
	body, err := h.renderer.RenderValue(cfg.APIBody, req.Tree)
	if err != nil {
		return ActionResult{}, err
	}
	code, err := h.caps.HTTP.Call(ctx, url, cfg.Method(), body)
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Message: fmt.Sprintf("%s %s returned %d", cfg.Method(), url, code)}, nil
}

func (h *builtinHandlers) scheduleTask(ctx context.Context, req ActionRequest) (ActionResult, error) {
	cfg, err := configAs[models.ScheduleTaskConfig](req)
	if err != nil {
		return ActionResult{}, err
	}
	if h.caps.Tasks == nil {
		return ActionResult{}, &SchedulingError{TaskType: cfg.TaskType, Err: fmt.Errorf("task scheduling is not configured")}
	}
	payload := map[string]interface{}{}
	if cfg.TaskConfig != nil {
		rendered, err := h.renderer.RenderValue(cfg.TaskConfig, req.Tree)
		if err != nil {
			return ActionResult{}, err
		}
		payload = rendered.(map[string]interface{})
	}
	delay := time.Duration(cfg.TaskDelayHours * float64(time.Hour))
	task, err := h.caps.Tasks.ScheduleDeferred(ctx, DeferredRequest{
		TaskType:          cfg.TaskType,
		RunAt:             h.now().Add(delay),
		Payload:           payload,
		OriginExecutionID: req.Execution.ID,
		RuleID:            req.Execution.RuleID,
		SubjectID:         req.Execution.SubjectID,
	})
	if err != nil {
		return ActionResult{}, &SchedulingError{TaskType: cfg.TaskType, Err: err}
	}
	return ActionResult{Message: fmt.Sprintf("task %s #%d scheduled for %s", task.TaskType, task.ID, task.RunAt.UTC().Format(time.RFC3339))}, nil
}
