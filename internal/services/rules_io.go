package services

import (
	"bytes"
	"context"
	"fmt"

	"admitflow/internal/models"
	"admitflow/internal/workflow"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// RuleFile is the YAML document used by rule import/export.
type RuleFile struct {
	Rules []RuleRequest `yaml:"rules"`
}

// ImportResult 导入统计
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// ExportRules writes every rule as a YAML document.
func (s *WorkflowService) ExportRules(ctx context.Context) ([]byte, error) {
	rules, err := s.store.AllRules(ctx)
	if err != nil {
		return nil, err
	}
	doc := RuleFile{Rules: make([]RuleRequest, 0, len(rules))}
	for i := range rules {
		r := rules[i]
		active, priority := r.IsActive, r.Priority
		doc.Rules = append(doc.Rules, RuleRequest{
			Name:        r.Name,
			Description: r.Description,
			TriggerType: r.TriggerType,
			Conditions:  r.Conditions,
			Actions:     r.Actions,
			IsActive:    &active,
			Priority:    &priority,
		})
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ImportRules upserts rules by name and trigger type. The file is validated as a
// whole before anything is written.
func (s *WorkflowService) ImportRules(ctx context.Context, data []byte, createdBy string) (*ImportResult, error) {
	var doc RuleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}

	for i := range doc.Rules {
		candidate := requestToRule(&doc.Rules[i], createdBy)
		if err := workflow.NormalizeRule(candidate); err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i+1, doc.Rules[i].Name, err)
		}
	}

	existing, err := s.store.AllRules(ctx)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]models.Rule, len(existing))
	for _, r := range existing {
		byKey[string(r.TriggerType)+"/"+r.Name] = r
	}

	res := &ImportResult{}
	for i := range doc.Rules {
		req := &doc.Rules[i]
		if cur, ok := byKey[string(req.TriggerType)+"/"+req.Name]; ok {
			upd := &RuleUpdate{
				Description: &req.Description,
				Conditions:  &req.Conditions,
				Actions:     &req.Actions,
				IsActive:    req.IsActive,
				Priority:    req.Priority,
			}
			if _, err := s.UpdateRule(ctx, cur.ID, upd); err != nil {
				return res, err
			}
			res.Updated++
			continue
		}
		if _, err := s.CreateRule(ctx, req, createdBy); err != nil {
			return res, err
		}
		res.Created++
	}
	s.logger.WithFields(logrus.Fields{"created": res.Created, "updated": res.Updated}).Info("workflow rules imported")
	return res, nil
}

func requestToRule(req *RuleRequest, createdBy string) *models.Rule {
	rule := &models.Rule{
		Name:        req.Name,
		Description: req.Description,
		TriggerType: req.TriggerType,
		Conditions:  append([]models.Condition(nil), req.Conditions...),
		Actions:     append([]models.Action(nil), req.Actions...),
		IsActive:    true,
		CreatedBy:   createdBy,
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	return rule
}

// SampleRules 示例规则（migrate --seed）
func SampleRules() []RuleRequest {
	inactive := false
	return []RuleRequest{
		{
			Name:        "Welcome submitted applications",
			Description: "Confirm receipt and move complete submissions into review",
			TriggerType: models.TriggerApplicationSubmitted,
			Conditions: []models.Condition{
				{Field: "documents.count", Operator: models.OpGreaterThan, Value: models.NumberValue(2)},
			},
			Actions: []models.Action{
				{ActionType: models.ActionSendEmail, Order: 1, IsEnabled: true, Config: models.SendEmailConfig{
					EmailSubject: "We received application {{ application.tracking_code }}",
					EmailBody:    "Dear {{ applicant.full_name }}, your application to {{ program.name }} is now with our admissions team.",
					EmailTo:      []string{"applicant"},
				}},
				{ActionType: models.ActionStatusChange, Order: 2, IsEnabled: true, Config: models.StatusChangeConfig{NewStatus: "UNDER_REVIEW"}},
			},
		},
		{
			Name:        "Deadline reminder",
			Description: "Remind applicants with missing documents shortly before the deadline",
			TriggerType: models.TriggerDeadlineApproaching,
			Conditions: []models.Condition{
				{Field: "application.days_to_deadline", Operator: models.OpLessThan, Value: models.NumberValue(4)},
				{Field: "application.status", Operator: models.OpIn, Value: models.SetValue("DRAFT", "PENDING_DOCUMENTS"), Logic: models.LogicAnd},
			},
			Actions: []models.Action{
				{ActionType: models.ActionCreateNotification, Order: 1, IsEnabled: true, Config: models.CreateNotificationConfig{
					NotificationType:     "DEADLINE",
					NotificationTitle:    "Deadline approaching",
					NotificationMessage:  "Only {{ application.days_to_deadline }} day(s) left to complete {{ application.tracking_code }}.",
					NotificationPriority: "HIGH",
				}},
				{ActionType: models.ActionSendSMS, Order: 2, IsEnabled: true, Config: models.SendSMSConfig{
					SMSMessage: "Admissions: {{ application.days_to_deadline }} day(s) left to finish your application.",
					SMSTo:      []string{"applicant"},
				}},
			},
		},
		{
			Name:        "Interview follow-up",
			Description: "Schedule a reminder a day before the interview",
			TriggerType: models.TriggerInterviewScheduled,
			IsActive:    &inactive,
			Actions: []models.Action{
				{ActionType: models.ActionScheduleTask, Order: 1, IsEnabled: true, Config: models.ScheduleTaskConfig{
					TaskType:       "SEND_REMINDER",
					TaskDelayHours: 24,
					TaskConfig:     map[string]interface{}{"message": "Your interview is tomorrow."},
				}},
			},
		},
	}
}

// SeedSamples creates the sample rules when no rules exist yet.
func (s *WorkflowService) SeedSamples(ctx context.Context, createdBy string) (int, error) {
	total, _, err := s.store.CountRules(ctx)
	if err != nil {
		return 0, err
	}
	if total > 0 {
		return 0, nil
	}
	created := 0
	for _, req := range SampleRules() {
		req := req
		if _, err := s.CreateRule(ctx, &req, createdBy); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
