package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"admitflow/internal/models"
	"admitflow/internal/store"
	"admitflow/internal/workflow"

	"github.com/sirupsen/logrus"
)

// Runner is the engine surface the management service drives.
type Runner interface {
	HandleEvent(ctx context.Context, evt workflow.Event) ([]*models.Execution, error)
	ExecuteRule(ctx context.Context, ruleID, subjectID uint, overlay map[string]interface{}) (*workflow.RunResult, error)
	TestRule(ctx context.Context, ruleID, subjectID uint, supplied map[string]interface{}) (*workflow.RunResult, error)
	Retry(ctx context.Context, executionID uint) (*models.Execution, error)
	SetMaxRetryAttempts(n int)
	SetActionTimeout(d time.Duration)
}

// RuleRequest 创建规则的请求
type RuleRequest struct {
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description" yaml:"description,omitempty"`
	TriggerType models.TriggerType `json:"trigger_type" yaml:"trigger_type"`
	Conditions  []models.Condition `json:"conditions" yaml:"conditions"`
	Actions     []models.Action    `json:"actions" yaml:"actions"`
	IsActive    *bool              `json:"is_active,omitempty" yaml:"is_active,omitempty"`
	Priority    *int               `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// RuleUpdate 更新规则的请求；nil 字段保持不变，条件与动作整体替换
type RuleUpdate struct {
	Name        *string             `json:"name"`
	Description *string             `json:"description"`
	TriggerType models.TriggerType  `json:"trigger_type"`
	Conditions  *[]models.Condition `json:"conditions"`
	Actions     *[]models.Action    `json:"actions"`
	IsActive    *bool               `json:"is_active"`
	Priority    *int                `json:"priority"`
}

// TestReport is the outcome of a rule test run.
type TestReport struct {
	Success         bool                      `json:"success"`
	ConditionsMet   bool                      `json:"conditions_met"`
	ActionsExecuted int                       `json:"actions_executed"`
	ExecutionLog    []string                  `json:"execution_log"`
	Errors          []string                  `json:"errors,omitempty"`
	Conditions      []workflow.ConditionTrace `json:"conditions"`
	Execution       *models.Execution         `json:"execution,omitempty"`
}

// BulkExecuteResult 批量执行中单条规则的结果
type BulkExecuteResult struct {
	RuleID    uint              `json:"rule_id"`
	Matched   bool              `json:"matched"`
	Execution *models.Execution `json:"execution,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Settings are the engine settings exposed to the admin UI.
type Settings struct {
	ExecutionTimeoutSeconds int  `json:"execution_timeout_seconds"`
	MaxRetryAttempts        int  `json:"max_retry_attempts"`
	RetryFailedExecutions   bool `json:"retry_failed_executions"`
	EnableExecutionHistory  bool `json:"enable_execution_history"`
}

// WorkflowService implements rule management on top of the store and the engine.
type WorkflowService struct {
	store    *store.Store
	runner   Runner
	logger   *logrus.Logger

	mu       sync.RWMutex
	settings Settings
}

func NewWorkflowService(st *store.Store, runner Runner, settings Settings, logger *logrus.Logger) *WorkflowService {
	if logger == nil {
		logger = logrus.New()
	}
	settings.RetryFailedExecutions = settings.MaxRetryAttempts > 0
	settings.EnableExecutionHistory = true
	return &WorkflowService{store: st, runner: runner, logger: logger, settings: settings}
}

func (s *WorkflowService) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// SettingsUpdate 运行时调整；进程重启后恢复为配置文件中的值
type SettingsUpdate struct {
	ExecutionTimeoutSeconds *int `json:"execution_timeout_seconds"`
	MaxRetryAttempts        *int `json:"max_retry_attempts"`
}

const (
	maxActionTimeoutSeconds = 3600
	maxRetryAttemptsLimit   = 10
)

// UpdateSettings validates u and applies it to the running engine.
func (s *WorkflowService) UpdateSettings(u SettingsUpdate) (Settings, error) {
	verr := &workflow.ValidationError{}
	if v := u.ExecutionTimeoutSeconds; v != nil && (*v < 1 || *v > maxActionTimeoutSeconds) {
		verr.Errors = append(verr.Errors, workflow.FieldError{Field: "execution_timeout_seconds", Message: fmt.Sprintf("must be between 1 and %d", maxActionTimeoutSeconds)})
	}
	if v := u.MaxRetryAttempts; v != nil && (*v < 1 || *v > maxRetryAttemptsLimit) {
		verr.Errors = append(verr.Errors, workflow.FieldError{Field: "max_retry_attempts", Message: fmt.Sprintf("must be between 1 and %d", maxRetryAttemptsLimit)})
	}
	if len(verr.Errors) > 0 {
		return Settings{}, verr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v := u.ExecutionTimeoutSeconds; v != nil {
		s.runner.SetActionTimeout(time.Duration(*v) * time.Second)
		s.settings.ExecutionTimeoutSeconds = *v
	}
	if v := u.MaxRetryAttempts; v != nil {
		s.runner.SetMaxRetryAttempts(*v)
		s.settings.MaxRetryAttempts = *v
		s.settings.RetryFailedExecutions = true
	}
	s.logger.WithFields(logrus.Fields{
		"execution_timeout_seconds": s.settings.ExecutionTimeoutSeconds,
		"max_retry_attempts":        s.settings.MaxRetryAttempts,
	}).Info("workflow settings updated")
	return s.settings, nil
}

// ListRules 分页查询规则
func (s *WorkflowService) ListRules(ctx context.Context, f store.RuleFilter) ([]models.Rule, int64, error) {
	return s.store.ListRules(ctx, f)
}

func (s *WorkflowService) GetRule(ctx context.Context, id uint) (*models.Rule, error) {
	return s.store.GetRule(ctx, id)
}

// CreateRule validates and stores a new rule.
func (s *WorkflowService) CreateRule(ctx context.Context, req *RuleRequest, createdBy string) (*models.Rule, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	rule := &models.Rule{
		Name:        req.Name,
		Description: req.Description,
		TriggerType: req.TriggerType,
		Conditions:  req.Conditions,
		Actions:     req.Actions,
		IsActive:    true,
		CreatedBy:   createdBy,
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if err := workflow.NormalizeRule(rule); err != nil {
		return nil, err
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "trigger": rule.TriggerType}).Infof("workflow rule %q created", rule.Name)
	return rule, nil
}

// UpdateRule applies the non-nil fields. The trigger type cannot change.
func (s *WorkflowService) UpdateRule(ctx context.Context, id uint, req *RuleUpdate) (*models.Rule, error) {
	rule, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.TriggerType != "" && req.TriggerType != rule.TriggerType {
		return nil, &workflow.ValidationError{Errors: []workflow.FieldError{{
			Field:   "trigger_type",
			Message: fmt.Sprintf("trigger type is fixed at creation (%s)", rule.TriggerType),
		}}}
	}
	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.Conditions != nil {
		rule.Conditions = *req.Conditions
	}
	if req.Actions != nil {
		rule.Actions = *req.Actions
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if err := workflow.NormalizeRule(rule); err != nil {
		return nil, err
	}
	rule.UpdatedAt = time.Now()
	if err := s.store.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *WorkflowService) DeleteRule(ctx context.Context, id uint) error {
	return s.store.DeleteRule(ctx, id)
}

// ToggleRule sets is_active, or flips it when active is nil.
func (s *WorkflowService) ToggleRule(ctx context.Context, id uint, active *bool) (*models.Rule, error) {
	rule, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	next := !rule.IsActive
	if active != nil {
		next = *active
	}
	if err := s.store.SetRuleActive(ctx, id, next); err != nil {
		return nil, err
	}
	rule.IsActive = next
	s.logger.WithField("rule_id", id).Infof("workflow rule active=%v", next)
	return rule, nil
}

const copySuffix = " (copy)"

// DuplicateRule clones a rule as an inactive copy with fresh counters.
func (s *WorkflowService) DuplicateRule(ctx context.Context, id uint) (*models.Rule, error) {
	src, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	name := src.Name
	for utf8.RuneCountInString(name+copySuffix) > 200 {
		r := []rune(name)
		name = string(r[:len(r)-1])
	}
	clone := &models.Rule{
		Name:        name + copySuffix,
		Description: src.Description,
		TriggerType: src.TriggerType,
		Conditions:  append([]models.Condition(nil), src.Conditions...),
		Actions:     append([]models.Action(nil), src.Actions...),
		IsActive:    false,
		Priority:    src.Priority,
		CreatedBy:   src.CreatedBy,
	}
	if err := s.store.CreateRule(ctx, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

// ReorderActions puts the actions in the sequence given by their current order
// numbers and renumbers them 1..n.
func (s *WorkflowService) ReorderActions(ctx context.Context, id uint, sequence []int) (*models.Rule, error) {
	rule, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	byOrder := make(map[int]models.Action, len(rule.Actions))
	for _, a := range rule.Actions {
		byOrder[a.Order] = a
	}
	if len(sequence) != len(byOrder) {
		return nil, reorderError("expected %d action orders, got %d", len(byOrder), len(sequence))
	}
	seen := make(map[int]bool, len(sequence))
	reordered := make([]models.Action, 0, len(sequence))
	for i, order := range sequence {
		a, ok := byOrder[order]
		if !ok || seen[order] {
			return nil, reorderError("order %d is unknown or repeated", order)
		}
		seen[order] = true
		a.Order = i + 1
		reordered = append(reordered, a)
	}
	if err := s.store.UpdateRuleActions(ctx, id, reordered); err != nil {
		return nil, err
	}
	rule.Actions = reordered
	return rule, nil
}

func reorderError(format string, args ...interface{}) error {
	return &workflow.ValidationError{Errors: []workflow.FieldError{{Field: "order", Message: fmt.Sprintf(format, args...)}}}
}

func (s *WorkflowService) BulkToggle(ctx context.Context, ids []uint, active bool) (int64, error) {
	return s.store.BulkSetActive(ctx, ids, active)
}

func (s *WorkflowService) BulkDelete(ctx context.Context, ids []uint) (int64, error) {
	return s.store.BulkDeleteRules(ctx, ids)
}

// BulkExecute runs each rule in turn; one failure does not stop the others.
func (s *WorkflowService) BulkExecute(ctx context.Context, ids []uint, subjectID uint, overlay map[string]interface{}) []BulkExecuteResult {
	out := make([]BulkExecuteResult, 0, len(ids))
	for _, id := range ids {
		res := BulkExecuteResult{RuleID: id}
		run, err := s.runner.ExecuteRule(ctx, id, subjectID, overlay)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Matched = run.Matched
			res.Execution = run.Execution
		}
		out = append(out, res)
	}
	return out
}

func (s *WorkflowService) ExecuteRule(ctx context.Context, id, subjectID uint, overlay map[string]interface{}) (*workflow.RunResult, error) {
	return s.runner.ExecuteRule(ctx, id, subjectID, overlay)
}

// TestRule runs the rule and summarizes the run for the rule editor.
func (s *WorkflowService) TestRule(ctx context.Context, id, subjectID uint, supplied map[string]interface{}) (*TestReport, error) {
	run, err := s.runner.TestRule(ctx, id, subjectID, supplied)
	if err != nil {
		return nil, err
	}
	report := &TestReport{
		ConditionsMet: run.Matched,
		Conditions:    run.Conditions,
		Execution:     run.Execution,
		ExecutionLog:  []string{},
	}
	for _, c := range run.Conditions {
		if c.Error != "" {
			report.Errors = append(report.Errors, fmt.Sprintf("condition %d (%s): %s", c.Index, c.Field, c.Error))
		}
	}
	if exec := run.Execution; exec != nil {
		report.ActionsExecuted = exec.ActionsExecuted
		report.ExecutionLog = LogLines(exec)
		report.Success = exec.Status == models.ExecutionCompleted
		if exec.ErrorMessage != "" {
			report.Errors = append(report.Errors, exec.ErrorMessage)
		}
	}
	return report, nil
}

func (s *WorkflowService) ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]models.Execution, int64, error) {
	return s.store.ListExecutions(ctx, f)
}

func (s *WorkflowService) GetExecution(ctx context.Context, id uint) (*models.Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// ExecutionLog returns the execution log rendered as text lines.
func (s *WorkflowService) ExecutionLog(ctx context.Context, id uint) ([]string, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	return LogLines(exec), nil
}

// LogLines formats each log entry as "<time> [STATUS] #order TYPE: message".
func LogLines(exec *models.Execution) []string {
	lines := make([]string, 0, len(exec.ExecutionLog))
	for _, e := range exec.ExecutionLog {
		lines = append(lines, fmt.Sprintf("%s [%s] #%d %s: %s",
			e.Timestamp.UTC().Format(time.RFC3339), e.Status, e.Order, e.ActionType, e.Message))
	}
	return lines
}

func (s *WorkflowService) RetryExecution(ctx context.Context, id uint) (*models.Execution, error) {
	return s.runner.Retry(ctx, id)
}

func (s *WorkflowService) Stats(ctx context.Context, f store.StatsFilter) (*store.Stats, error) {
	return s.store.Stats(ctx, f, 10)
}

func (s *WorkflowService) Performance(ctx context.Context, f store.StatsFilter, limit int) ([]store.RulePerformance, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.store.Performance(ctx, f, limit)
}

// HandleEvent feeds a producer event to the engine.
func (s *WorkflowService) HandleEvent(ctx context.Context, evt workflow.Event) ([]*models.Execution, error) {
	return s.runner.HandleEvent(ctx, evt)
}

func (s *WorkflowService) ListTasks(ctx context.Context, status models.DeferredTaskStatus, p store.Page) ([]models.DeferredTask, int64, error) {
	return s.store.ListTasks(ctx, status, p)
}

// IsNotFound reports whether err means a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, workflow.ErrNotFound)
}

// IsConflict reports whether err means the request is not allowed in the current state.
func IsConflict(err error) bool {
	return errors.Is(err, workflow.ErrConflict)
}
