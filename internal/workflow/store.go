package workflow

import (
	"context"
	"time"

	"admitflow/internal/models"
)

// RuleStore is the rule persistence the engine needs.
type RuleStore interface {
	// ActiveRulesForTrigger returns active rules ordered by priority desc, id asc.
	ActiveRulesForTrigger(ctx context.Context, trigger models.TriggerType) ([]models.Rule, error)
	GetRule(ctx context.Context, id uint) (*models.Rule, error)
	// RecordRuleExecution atomically bumps execution_count and sets last_executed_at.
	RecordRuleExecution(ctx context.Context, id uint, at time.Time) error
}

// ExecutionStore persists executions. Implementations return ErrNotFound for
// missing records.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *models.Execution) error
	SaveExecution(ctx context.Context, exec *models.Execution) error
	GetExecution(ctx context.Context, id uint) (*models.Execution, error)
	LatestExecutionForRule(ctx context.Context, ruleID uint) (*models.Execution, error)
	// CountRetries counts the retries created for the chain started by rootID.
	CountRetries(ctx context.Context, rootID uint) (int64, error)
}

// Observer is told about every persisted execution state change.
type Observer interface {
	ExecutionChanged(exec models.Execution)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(exec models.Execution)

func (f ObserverFunc) ExecutionChanged(exec models.Execution) { f(exec) }
