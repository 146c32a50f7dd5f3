package store

import (
	"context"
	"strings"
	"time"

	"admitflow/internal/models"

	"gorm.io/gorm"
)

// RuleFilter 规则列表过滤条件
type RuleFilter struct {
	IsActive    *bool
	TriggerType models.TriggerType
	Search      string
	Page
}

// ListRules returns one page of rules ordered by priority desc, id asc, plus the total.
func (s *Store) ListRules(ctx context.Context, f RuleFilter) ([]models.Rule, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Rule{})
	if f.IsActive != nil {
		q = q.Where("is_active = ?", *f.IsActive)
	}
	if f.TriggerType != "" {
		q = q.Where("trigger_type = ?", f.TriggerType)
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		q = q.Where("LOWER(name) LIKE ? OR LOWER(description) LIKE ?", like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset, limit := f.limits()
	var rules []models.Rule
	if err := q.Order("priority DESC").Order("id ASC").Offset(offset).Limit(limit).Find(&rules).Error; err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// AllRules returns every rule, for export.
func (s *Store) AllRules(ctx context.Context) ([]models.Rule, error) {
	var rules []models.Rule
	err := s.db.WithContext(ctx).Order("id ASC").Find(&rules).Error
	return rules, err
}

func (s *Store) GetRule(ctx context.Context, id uint) (*models.Rule, error) {
	var rule models.Rule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		return nil, translate(err)
	}
	return &rule, nil
}

func (s *Store) CreateRule(ctx context.Context, rule *models.Rule) error {
	return s.db.WithContext(ctx).Create(rule).Error
}

// UpdateRule writes the editable columns; trigger type and counters are untouched.
func (s *Store) UpdateRule(ctx context.Context, rule *models.Rule) error {
	res := s.db.WithContext(ctx).Model(rule).
		Select("name", "description", "conditions", "actions", "is_active", "priority", "updated_at").
		Updates(rule)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRuleActions replaces the action list only.
func (s *Store) UpdateRuleActions(ctx context.Context, id uint, actions []models.Action) error {
	rule := &models.Rule{ID: id, Actions: actions, UpdatedAt: time.Now()}
	res := s.db.WithContext(ctx).Model(rule).Select("actions", "updated_at").Updates(rule)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Rule{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetRuleActive(ctx context.Context, id uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&models.Rule{}).Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": active, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkSetActive toggles many rules and returns how many rows changed.
func (s *Store) BulkSetActive(ctx context.Context, ids []uint, active bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Rule{}).Where("id IN ?", ids).
		Updates(map[string]interface{}{"is_active": active, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}

func (s *Store) BulkDeleteRules(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.Rule{})
	return res.RowsAffected, res.Error
}

func (s *Store) ActiveRulesForTrigger(ctx context.Context, trigger models.TriggerType) ([]models.Rule, error) {
	var rules []models.Rule
	err := s.db.WithContext(ctx).
		Where("trigger_type = ? AND is_active = ?", trigger, true).
		Order("priority DESC").Order("id ASC").
		Find(&rules).Error
	return rules, err
}

// RecordRuleExecution bumps the counter with a SQL expression so concurrent runs never lose an increment.
func (s *Store) RecordRuleExecution(ctx context.Context, id uint, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Rule{}).Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"execution_count":  gorm.Expr("execution_count + ?", 1),
			"last_executed_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRules returns the total and active rule counts.
func (s *Store) CountRules(ctx context.Context) (total, active int64, err error) {
	if err = s.db.WithContext(ctx).Model(&models.Rule{}).Count(&total).Error; err != nil {
		return
	}
	err = s.db.WithContext(ctx).Model(&models.Rule{}).Where("is_active = ?", true).Count(&active).Error
	return
}
