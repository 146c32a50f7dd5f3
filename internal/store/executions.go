package store

import (
	"context"
	"sort"
	"time"

	"admitflow/internal/models"

	"gorm.io/gorm"
)

// ExecutionFilter 执行记录过滤条件
type ExecutionFilter struct {
	RuleID    uint
	Status    models.ExecutionStatus
	Source    models.ExecutionSource
	SubjectID uint
	DateFrom  *time.Time
	DateTo    *time.Time
	Page
}

func (s *Store) CreateExecution(ctx context.Context, exec *models.Execution) error {
	return s.db.WithContext(ctx).Create(exec).Error
}

func (s *Store) SaveExecution(ctx context.Context, exec *models.Execution) error {
	return s.db.WithContext(ctx).Save(exec).Error
}

func (s *Store) GetExecution(ctx context.Context, id uint) (*models.Execution, error) {
	var exec models.Execution
	if err := s.db.WithContext(ctx).First(&exec, id).Error; err != nil {
		return nil, translate(err)
	}
	return &exec, nil
}

func (s *Store) LatestExecutionForRule(ctx context.Context, ruleID uint) (*models.Execution, error) {
	var exec models.Execution
	err := s.db.WithContext(ctx).Where("rule_id = ?", ruleID).Order("id DESC").First(&exec).Error
	if err != nil {
		return nil, translate(err)
	}
	return &exec, nil
}

func (s *Store) CountRetries(ctx context.Context, rootID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Execution{}).Where("retry_root_id = ?", rootID).Count(&n).Error
	return n, err
}

// ListExecutions returns one page of executions, newest first, plus the total.
func (s *Store) ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.Execution, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Execution{})
	if f.RuleID != 0 {
		q = q.Where("rule_id = ?", f.RuleID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if f.SubjectID != 0 {
		q = q.Where("subject_id = ?", f.SubjectID)
	}
	if f.DateFrom != nil {
		q = q.Where("triggered_at >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		q = q.Where("triggered_at < ?", *f.DateTo)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset, limit := f.limits()
	var execs []models.Execution
	if err := q.Order("triggered_at DESC").Order("id DESC").Offset(offset).Limit(limit).Find(&execs).Error; err != nil {
		return nil, 0, err
	}
	return execs, total, nil
}

// StatsFilter narrows statistics to a rule and/or a trigger time window.
type StatsFilter struct {
	RuleID   uint
	DateFrom *time.Time
	DateTo   *time.Time
}

// Stats 工作流概览
type Stats struct {
	TotalRules           int64                        `json:"total_rules"`
	ActiveRules          int64                        `json:"active_rules"`
	TotalExecutions      int64                        `json:"total_executions"`
	SuccessfulExecutions int64                        `json:"successful_executions"`
	FailedExecutions     int64                        `json:"failed_executions"`
	PendingExecutions    int64                        `json:"pending_executions"`
	ByTriggerType        map[models.TriggerType]int64 `json:"by_trigger_type"`
	RecentExecutions     []models.Execution           `json:"recent_executions"`
}

type statusCount struct {
	Status      models.ExecutionStatus
	TriggerType models.TriggerType
	N           int64
}

func (s *Store) Stats(ctx context.Context, f StatsFilter, recent int) (*Stats, error) {
	st := &Stats{ByTriggerType: map[models.TriggerType]int64{}, RecentExecutions: []models.Execution{}}
	var err error
	if st.TotalRules, st.ActiveRules, err = s.CountRules(ctx); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Model(&models.Execution{})
	if f.RuleID != 0 {
		q = q.Where("rule_id = ?", f.RuleID)
	}
	if f.DateFrom != nil {
		q = q.Where("triggered_at >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		q = q.Where("triggered_at < ?", *f.DateTo)
	}

	var counts []statusCount
	if err := q.Session(&gorm.Session{}).
		Select("status, trigger_type, COUNT(*) AS n").
		Group("status, trigger_type").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	for _, c := range counts {
		st.TotalExecutions += c.N
		st.ByTriggerType[c.TriggerType] += c.N
		switch c.Status {
		case models.ExecutionCompleted:
			st.SuccessfulExecutions += c.N
		case models.ExecutionFailed:
			st.FailedExecutions += c.N
		default:
			st.PendingExecutions += c.N
		}
	}

	if recent > 0 {
		if err := q.Session(&gorm.Session{}).Order("id DESC").Limit(recent).Find(&st.RecentExecutions).Error; err != nil {
			return nil, err
		}
	}
	return st, nil
}

// RulePerformance 单条规则的执行表现
type RulePerformance struct {
	Rule           models.Rule `json:"rule"`
	ExecutionCount int64       `json:"execution_count"`
	SuccessRate    float64     `json:"success_rate"`
	AvgDurationMs  float64     `json:"avg_duration_ms"`
	LastExecution  *time.Time  `json:"last_execution,omitempty"`
}

type execTiming struct {
	RuleID      uint
	Status      models.ExecutionStatus
	TriggeredAt time.Time
	CompletedAt *time.Time
}

// Performance aggregates executions per rule, busiest rules first.
func (s *Store) Performance(ctx context.Context, f StatsFilter, limit int) ([]RulePerformance, error) {
	q := s.db.WithContext(ctx).Model(&models.Execution{}).Where("rule_id <> 0")
	if f.RuleID != 0 {
		q = q.Where("rule_id = ?", f.RuleID)
	}
	if f.DateFrom != nil {
		q = q.Where("triggered_at >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		q = q.Where("triggered_at < ?", *f.DateTo)
	}
	var rows []execTiming
	if err := q.Select("rule_id, status, triggered_at, completed_at").Scan(&rows).Error; err != nil {
		return nil, err
	}

	type acc struct {
		count, completed, timed int64
		total                   time.Duration
		last                    time.Time
	}
	byRule := map[uint]*acc{}
	for _, r := range rows {
		a := byRule[r.RuleID]
		if a == nil {
			a = &acc{}
			byRule[r.RuleID] = a
		}
		a.count++
		if r.Status == models.ExecutionCompleted {
			a.completed++
		}
		if r.CompletedAt != nil {
			a.timed++
			a.total += r.CompletedAt.Sub(r.TriggeredAt)
		}
		if r.TriggeredAt.After(a.last) {
			a.last = r.TriggeredAt
		}
	}
	if len(byRule) == 0 {
		return []RulePerformance{}, nil
	}

	ids := make([]uint, 0, len(byRule))
	for id := range byRule {
		ids = append(ids, id)
	}
	var rules []models.Rule
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rules).Error; err != nil {
		return nil, err
	}

	out := make([]RulePerformance, 0, len(rules))
	for _, rule := range rules {
		a := byRule[rule.ID]
		p := RulePerformance{Rule: rule, ExecutionCount: a.count}
		p.SuccessRate = float64(a.completed) / float64(a.count) * 100
		if a.timed > 0 {
			p.AvgDurationMs = float64(a.total.Milliseconds()) / float64(a.timed)
		}
		last := a.last
		p.LastExecution = &last
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecutionCount != out[j].ExecutionCount {
			return out[i].ExecutionCount > out[j].ExecutionCount
		}
		return out[i].Rule.ID < out[j].Rule.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
