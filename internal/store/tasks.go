package store

import (
	"context"
	"time"

	"admitflow/internal/models"
	"admitflow/internal/workflow"
)

// ScheduleDeferred persists a PENDING task for the scheduler sweep.
func (s *Store) ScheduleDeferred(ctx context.Context, req workflow.DeferredRequest) (*models.DeferredTask, error) {
	task := &models.DeferredTask{
		TaskType:          req.TaskType,
		RunAt:             req.RunAt,
		Payload:           req.Payload,
		OriginExecutionID: req.OriginExecutionID,
		RuleID:            req.RuleID,
		SubjectID:         req.SubjectID,
		Status:            models.TaskPending,
	}
	if task.Payload == nil {
		task.Payload = map[string]interface{}{}
	}
	if err := s.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Store) CreateTask(ctx context.Context, task *models.DeferredTask) error {
	return s.db.WithContext(ctx).Create(task).Error
}

func (s *Store) GetTask(ctx context.Context, id uint) (*models.DeferredTask, error) {
	var task models.DeferredTask
	if err := s.db.WithContext(ctx).First(&task, id).Error; err != nil {
		return nil, translate(err)
	}
	return &task, nil
}

// DueTasks returns PENDING tasks whose run_at has passed, oldest first.
func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]models.DeferredTask, error) {
	var tasks []models.DeferredTask
	q := s.db.WithContext(ctx).
		Where("status = ? AND run_at <= ?", models.TaskPending, now).
		Order("run_at ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&tasks).Error
	return tasks, err
}

// ClaimTask moves a PENDING task to CLAIMED under token. Exactly one concurrent
// caller gets true.
func (s *Store) ClaimTask(ctx context.Context, id uint, token string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.DeferredTask{}).
		Where("id = ? AND status = ?", id, models.TaskPending).
		Updates(map[string]interface{}{
			"status":      models.TaskClaimed,
			"claim_token": token,
			"claimed_at":  now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FinishTask records the outcome of a claimed task. It only applies while the
// caller still holds the claim.
func (s *Store) FinishTask(ctx context.Context, id uint, token string, status models.DeferredTaskStatus, lastErr string, now time.Time) error {
	updates := map[string]interface{}{
		"status":     status,
		"last_error": lastErr,
		"updated_at": now,
	}
	if status == models.TaskDispatched {
		updates["dispatched_at"] = now
	}
	res := s.db.WithContext(ctx).Model(&models.DeferredTask{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, models.TaskClaimed, token).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AbandonStaleClaims marks tasks claimed before cutoff as ABANDONED. They are never
// re-fired.
func (s *Store) AbandonStaleClaims(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.DeferredTask{}).
		Where("status = ? AND claimed_at < ?", models.TaskClaimed, cutoff).
		Updates(map[string]interface{}{
			"status":     models.TaskAbandoned,
			"last_error": "claim expired before completion",
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

// ListTasks returns one page of tasks, newest run_at first.
func (s *Store) ListTasks(ctx context.Context, status models.DeferredTaskStatus, p Page) ([]models.DeferredTask, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.DeferredTask{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset, limit := p.limits()
	var tasks []models.DeferredTask
	if err := q.Order("run_at DESC").Order("id DESC").Offset(offset).Limit(limit).Find(&tasks).Error; err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}
