package integrations

import (
	"context"
	"errors"
	"fmt"

	"admitflow/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type appStatus = models.ApplicationStatus

// Transitions 申请状态流转表；未列出的目标状态一律拒绝
var Transitions = map[appStatus][]appStatus{
	models.StatusNew:                   {models.StatusProgramSelected, models.StatusDeleted},
	models.StatusProgramSelected:       {models.StatusPersonalInfoCompleted, models.StatusDeleted},
	models.StatusPersonalInfoCompleted: {models.StatusIdentityDocsUploaded, models.StatusDeleted},
	models.StatusIdentityDocsUploaded:  {models.StatusEduInfoCompleted, models.StatusDeleted},
	models.StatusEduInfoCompleted:      {models.StatusEduDocsUploaded, models.StatusDeleted},
	models.StatusEduDocsUploaded:       {models.StatusSubmitted, models.StatusDeleted},
	models.StatusSubmitted: {
		models.StatusUnderReview, models.StatusUnderUniversityReview,
		models.StatusReturnedForCorrection, models.StatusIneligible,
	},
	models.StatusUnderReview: {
		models.StatusUnderUniversityReview, models.StatusApprovedByUniversity, models.StatusRejectedByUniversity,
		models.StatusReturnedForCorrection, models.StatusIneligible,
	},
	models.StatusUnderUniversityReview: {
		models.StatusApprovedByUniversity, models.StatusRejectedByUniversity,
		models.StatusReturnedForCorrection, models.StatusIneligible,
	},
	models.StatusReturnedForCorrection:  {models.StatusSubmitted, models.StatusDeleted},
	models.StatusApprovedByUniversity:   {models.StatusUnderFacultyReview},
	models.StatusUnderFacultyReview:     {models.StatusFacultyReviewCompleted, models.StatusReturnedForCorrection},
	models.StatusFacultyReviewCompleted: {models.StatusCompleted},
}

// KnownStatus reports whether s appears anywhere in the transition table.
func KnownStatus(s appStatus) bool {
	if _, ok := Transitions[s]; ok {
		return true
	}
	for _, targets := range Transitions {
		for _, t := range targets {
			if t == s {
				return true
			}
		}
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to appStatus) bool {
	for _, t := range Transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ErrStatusChanged means the application left the status a transition was
// checked against before the write landed.
var ErrStatusChanged = errors.New("application status changed concurrently")

// ChangeStatus moves the application and appends a timeline entry in one
// transaction. Setting the current status again is a no-op.
func (p *Portal) ChangeStatus(ctx context.Context, subjectID uint, newStatus string) (string, error) {
	to := appStatus(newStatus)
	if !KnownStatus(to) {
		return "", fmt.Errorf("unknown application status %q", newStatus)
	}
	var prev string
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var app models.Application
		// sqlite 驱动会忽略行锁，条件更新兜底
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&app, subjectID).Error; err != nil {
			return fmt.Errorf("application %d: %w", subjectID, err)
		}
		prev = string(app.Status)
		if app.Status == to {
			return nil
		}
		return p.transition(tx, app, to)
	})
	if err != nil {
		return "", err
	}
	return prev, nil
}

// transition writes app.Status -> to only if the row still holds app.Status.
func (p *Portal) transition(tx *gorm.DB, app models.Application, to appStatus) error {
	if !CanTransition(app.Status, to) {
		return fmt.Errorf("status transition %s -> %s is not allowed", app.Status, to)
	}

	now := p.now()
	updates := map[string]interface{}{"status": to, "updated_at": now}
	if to == models.StatusSubmitted && app.SubmittedAt == nil {
		updates["submitted_at"] = now
	}
	res := tx.Model(&models.Application{}).
		Where("id = ? AND status = ?", app.ID, app.Status).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("application %d: %s -> %s: %w", app.ID, app.Status, to, ErrStatusChanged)
	}
	return tx.Create(&models.ApplicationTimelineEntry{
		ApplicationID: app.ID,
		FromStatus:    string(app.Status),
		ToStatus:      string(to),
		Description:   fmt.Sprintf("status changed from %s to %s", app.Status, to),
		CreatedBy:     p.Actor,
		CreatedAt:     now,
	}).Error
}
