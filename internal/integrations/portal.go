package integrations

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"admitflow/internal/models"
	"admitflow/internal/workflow"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Portal adapts the admissions tables to the engine: it resolves contexts, changes
// statuses, updates whitelisted fields and writes in-app notifications.
type Portal struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
	// Actor is recorded on timeline entries written by status changes.
	Actor string
}

func NewPortal(db *gorm.DB, logger *logrus.Logger) *Portal {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Portal{db: db, logger: logger, now: time.Now, Actor: "workflow"}
}

// WithClock overrides the time source.
func (p *Portal) WithClock(now func() time.Time) *Portal {
	p.now = now
	return p
}

func (p *Portal) loadApplication(ctx context.Context, db *gorm.DB, id uint) (*models.Application, error) {
	var app models.Application
	if err := db.WithContext(ctx).Preload("Applicant").Preload("Program").First(&app, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("application %d: %w", id, workflow.ErrNotFound)
		}
		return nil, err
	}
	return &app, nil
}

// Resolve builds the context for an application. Subject 0 yields an empty tree.
func (p *Portal) Resolve(ctx context.Context, trigger models.TriggerType, subjectID uint) (*workflow.ContextTree, error) {
	if subjectID == 0 {
		return workflow.NewContextTree(map[string]interface{}{})
	}
	app, err := p.loadApplication(ctx, p.db, subjectID)
	if err != nil {
		return nil, err
	}
	var docs []models.ApplicationDocument
	if err := p.db.WithContext(ctx).Where("application_id = ?", app.ID).Order("id ASC").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("documents of application %d: %w", app.ID, err)
	}
	return workflow.NewContextTree(p.contextOf(app, docs))
}

func (p *Portal) contextOf(app *models.Application, docs []models.ApplicationDocument) map[string]interface{} {
	application := map[string]interface{}{
		"id":                       app.ID,
		"tracking_code":            app.TrackingCode,
		"status":                   string(app.Status),
		"total_score":              app.TotalScore,
		"university_review_status": app.UniversityReviewStatus,
		"review_comment":           app.ReviewComment,
		"admission_status":         app.AdmissionStatus,
		"applicant_id":             app.ApplicantID,
	}
	if app.ProgramID != nil {
		application["program_id"] = *app.ProgramID
	}
	setTime(application, "submitted_at", app.SubmittedAt)
	setTime(application, "interview_at", app.InterviewAt)
	if setTime(application, "deadline_at", app.DeadlineAt) {
		application["days_to_deadline"] = int64(math.Ceil(app.DeadlineAt.Sub(p.now()).Hours() / 24))
	}

	data := map[string]interface{}{"application": application}
	if a := app.Applicant; a != nil {
		data["applicant"] = map[string]interface{}{
			"id":          a.ID,
			"full_name":   a.FullName,
			"email":       a.Email,
			"phone":       a.Phone,
			"national_id": a.NationalID,
			"nationality": a.Nationality,
		}
	}
	if pr := app.Program; pr != nil {
		data["program"] = map[string]interface{}{
			"id":           pr.ID,
			"code":         pr.Code,
			"name":         pr.Name,
			"degree_level": pr.DegreeLevel,
			"faculty":      pr.Faculty,
			"capacity":     pr.Capacity,
		}
	}

	items := make([]interface{}, 0, len(docs))
	types := make([]interface{}, 0, len(docs))
	approved := 0
	for _, d := range docs {
		items = append(items, map[string]interface{}{
			"id":        d.ID,
			"type":      d.Type,
			"status":    d.Status,
			"file_name": d.FileName,
		})
		types = append(types, d.Type)
		if d.Status == "APPROVED" {
			approved++
		}
	}
	data["documents"] = map[string]interface{}{
		"count":          len(docs),
		"approved_count": approved,
		"items":          items,
		"types":          types,
	}
	return data
}

func setTime(m map[string]interface{}, key string, t *time.Time) bool {
	if t == nil {
		return false
	}
	m[key] = t.UTC().Format(time.RFC3339)
	return true
}
