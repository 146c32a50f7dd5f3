package integrations

import (
	"context"
	"fmt"

	"admitflow/internal/models"
	"admitflow/internal/workflow"

	"github.com/sirupsen/logrus"
)

// CreateNotification stores one in-app notification row per recipient.
func (p *Portal) CreateNotification(ctx context.Context, req workflow.NotificationRequest) error {
	if len(req.Recipients) == 0 {
		return fmt.Errorf("notification has no recipients")
	}
	now := p.now()
	rows := make([]models.Notification, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		rows = append(rows, models.Notification{
			ApplicationID: req.SubjectID,
			Recipient:     r,
			Type:          req.Type,
			Title:         req.Title,
			Message:       req.Message,
			Priority:      req.Priority,
			CreatedAt:     now,
		})
	}
	if err := p.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	p.logger.WithFields(logrus.Fields{"application_id": req.SubjectID, "type": req.Type}).
		Debugf("notification stored for %d recipient(s)", len(rows))
	return nil
}
