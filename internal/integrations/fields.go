package integrations

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"admitflow/internal/models"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindTime
)

// UpdatableFields 允许 UPDATE_FIELD 修改的申请字段
var UpdatableFields = map[string]fieldKind{
	"review_comment":           kindString,
	"admission_status":         kindString,
	"university_review_status": kindString,
	"total_score":              kindNumber,
	"interview_at":             kindTime,
	"deadline_at":              kindTime,
}

// UpdateField writes one whitelisted application column and returns the
// stored value in the shape the context tree uses.
func (p *Portal) UpdateField(ctx context.Context, subjectID uint, field string, value interface{}) (interface{}, error) {
	kind, ok := UpdatableFields[field]
	if !ok {
		return nil, fmt.Errorf("field %q cannot be updated by workflows", field)
	}
	v, err := coerce(kind, value)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", field, err)
	}
	res := p.db.WithContext(ctx).Model(&models.Application{}).Where("id = ?", subjectID).
		Updates(map[string]interface{}{field: v, "updated_at": p.now()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("application %d not found", subjectID)
	}
	// 时间字段在上下文里是 RFC3339 字符串，与 BuildContext 一致
	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339), nil
	}
	return v, nil
}

func coerce(kind fieldKind, value interface{}) (interface{}, error) {
	switch kind {
	case kindNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", v)
			}
			return f, nil
		}
		return nil, fmt.Errorf("%v is not a number", value)
	case kindTime:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%v is not a timestamp", value)
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%q is not an RFC3339 timestamp", s)
		}
		return t.UTC(), nil
	default:
		if value == nil {
			return "", nil
		}
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprint(value), nil
	}
}
