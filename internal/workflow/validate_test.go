package workflow

import (
	"errors"
	"testing"

	"admitflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusAction(order int, status string) models.Action {
	return models.Action{ActionType: models.ActionStatusChange, Order: order, IsEnabled: true, Config: models.StatusChangeConfig{NewStatus: status}}
}

func TestNormalizeRule_Canonicalizes(t *testing.T) {
	r := &models.Rule{
		Name:        "  Auto review  ",
		TriggerType: models.TriggerApplicationSubmitted,
		Conditions: []models.Condition{
			{Field: "documents.count", Operator: models.OpGreaterThan, Value: models.StringValue("2"), Logic: models.LogicOr},
			{Field: "applicant.nationality", Operator: models.OpIn, Value: models.StringValue("IR,AF")},
		},
		Actions: []models.Action{statusAction(10, "UNDER_UNIVERSITY_REVIEW"), statusAction(4, "SUBMITTED")},
	}
	require.NoError(t, NormalizeRule(r))

	assert.Equal(t, "Auto review", r.Name)
	assert.Equal(t, DefaultPriority, r.Priority)
	assert.Equal(t, models.LogicNone, r.Conditions[0].Logic)
	assert.Equal(t, models.NumberValue(2), r.Conditions[0].Value)
	assert.Equal(t, models.LogicAnd, r.Conditions[1].Logic)
	assert.Equal(t, models.SetValue("IR", "AF"), r.Conditions[1].Value)
	assert.Equal(t, 1, r.Actions[0].Order)
	assert.Equal(t, "SUBMITTED", r.Actions[0].Config.(models.StatusChangeConfig).NewStatus)
	assert.Equal(t, 2, r.Actions[1].Order)
}

func TestNormalizeRule_Errors(t *testing.T) {
	tests := []struct {
		name  string
		rule  models.Rule
		field string
	}{
		{"missing name", models.Rule{TriggerType: models.TriggerManual, Actions: []models.Action{statusAction(1, "NEW")}}, "name"},
		{"bad trigger", models.Rule{Name: "r", TriggerType: "PAYMENT_RECEIVED", Actions: []models.Action{statusAction(1, "NEW")}}, "trigger_type"},
		{"priority out of range", models.Rule{Name: "r", TriggerType: models.TriggerManual, Priority: 101, Actions: []models.Action{statusAction(1, "NEW")}}, "priority"},
		{"no actions", models.Rule{Name: "r", TriggerType: models.TriggerManual}, "actions"},
		{"bad action config", models.Rule{Name: "r", TriggerType: models.TriggerManual, Actions: []models.Action{statusAction(1, "")}}, "actions[0].config"},
		{"mismatched config", models.Rule{Name: "r", TriggerType: models.TriggerManual, Actions: []models.Action{
			{ActionType: models.ActionSendSMS, Order: 1, IsEnabled: true, Config: models.StatusChangeConfig{NewStatus: "NEW"}},
		}}, "actions[0].action_type"},
		{"non numeric threshold", models.Rule{Name: "r", TriggerType: models.TriggerManual, Actions: []models.Action{statusAction(1, "NEW")},
			Conditions: []models.Condition{{Field: "x", Operator: models.OpLessThan, Value: models.StringValue("ten")}}}, "conditions[0].value"},
		{"bad logic", models.Rule{Name: "r", TriggerType: models.TriggerManual, Actions: []models.Action{statusAction(1, "NEW")},
			Conditions: []models.Condition{
				{Field: "x", Operator: models.OpEquals, Value: models.StringValue("a")},
				{Field: "y", Operator: models.OpEquals, Value: models.StringValue("b"), Logic: "XOR"},
			}}, "conditions[1].logic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.rule
			err := NormalizeRule(&r)
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			fields := make([]string, 0, len(verr.Errors))
			for _, fe := range verr.Errors {
				fields = append(fields, fe.Field)
			}
			assert.Contains(t, fields, tt.field)
			assert.True(t, IsValidation(err))
		})
	}
}
