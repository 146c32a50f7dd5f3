package workflow

import (
	"io"
	"testing"

	"admitflow/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func cond(field string, op models.Operator, v models.ConditionValue, logic models.Logic) models.Condition {
	return models.Condition{Field: field, Operator: op, Value: v, Logic: logic}
}

func TestEvaluator_EmptyChainIsTrue(t *testing.T) {
	ev := NewEvaluator(quietLogger())
	ok, traces := ev.Evaluate(nil, MustContextTree(nil))
	assert.True(t, ok)
	assert.Empty(t, traces)
}

func TestEvaluator_LeftFold(t *testing.T) {
	tree := MustContextTree(map[string]interface{}{"a": 1, "b": 0, "c": 0})
	ev := NewEvaluator(quietLogger())

	// (a==1 OR b==1) AND c==1 -> false, whereas precedence would give true
	chain := []models.Condition{
		cond("a", models.OpEquals, models.NumberValue(1), ""),
		cond("b", models.OpEquals, models.NumberValue(1), models.LogicOr),
		cond("c", models.OpEquals, models.NumberValue(1), models.LogicAnd),
	}
	ok, traces := ev.Evaluate(chain, tree)
	assert.False(t, ok)
	require.Len(t, traces, 3)
	assert.True(t, traces[0].Result)

	// (b==1 AND c==1) OR a==1 -> true
	chain = []models.Condition{
		cond("b", models.OpEquals, models.NumberValue(1), ""),
		cond("c", models.OpEquals, models.NumberValue(1), models.LogicAnd),
		cond("a", models.OpEquals, models.NumberValue(1), models.LogicOr),
	}
	ok, _ = ev.Evaluate(chain, tree)
	assert.True(t, ok)
}

func TestEvaluator_Operators(t *testing.T) {
	tree := MustContextTree(map[string]interface{}{
		"application": map[string]interface{}{"status": "SUBMITTED", "total_score": 87.5, "tracking_code": "MSC-1402-77"},
		"applicant":   map[string]interface{}{"nationality": "IR", "tags": []interface{}{"olympiad", "excellent"}},
		"documents":   map[string]interface{}{"count": "3"},
	})
	ev := NewEvaluator(quietLogger())

	tests := []struct {
		name string
		c    models.Condition
		want bool
	}{
		{"equals string", cond("application.status", models.OpEquals, models.StringValue("SUBMITTED"), ""), true},
		{"equals numeric string vs number", cond("documents.count", models.OpEquals, models.NumberValue(3), ""), true},
		{"equals number vs numeric string", cond("application.total_score", models.OpEquals, models.StringValue("87.50"), ""), true},
		{"not equals", cond("application.status", models.OpNotEquals, models.StringValue("NEW"), ""), true},
		{"greater than", cond("application.total_score", models.OpGreaterThan, models.NumberValue(80), ""), true},
		{"less than numeric string field", cond("documents.count", models.OpLessThan, models.NumberValue(5), ""), true},
		{"greater than non numeric field", cond("application.status", models.OpGreaterThan, models.NumberValue(1), ""), false},
		{"contains substring", cond("application.tracking_code", models.OpContains, models.StringValue("1402"), ""), true},
		{"contains list member", cond("applicant.tags", models.OpContains, models.StringValue("olympiad"), ""), true},
		{"contains list no partial", cond("applicant.tags", models.OpContains, models.StringValue("olymp"), ""), false},
		{"in", cond("applicant.nationality", models.OpIn, models.SetValue("IR", "AF"), ""), true},
		{"in delimited string", cond("applicant.nationality", models.OpIn, models.StringValue("AF, IR"), ""), true},
		{"not in", cond("applicant.nationality", models.OpNotIn, models.SetValue("IQ"), ""), true},
		{"in with list field", cond("applicant.tags", models.OpIn, models.SetValue("olympiad"), ""), false},
		{"unknown operator", cond("application.status", models.Operator("LIKE"), models.StringValue("S"), ""), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, _ := ev.Evaluate([]models.Condition{tt.c}, tree)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestEvaluator_AbsentField(t *testing.T) {
	tree := MustContextTree(map[string]interface{}{"application": map[string]interface{}{}})
	ev := NewEvaluator(quietLogger())

	want := map[models.Operator]bool{
		models.OpEquals:      false,
		models.OpNotEquals:   true,
		models.OpGreaterThan: false,
		models.OpLessThan:    false,
		models.OpContains:    false,
		models.OpIn:          false,
		models.OpNotIn:       true,
	}
	for op, expected := range want {
		v := models.NumberValue(1)
		if op == models.OpIn || op == models.OpNotIn {
			v = models.SetValue("1")
		}
		ok, traces := ev.Evaluate([]models.Condition{cond("application.missing", op, v, "")}, tree)
		assert.Equal(t, expected, ok, "operator %s", op)
		assert.False(t, traces[0].Present)
	}
}

func TestEvaluator_ErrorIsTracedAsFalse(t *testing.T) {
	tree := MustContextTree(map[string]interface{}{"x": "abc"})
	ok, traces := NewEvaluator(quietLogger()).Evaluate([]models.Condition{
		cond("x", models.OpGreaterThan, models.NumberValue(3), ""),
	}, tree)
	assert.False(t, ok)
	assert.NotEmpty(t, traces[0].Error)
}
