package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"admitflow/internal/models"

	"github.com/sirupsen/logrus"
)

// ConditionTrace records how one condition of a chain evaluated.
type ConditionTrace struct {
	Index    int             `json:"index"`
	Field    string          `json:"field"`
	Operator models.Operator `json:"operator"`
	Expected string          `json:"expected"`
	Actual   interface{}     `json:"actual,omitempty"`
	Present  bool            `json:"present"`
	Logic    models.Logic    `json:"logic,omitempty"`
	Result   bool            `json:"result"`
	Error    string          `json:"error,omitempty"`
}

// Evaluator folds a condition chain left to right with no precedence.
type Evaluator struct {
	logger *logrus.Logger
}

func NewEvaluator(logger *logrus.Logger) *Evaluator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Evaluator{logger: logger}
}

// Evaluate returns the chain result and a per-condition trace. An empty chain is true.
// Conditions that cannot be evaluated are logged and count as false.
func (e *Evaluator) Evaluate(conds []models.Condition, tree *ContextTree) (bool, []ConditionTrace) {
	traces := make([]ConditionTrace, 0, len(conds))
	result := true
	for i, cond := range conds {
		ok, tr := e.evaluateOne(i, cond, tree)
		traces = append(traces, tr)
		switch {
		case i == 0:
			result = ok
		case cond.Logic == models.LogicOr:
			result = result || ok
		default:
			result = result && ok
		}
	}
	return result, traces
}

func (e *Evaluator) evaluateOne(index int, cond models.Condition, tree *ContextTree) (bool, ConditionTrace) {
	tr := ConditionTrace{
		Index:    index,
		Field:    cond.Field,
		Operator: cond.Operator,
		Expected: cond.Value.String(),
		Logic:    cond.Logic,
	}
	actual := tree.Get(cond.Field)
	if actual != Absent {
		tr.Present = true
		tr.Actual = actual
	}

	ok, err := compare(cond, actual)
	if err != nil {
		cerr := &ConditionError{Index: index, Field: cond.Field, Err: err}
		e.logger.WithFields(logrus.Fields{
			"field":    cond.Field,
			"operator": cond.Operator,
		}).Warnf("workflow: %v", cerr)
		tr.Error = err.Error()
		return false, tr
	}
	tr.Result = ok
	return ok, tr
}

var (
	errNotNumeric  = errors.New("value is not numeric")
	errNotScalar   = errors.New("field value must be a scalar")
	errUnknownOper = errors.New("unknown operator")
)

func compare(cond models.Condition, actual interface{}) (bool, error) {
	if !cond.Operator.Valid() {
		return false, fmt.Errorf("%w %q", errUnknownOper, cond.Operator)
	}
	expected, err := cond.Value.Normalize(cond.Operator)
	if err != nil {
		return false, err
	}

	if actual == Absent {
		return cond.Operator == models.OpNotEquals || cond.Operator == models.OpNotIn, nil
	}

	switch cond.Operator {
	case models.OpEquals:
		return equals(actual, expected), nil
	case models.OpNotEquals:
		return !equals(actual, expected), nil
	case models.OpGreaterThan, models.OpLessThan:
		n, ok := toNumber(actual)
		if !ok {
			return false, fmt.Errorf("%w: %v", errNotNumeric, actual)
		}
		if cond.Operator == models.OpGreaterThan {
			return n > expected.Num, nil
		}
		return n < expected.Num, nil
	case models.OpContains:
		return contains(actual, expected.Str), nil
	case models.OpIn, models.OpNotIn:
		if !isScalar(actual) {
			return false, errNotScalar
		}
		in := inSet(stringForm(actual), expected.Set)
		if cond.Operator == models.OpIn {
			return in, nil
		}
		return !in, nil
	}
	return false, fmt.Errorf("%w %q", errUnknownOper, cond.Operator)
}

func equals(actual interface{}, expected models.ConditionValue) bool {
	if a, ok := toNumber(actual); ok {
		var want float64
		switch expected.Kind {
		case models.ValueNumber:
			want, ok = expected.Num, true
		default:
			want, ok = parseNumber(expected.Str)
		}
		if ok {
			return a == want
		}
	}
	return stringForm(actual) == expected.String()
}

func contains(actual interface{}, needle string) bool {
	switch v := actual.(type) {
	case []interface{}:
		for _, item := range v {
			if stringForm(item) == needle {
				return true
			}
		}
		return false
	case nil:
		return false
	default:
		return strings.Contains(stringForm(v), needle)
	}
}

func inSet(s string, set []string) bool {
	for _, item := range set {
		if item == s {
			return true
		}
	}
	return false
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return false
	}
	return true
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		return parseNumber(n)
	}
	return 0, false
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

// stringForm renders a context value the way conditions and templates see it.
func stringForm(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return models.FormatNumber(val)
	case bool:
		return strconv.FormatBool(val)
	case map[string]interface{}, []interface{}:
		raw, _ := json.Marshal(val)
		return string(raw)
	default:
		return fmt.Sprintf("%v", val)
	}
}
