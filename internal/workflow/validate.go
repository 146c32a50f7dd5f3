package workflow

import (
	"fmt"
	"strings"

	"admitflow/internal/models"
)

const (
	DefaultPriority = 50
	MinPriority     = 1
	MaxPriority     = 100
	maxNameLength   = 200
)

// NormalizeRule validates r and rewrites it into its canonical stored form:
// trimmed name, default priority, typed condition values, normalized logic and
// contiguous 1-based action order. Nothing is changed when an error is returned.
func NormalizeRule(r *models.Rule) error {
	verr := &ValidationError{}

	name := strings.TrimSpace(r.Name)
	switch {
	case name == "":
		verr.add("name", "is required")
	case len(name) > maxNameLength:
		verr.add("name", "must be at most %d characters", maxNameLength)
	}

	if !r.TriggerType.Valid() {
		verr.add("trigger_type", "unknown trigger type %q", r.TriggerType)
	}

	priority := r.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < MinPriority || priority > MaxPriority {
		verr.add("priority", "must be between %d and %d", MinPriority, MaxPriority)
	}

	conds, err := NormalizeConditions(r.Conditions)
	if v, ok := err.(*ValidationError); ok {
		verr.Errors = append(verr.Errors, v.Errors...)
	}
	actions, err := NormalizeActions(r.Actions)
	if v, ok := err.(*ValidationError); ok {
		verr.Errors = append(verr.Errors, v.Errors...)
	}

	if err := verr.orNil(); err != nil {
		return err
	}
	r.Name = name
	r.Priority = priority
	r.Conditions = conds
	r.Actions = actions
	return nil
}

// NormalizeConditions checks each condition and fixes its value variant and logic.
func NormalizeConditions(conds []models.Condition) ([]models.Condition, error) {
	verr := &ValidationError{}
	out := make([]models.Condition, 0, len(conds))
	for i, c := range conds {
		prefix := fmt.Sprintf("conditions[%d]", i)
		c.Field = strings.TrimSpace(c.Field)
		if c.Field == "" {
			verr.add(prefix+".field", "is required")
		}
		if !c.Operator.Valid() {
			verr.add(prefix+".operator", "unknown operator %q", c.Operator)
		} else {
			v, err := c.Value.Normalize(c.Operator)
			if err != nil {
				verr.add(prefix+".value", "%v", err)
			}
			c.Value = v
		}

		switch {
		case i == 0:
			c.Logic = models.LogicNone
		case c.Logic == models.LogicNone:
			c.Logic = models.LogicAnd
		case c.Logic != models.LogicAnd && c.Logic != models.LogicOr:
			verr.add(prefix+".logic", "must be AND or OR")
		}
		out = append(out, c)
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeActions checks the action list and renumbers it 1..n.
func NormalizeActions(actions []models.Action) ([]models.Action, error) {
	verr := &ValidationError{}
	if len(actions) == 0 {
		verr.add("actions", "at least one action is required")
		return nil, verr
	}
	for i, a := range actions {
		prefix := fmt.Sprintf("actions[%d]", i)
		if a.Config == nil {
			verr.add(prefix+".config", "is required")
			continue
		}
		if a.Config.Type() != a.ActionType {
			verr.add(prefix+".action_type", "config is for %s, not %s", a.Config.Type(), a.ActionType)
			continue
		}
		if err := a.Config.Validate(); err != nil {
			verr.add(prefix+".config", "%v", err)
		}
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return models.RenumberActions(actions), nil
}
