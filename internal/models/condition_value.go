package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValueKind is the variant held by a ConditionValue.
type ValueKind int

const (
	ValueUnset ValueKind = iota
	ValueString
	ValueNumber
	ValueSet
)

func (k ValueKind) String() string {
	switch k {
	case ValueString:
		return "string"
	case ValueNumber:
		return "number"
	case ValueSet:
		return "set"
	default:
		return "unset"
	}
}

// ConditionValue is the right-hand side of a condition: a string, a number or a
// string set. The variant is fixed when the rule is saved (see Normalize).
type ConditionValue struct {
	Kind ValueKind
	Str  string
	Num  float64
	Set  []string
}

func StringValue(s string) ConditionValue { return ConditionValue{Kind: ValueString, Str: s} }

func NumberValue(n float64) ConditionValue { return ConditionValue{Kind: ValueNumber, Num: n} }

func SetValue(items ...string) ConditionValue { return ConditionValue{Kind: ValueSet, Set: items} }

// String renders the value the way conditions compare it.
func (v ConditionValue) String() string {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueNumber:
		return FormatNumber(v.Num)
	case ValueSet:
		return strings.Join(v.Set, ",")
	default:
		return ""
	}
}

// Normalize converts the value into the variant the operator expects.
func (v ConditionValue) Normalize(op Operator) (ConditionValue, error) {
	switch op {
	case OpEquals, OpNotEquals:
		switch v.Kind {
		case ValueString, ValueNumber:
			return v, nil
		case ValueSet:
			return v, fmt.Errorf("operator %s does not accept a list value", op)
		}
	case OpGreaterThan, OpLessThan:
		switch v.Kind {
		case ValueNumber:
			return v, nil
		case ValueString:
			n, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
			if err != nil {
				return v, fmt.Errorf("operator %s requires a numeric value, got %q", op, v.Str)
			}
			return NumberValue(n), nil
		case ValueSet:
			return v, fmt.Errorf("operator %s requires a numeric value", op)
		}
	case OpContains:
		switch v.Kind {
		case ValueString:
			return v, nil
		case ValueNumber:
			return StringValue(FormatNumber(v.Num)), nil
		case ValueSet:
			return v, fmt.Errorf("operator %s does not accept a list value", op)
		}
	case OpIn, OpNotIn:
		switch v.Kind {
		case ValueSet:
			return SetValue(cleanSet(v.Set)...), nil
		case ValueString:
			return SetValue(cleanSet(strings.Split(v.Str, ","))...), nil
		case ValueNumber:
			return SetValue(FormatNumber(v.Num)), nil
		}
	default:
		return v, fmt.Errorf("unknown operator %q", op)
	}
	return v, fmt.Errorf("operator %s requires a value", op)
}

func cleanSet(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// FormatNumber prints integral floats without a fractional part.
func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (v ConditionValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueString:
		return json.Marshal(v.Str)
	case ValueNumber:
		return json.Marshal(v.Num)
	case ValueSet:
		if v.Set == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Set)
	default:
		return []byte("null"), nil
	}
}

func (v *ConditionValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = ConditionValue{}
		return nil
	}
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := valueFromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v ConditionValue) MarshalYAML() (interface{}, error) {
	switch v.Kind {
	case ValueString:
		return v.Str, nil
	case ValueNumber:
		return v.Num, nil
	case ValueSet:
		return v.Set, nil
	default:
		return nil, nil
	}
}

func (v *ConditionValue) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!null":
			*v = ConditionValue{}
		case "!!int", "!!float":
			n, err := strconv.ParseFloat(node.Value, 64)
			if err != nil {
				return fmt.Errorf("condition value: %w", err)
			}
			*v = NumberValue(n)
		default:
			*v = StringValue(node.Value)
		}
		return nil
	case yaml.SequenceNode:
		items := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("condition value: list items must be scalars (line %d)", item.Line)
			}
			items = append(items, item.Value)
		}
		*v = SetValue(items...)
		return nil
	default:
		return fmt.Errorf("condition value: unsupported yaml node at line %d", node.Line)
	}
}

func valueFromInterface(raw interface{}) (ConditionValue, error) {
	switch val := raw.(type) {
	case nil:
		return ConditionValue{}, nil
	case string:
		return StringValue(val), nil
	case bool:
		return StringValue(strconv.FormatBool(val)), nil
	case json.Number:
		n, err := val.Float64()
		if err != nil {
			return ConditionValue{}, fmt.Errorf("condition value: %w", err)
		}
		return NumberValue(n), nil
	case float64:
		return NumberValue(val), nil
	case int:
		return NumberValue(float64(val)), nil
	case []interface{}:
		items := make([]string, 0, len(val))
		for _, item := range val {
			switch it := item.(type) {
			case string:
				items = append(items, it)
			case json.Number:
				items = append(items, it.String())
			case float64:
				items = append(items, FormatNumber(it))
			case bool:
				items = append(items, strconv.FormatBool(it))
			default:
				return ConditionValue{}, fmt.Errorf("condition value: list items must be scalars, got %T", item)
			}
		}
		return SetValue(items...), nil
	case []string:
		return SetValue(val...), nil
	default:
		return ConditionValue{}, fmt.Errorf("condition value: unsupported type %T", raw)
	}
}
