package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type absentValue struct{}

func (absentValue) String() string { return "<absent>" }

// Absent is returned for paths that do not exist. It is distinct from nil, which
// is a present JSON null.
var Absent interface{} = absentValue{}

// ContextTree is the read-only, dot-addressable data a rule is evaluated against.
// Values are normalized to JSON shapes: map[string]interface{}, []interface{},
// string, float64, bool and nil.
type ContextTree struct {
	root map[string]interface{}
}

// NewContextTree deep-copies data into a tree.
func NewContextTree(data map[string]interface{}) (*ContextTree, error) {
	if data == nil {
		return &ContextTree{root: map[string]interface{}{}}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	root := map[string]interface{}{}
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	return &ContextTree{root: root}, nil
}

// MustContextTree is NewContextTree for literals known to be JSON-safe.
func MustContextTree(data map[string]interface{}) *ContextTree {
	t, err := NewContextTree(data)
	if err != nil {
		panic(err)
	}
	return t
}

// Get resolves a dot path such as "applicant.nationality" or "documents.items.0.type".
func (t *ContextTree) Get(path string) interface{} {
	if t == nil || path == "" {
		return Absent
	}
	var cur interface{} = t.root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return Absent
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return Absent
			}
			cur = node[idx]
		default:
			return Absent
		}
	}
	return cur
}

// Has reports whether path resolves to a value (null included).
func (t *ContextTree) Has(path string) bool {
	return t.Get(path) != Absent
}

// With returns a copy of the tree with path set to value. Missing or non-object
// intermediate nodes are replaced by objects.
func (t *ContextTree) With(path string, value interface{}) *ContextTree {
	root := map[string]interface{}{}
	if t != nil {
		root = deepCopy(t.root).(map[string]interface{})
	}
	segs := strings.Split(path, ".")
	node := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := node[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			node[seg] = next
		}
		node = next
	}
	node[segs[len(segs)-1]] = normalizeValue(value)
	return &ContextTree{root: root}
}

// Map returns a deep copy of the tree contents.
func (t *ContextTree) Map() map[string]interface{} {
	if t == nil {
		return map[string]interface{}{}
	}
	return deepCopy(t.root).(map[string]interface{})
}

func deepCopy(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return val
	}
}

func normalizeValue(v interface{}) interface{} {
	switch v.(type) {
	case nil, string, bool, float64:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}
