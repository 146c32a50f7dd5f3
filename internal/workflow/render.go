package workflow

import (
	"fmt"
	"io"
	"math"
	"regexp"
	"strings"

	"github.com/flosch/pongo2/v4"
)

var reVariable = regexp.MustCompile(`\{\{-?\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\s*(?:\|[^}]*)?-?\}\}`)

// Renderer renders pongo2 templates against a context tree. Every plain variable
// reference ({{ a.b }}) must resolve, otherwise rendering fails.
type Renderer struct {
	loader *pongo2.LocalFilesystemLoader
}

// NewRenderer creates a renderer. templateDir may be empty, in which case named
// templates are unavailable.
func NewRenderer(templateDir string) (*Renderer, error) {
	r := &Renderer{}
	if templateDir == "" {
		return r, nil
	}
	loader, err := pongo2.NewLocalFileSystemLoader(templateDir)
	if err != nil {
		return nil, fmt.Errorf("template dir: %w", err)
	}
	r.loader = loader
	return r, nil
}

// Render renders an inline template.
func (r *Renderer) Render(src string, tree *ContextTree) (string, error) {
	if !strings.Contains(src, "{{") && !strings.Contains(src, "{%") {
		return src, nil
	}
	for _, m := range reVariable.FindAllStringSubmatch(src, -1) {
		if !tree.Has(m[1]) {
			return "", fmt.Errorf("unresolved template variable %q", m[1])
		}
	}
	tpl, err := pongo2.FromString(src)
	if err != nil {
		return "", fmt.Errorf("template: %w", err)
	}
	out, err := tpl.Execute(pongo2.Context(templateData(tree.Map()).(map[string]interface{})))
	if err != nil {
		return "", fmt.Errorf("template: %w", err)
	}
	return out, nil
}

// RenderNamed loads name from the template directory and renders it.
func (r *Renderer) RenderNamed(name string, tree *ContextTree) (string, error) {
	if r == nil || r.loader == nil {
		return "", fmt.Errorf("template %q: no template directory configured", name)
	}
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("template %q: invalid name", name)
	}
	rd, err := r.loader.Get(r.loader.Abs("", name))
	if err != nil {
		return "", fmt.Errorf("template %q: %w", name, err)
	}
	src, err := io.ReadAll(rd)
	if err != nil {
		return "", fmt.Errorf("template %q: %w", name, err)
	}
	return r.Render(string(src), tree)
}

// RenderValue renders every string inside v, descending into maps and lists.
func (r *Renderer) RenderValue(v interface{}, tree *ContextTree) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return r.Render(val, tree)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			rendered, err := r.RenderValue(item, tree)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			rendered, err := r.RenderValue(item, tree)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderList renders each entry and drops the ones that end up empty.
func (r *Renderer) RenderList(items []string, tree *ContextTree) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, err := r.Render(item, tree)
		if err != nil {
			return nil, err
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// templateData turns integral floats into ints so "{{ documents.count }}" prints 3, not 3.000000.
func templateData(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			val[k] = templateData(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = templateData(item)
		}
		return val
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return int64(val)
		}
		return val
	default:
		return v
	}
}
