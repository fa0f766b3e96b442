// Package templates holds the catalog of known credential types and
// validates credential data against it at store time.
package templates

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/371-Minds/credvault/pkg/schema"
)

// DefaultRotationDays applies when neither the caller nor a template
// supplies a rotation interval.
const DefaultRotationDays = 90

// Template describes a known credential type.
type Template struct {
	RequiredFields      []string       `json:"required_fields" yaml:"required_fields"`
	DefaultRotationDays int            `json:"default_rotation_days,omitempty" yaml:"default_rotation_days"`
	DefaultTags         []string       `json:"default_tags,omitempty" yaml:"default_tags"`
	Schema              map[string]any `json:"schema,omitempty" yaml:"schema"`
}

// Registry is an immutable catalog of templates. Safe for concurrent use.
type Registry struct {
	templates map[string]Template
	schemas   map[string]*jsonschema.Schema
}

// NewRegistry builds a registry, compiling any JSON Schemas up front.
func NewRegistry(tpls map[string]Template) (*Registry, error) {
	r := &Registry{
		templates: make(map[string]Template, len(tpls)),
		schemas:   make(map[string]*jsonschema.Schema),
	}
	for name, t := range tpls {
		if name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "template name is required")
		}
		if t.DefaultRotationDays < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"template %q: default_rotation_days must not be negative", name)
		}
		r.templates[name] = cloneTemplate(t)
		if len(t.Schema) == 0 {
			continue
		}
		compiled, err := compileSchema(name, t.Schema)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"template %q: invalid schema", name).WithCause(err)
		}
		r.schemas[name] = compiled
	}
	return r, nil
}

// DefaultRegistry returns a registry over the built-in catalog.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Builtin())
	if err != nil {
		panic(fmt.Sprintf("builtin templates: %v", err))
	}
	return r
}

// Lookup returns the template registered for typ.
func (r *Registry) Lookup(typ string) (Template, bool) {
	t, ok := r.templates[typ]
	if !ok {
		return Template{}, false
	}
	return cloneTemplate(t), true
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns a copy of the catalog.
func (r *Registry) All() map[string]Template {
	out := make(map[string]Template, len(r.templates))
	for name, t := range r.templates {
		out[name] = cloneTemplate(t)
	}
	return out
}

// RotationDays resolves the rotation interval for typ: the explicit value
// when positive, then the template default, then DefaultRotationDays.
func (r *Registry) RotationDays(typ string, explicit int) int {
	if explicit > 0 {
		return explicit
	}
	if t, ok := r.templates[typ]; ok && t.DefaultRotationDays > 0 {
		return t.DefaultRotationDays
	}
	return DefaultRotationDays
}

// Validate checks data against the template for typ. Unknown types are
// accepted as freeform credentials. All missing required fields are
// reported together in Details["missing_fields"].
func (r *Registry) Validate(typ string, data map[string]any) error {
	t, ok := r.templates[typ]
	if !ok {
		return nil
	}

	var missing []string
	for _, field := range t.RequiredFields {
		if _, present := data[field]; !present {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"missing required fields for %s: %s", typ, strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing_fields": missing})
	}

	compiled, ok := r.schemas[typ]
	if !ok {
		return nil
	}
	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize credential data").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toVaultError(typ, err)
	}
	return nil
}

func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	value, err := toJSONValue(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	url := "credvault://templates/" + name + ".json"
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, value); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toVaultError(typ string, err error) *schema.VaultError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	violations := collectViolations(verr)
	return schema.NewErrorf(schema.ErrCodeValidation,
		"credential data does not match %s schema", typ).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects the leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

func cloneTemplate(t Template) Template {
	out := Template{
		RequiredFields:      append([]string(nil), t.RequiredFields...),
		DefaultRotationDays: t.DefaultRotationDays,
		DefaultTags:         append([]string(nil), t.DefaultTags...),
	}
	if t.Schema != nil {
		out.Schema = make(map[string]any, len(t.Schema))
		for k, v := range t.Schema {
			out.Schema[k] = v
		}
	}
	return out
}
