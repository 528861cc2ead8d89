package models

import (
	"strings"
	"time"
)

// FieldType enumerates the kinds of values a form field collects.
type FieldType string

const (
	FieldTypeText    FieldType = "text"
	FieldTypeEmail   FieldType = "email"
	FieldTypeNumber  FieldType = "number"
	FieldTypePhone   FieldType = "phone"
	FieldTypeURL     FieldType = "url"
	FieldTypeDate    FieldType = "date"
	FieldTypeSelect  FieldType = "select"
	FieldTypeBoolean FieldType = "boolean"
)

// Valid reports whether t is one of the known field types. The empty type is treated as text.
func (t FieldType) Valid() bool {
	switch t {
	case "", FieldTypeText, FieldTypeEmail, FieldTypeNumber, FieldTypePhone,
		FieldTypeURL, FieldTypeDate, FieldTypeSelect, FieldTypeBoolean:
		return true
	}
	return false
}

// FieldSchema describes one collectible field of a schema-shaped form.
type FieldSchema struct {
	Name        string    `json:"name" mapstructure:"name"`
	Type        FieldType `json:"type,omitempty" mapstructure:"type"`
	Required    bool      `json:"required" mapstructure:"required"`
	Description string    `json:"description,omitempty" mapstructure:"description"`
	Options     []string  `json:"options,omitempty" mapstructure:"options"`
}

// Label returns the description when set, falling back to the field name.
func (f FieldSchema) Label() string {
	if strings.TrimSpace(f.Description) != "" {
		return f.Description
	}
	return f.Name
}

// ValidationRule is the acceptance rule attached to a graph node.
// Min and Max are pointers so that a zero bound is distinguishable from no bound.
type ValidationRule struct {
	Type  FieldType `json:"type,omitempty" mapstructure:"type"`
	// Regex is anchored at the start of the answer only, so it matches a prefix of it.
	// End the pattern with $ to require the whole answer to match.
	Regex string    `json:"regex,omitempty" mapstructure:"regex"`
	Min   *float64  `json:"min,omitempty" mapstructure:"min"`
	Max   *float64  `json:"max,omitempty" mapstructure:"max"`
	Enum  []string  `json:"enum,omitempty" mapstructure:"enum"`
}

// GraphNode is a single question in a graph-shaped form.
type GraphNode struct {
	ID         string         `json:"id" mapstructure:"id"`
	Key        string         `json:"key" mapstructure:"key"`
	Prompt     string         `json:"prompt" mapstructure:"prompt"`
	Required   bool           `json:"required" mapstructure:"required"`
	Validation ValidationRule `json:"validation,omitempty" mapstructure:"validation"`
}

// EdgeCondition is a predicate over the raw answer just given.
// When both are set, Equals is evaluated and Contains ignored.
type EdgeCondition struct {
	Equals   *string `json:"equals,omitempty" mapstructure:"equals"`
	Contains *string `json:"contains,omitempty" mapstructure:"contains"`
}

// Matches evaluates the condition case-insensitively against the trimmed answer.
// A nil condition always matches; a condition with no predicate never does.
func (c *EdgeCondition) Matches(answer string) bool {
	if c == nil {
		return true
	}
	value := strings.ToLower(strings.TrimSpace(answer))
	switch {
	case c.Equals != nil:
		return value == strings.ToLower(strings.TrimSpace(*c.Equals))
	case c.Contains != nil:
		return strings.Contains(value, strings.ToLower(strings.TrimSpace(*c.Contains)))
	default:
		return false
	}
}

// GraphEdge links two nodes. An empty To marks a terminal edge.
type GraphEdge struct {
	From      string         `json:"from" mapstructure:"from"`
	To        string         `json:"to,omitempty" mapstructure:"to"`
	Condition *EdgeCondition `json:"condition,omitempty" mapstructure:"condition"`
}

// FormGraph is the node/edge description of a deterministic form.
type FormGraph struct {
	Start string      `json:"start" mapstructure:"start"`
	Nodes []GraphNode `json:"nodes" mapstructure:"nodes"`
	Edges []GraphEdge `json:"edges,omitempty" mapstructure:"edges"`
}

// Node looks up a node by id.
func (g *FormGraph) Node(id string) (GraphNode, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return GraphNode{}, false
}

// Outgoing returns the edges leaving id in definition order.
func (g *FormGraph) Outgoing(id string) []GraphEdge {
	var out []GraphEdge
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// FormShape identifies which strategy drives a form.
type FormShape string

const (
	FormShapeGraph  FormShape = "graph"
	FormShapeFields FormShape = "fields"
)

// FormStatus is the publication state of a form.
type FormStatus string

const (
	FormStatusDraft     FormStatus = "draft"
	FormStatusPublished FormStatus = "published"
)

// FormDefinition is an immutable snapshot of a form used to drive a session.
// Exactly one of Graph or Fields is populated.
type FormDefinition struct {
	ID           string        `json:"id" mapstructure:"id"`
	Slug         string        `json:"slug" mapstructure:"slug"`
	Title        string        `json:"title" mapstructure:"title"`
	Description  string        `json:"description,omitempty" mapstructure:"description"`
	Persona      string        `json:"persona,omitempty" mapstructure:"persona"`
	SystemPrompt string        `json:"system_prompt,omitempty" mapstructure:"system_prompt"`
	Status       FormStatus    `json:"status" mapstructure:"status"`
	Graph        *FormGraph    `json:"graph,omitempty" mapstructure:"graph"`
	Fields       []FieldSchema `json:"fields,omitempty" mapstructure:"fields"`
	CreatedAt    time.Time     `json:"created_at" mapstructure:"-"`
	UpdatedAt    time.Time     `json:"updated_at" mapstructure:"-"`
}

// Shape reports the form's declared shape, or "" when it carries neither a graph nor fields.
func (f *FormDefinition) Shape() FormShape {
	switch {
	case f.Graph != nil && len(f.Fields) == 0:
		return FormShapeGraph
	case f.Graph == nil && len(f.Fields) > 0:
		return FormShapeFields
	}
	return ""
}

// Field looks up a schema field by name.
func (f *FormDefinition) Field(name string) (FieldSchema, bool) {
	for _, fs := range f.Fields {
		if fs.Name == name {
			return fs, true
		}
	}
	return FieldSchema{}, false
}

// FieldNames returns schema field names in definition order.
func (f *FormDefinition) FieldNames() []string {
	names := make([]string, 0, len(f.Fields))
	for _, fs := range f.Fields {
		names = append(names, fs.Name)
	}
	return names
}

// MissingRequired returns the required fields that have no non-empty answer, in definition order.
func (f *FormDefinition) MissingRequired(answers map[string]string) []FieldSchema {
	var missing []FieldSchema
	for _, fs := range f.Fields {
		if !fs.Required {
			continue
		}
		if strings.TrimSpace(answers[fs.Name]) == "" {
			missing = append(missing, fs)
		}
	}
	return missing
}
