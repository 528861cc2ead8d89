package form

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/BTreeMap/FormPipe/internal/validation"
)

// Severity grades a check issue. Only errors block publication.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one problem found in a form definition.
type Issue struct {
	Severity Severity `json:"severity"`
	Path     string   `json:"path"`
	Message  string   `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// ErrNotPublishable is returned by Publish when Check reports errors.
var ErrNotPublishable = errors.New("form has errors and cannot be published")

// CheckError carries the issues that blocked publication.
type CheckError struct {
	Issues []Issue
}

func (e *CheckError) Error() string {
	lines := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		lines = append(lines, issue.String())
	}
	return fmt.Sprintf("found %d issues:\n- %s", len(e.Issues), strings.Join(lines, "\n- "))
}

func (e *CheckError) Unwrap() error { return ErrNotPublishable }

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Check inspects def for configuration problems a respondent would otherwise hit at runtime.
func Check(def *models.FormDefinition) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, args ...interface{}) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(def.Slug) == "" {
		add(SeverityError, "slug", "slug is required")
	}
	if strings.TrimSpace(def.Title) == "" {
		add(SeverityWarning, "title", "title is empty")
	}

	switch {
	case def.Graph != nil && len(def.Fields) > 0:
		add(SeverityError, "", "form declares both a graph and fields")
	case def.Graph != nil:
		issues = append(issues, checkGraph(def.Graph)...)
	case len(def.Fields) > 0:
		issues = append(issues, checkFields(def.Fields)...)
	default:
		add(SeverityError, "", "form declares neither a graph nor fields")
	}
	return issues
}

func checkFields(fields []models.FieldSchema) []Issue {
	var issues []Issue
	seen := make(map[string]bool)
	required := 0
	for i, f := range fields {
		path := fmt.Sprintf("fields[%d]", i)
		name := strings.TrimSpace(f.Name)
		switch {
		case name == "":
			issues = append(issues, Issue{SeverityError, path, "field name is required"})
		case seen[name]:
			issues = append(issues, Issue{SeverityError, path, fmt.Sprintf("duplicate field name %q", name)})
		}
		seen[name] = true
		if !f.Type.Valid() {
			issues = append(issues, Issue{SeverityError, path, fmt.Sprintf("unknown field type %q", f.Type)})
		}
		if f.Type == models.FieldTypeSelect && len(f.Options) == 0 {
			issues = append(issues, Issue{SeverityWarning, path, "select field has no options"})
		}
		if f.Required {
			required++
		}
	}
	if required == 0 {
		issues = append(issues, Issue{SeverityWarning, "fields", "no required fields; sessions never complete on their own"})
	}
	return issues
}

func checkGraph(g *models.FormGraph) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, args ...interface{}) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	ids := make(map[string]bool)
	for i, n := range g.Nodes {
		path := fmt.Sprintf("graph.nodes[%d]", i)
		if n.ID == "" {
			add(SeverityError, path, "node id is required")
			continue
		}
		if ids[n.ID] {
			add(SeverityError, path, "duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
		if strings.TrimSpace(n.Key) == "" {
			add(SeverityError, path, "node %q has no answer key", n.ID)
		}
		issues = append(issues, checkRule(path+".validation", n.Validation)...)
	}

	if g.Start == "" {
		add(SeverityError, "graph.start", "start node is required")
	} else if !ids[g.Start] {
		add(SeverityError, "graph.start", "start node %q does not exist", g.Start)
	}

	for i, e := range g.Edges {
		path := fmt.Sprintf("graph.edges[%d]", i)
		if !ids[e.From] {
			add(SeverityError, path, "edge source %q does not exist", e.From)
		}
		if e.To != "" && !ids[e.To] {
			add(SeverityError, path, "edge target %q does not exist", e.To)
		}
		if e.Condition != nil && e.Condition.Equals == nil && e.Condition.Contains == nil {
			add(SeverityWarning, path, "condition has no predicate and never matches")
		}
	}

	for _, n := range g.Nodes {
		out := g.Outgoing(n.ID)
		if len(out) == 0 {
			add(SeverityWarning, "graph.nodes."+n.ID, "node has no outgoing edges and ends the session")
			continue
		}
		unconditional := false
		for _, e := range out {
			if e.Condition == nil {
				unconditional = true
				break
			}
		}
		if !unconditional {
			add(SeverityWarning, "graph.nodes."+n.ID, "no fallback edge; answers matching no condition end the session")
		}
	}

	if g.Start != "" && ids[g.Start] {
		reached := reachable(g)
		for _, n := range g.Nodes {
			if n.ID != "" && !reached[n.ID] {
				add(SeverityWarning, "graph.nodes."+n.ID, "node is unreachable from start")
			}
		}
	}
	return issues
}

func checkRule(path string, rule models.ValidationRule) []Issue {
	var issues []Issue
	if !rule.Type.Valid() {
		issues = append(issues, Issue{SeverityError, path, fmt.Sprintf("unknown rule type %q", rule.Type)})
	}
	if rule.Regex != "" {
		if _, err := validation.CompileRule(rule.Regex); err != nil {
			issues = append(issues, Issue{SeverityError, path, err.Error()})
		}
	}
	if rule.Min != nil && rule.Max != nil && *rule.Min > *rule.Max {
		issues = append(issues, Issue{SeverityError, path, "min is greater than max"})
	}
	if (rule.Min != nil || rule.Max != nil) && rule.Type != models.FieldTypeNumber {
		issues = append(issues, Issue{SeverityWarning, path, "bounds are ignored unless type is number"})
	}
	return issues
}

// reachable crawls the graph breadth-first from the start node.
func reachable(g *models.FormGraph) map[string]bool {
	visited := make(map[string]bool)
	queue := []string{g.Start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true
		for _, e := range g.Outgoing(current) {
			if e.To != "" && !visited[e.To] {
				queue = append(queue, e.To)
			}
		}
	}
	return visited
}

// Publish checks def and marks it published. The returned issues include warnings even on success.
func Publish(def *models.FormDefinition, now time.Time) ([]Issue, error) {
	issues := Check(def)
	if HasErrors(issues) {
		return issues, &CheckError{Issues: issues}
	}
	def.Status = models.FormStatusPublished
	def.UpdatedAt = now
	return issues, nil
}
