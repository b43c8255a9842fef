// Package team imports and exports portable team documents: a validated
// bundle of agents, links, and workspace files that can be applied to a live
// instance or stored as a blueprint.
package team

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Version is the only team document version this build understands.
const Version = "1"

//go:embed schema.json
var schemaJSON []byte

// Document is a portable team definition, format version "1".
type Document struct {
	Version      string         `json:"version"`
	Name         string         `json:"name,omitempty"`
	Description  string         `json:"description,omitempty"`
	Agents       []Agent        `json:"agents"`
	Links        []Link         `json:"links,omitempty"`
	Defaults     map[string]any `json:"defaults,omitempty"`
	AgentToAgent []string       `json:"agent_to_agent,omitempty"`
}

// Agent is one agent definition inside a team document.
type Agent struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	IsDefault bool              `json:"is_default,omitempty"`
	Workspace string            `json:"workspace,omitempty"`
	Config    map[string]any    `json:"config,omitempty"`
	Meta      *Meta             `json:"meta,omitempty"`
	Files     map[string]string `json:"files,omitempty"`
}

// Meta carries the UI enrichment a document may ship with an agent.
type Meta struct {
	Role  string   `json:"role,omitempty"`
	Tags  []string `json:"tags,omitempty"`
	Notes string   `json:"notes,omitempty"`
}

// Link is one declared relationship between two document agents.
type Link struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Violation is one field-level validation failure.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError carries every violation found in a document, so a caller
// can fix them all in one pass instead of replaying one error at a time.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "invalid team document"
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Path + ": " + v.Message
	}
	return "invalid team document: " + strings.Join(parts, "; ")
}

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("team: unmarshal schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("team.schema.json", doc); err != nil {
		panic(fmt.Sprintf("team: add schema resource: %v", err))
	}
	schema, err := c.Compile("team.schema.json")
	if err != nil {
		panic(fmt.Sprintf("team: compile schema: %v", err))
	}
	return schema
}

// Decode parses a team document from JSON or YAML and validates it. A decode
// failure is a plain error; a structurally invalid document surfaces as a
// *ValidationError listing every violated field path.
func Decode(data []byte) (*Document, error) {
	jsonBytes := data
	if !looksLikeJSON(data) {
		var node any
		if err := yaml.Unmarshal(data, &node); err != nil {
			return nil, fmt.Errorf("decode team document: %w", err)
		}
		var err error
		jsonBytes, err = json.Marshal(normalizeYAML(node))
		if err != nil {
			return nil, fmt.Errorf("decode team document: %w", err)
		}
	}

	if err := validateSchema(jsonBytes); err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, fmt.Errorf("decode team document: %w", err)
	}
	if err := doc.validateStructure(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// normalizeYAML rewrites yaml.v3's map[any]any nodes into map[string]any so
// the result can round-trip through encoding/json.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	default:
		return v
	}
}

func validateSchema(jsonBytes []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("decode team document: %w", err)
	}
	err = compiledSchema.Validate(parsed)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return fmt.Errorf("validate team document: %w", err)
	}
	return &ValidationError{Violations: collectViolations(verr)}
}

func collectViolations(verr *jsonschema.ValidationError) []Violation {
	if len(verr.Causes) == 0 {
		return []Violation{{
			Path:    "/" + strings.Join(verr.InstanceLocation, "/"),
			Message: verr.Error(),
		}}
	}
	var out []Violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

// validateStructure enforces the cross-field rules the schema cannot express:
// unique agent ids, exactly one default agent, and link endpoints that
// reference declared agents.
func (d *Document) validateStructure() error {
	var violations []Violation

	ids := make(map[string]bool, len(d.Agents))
	defaults := 0
	for i, a := range d.Agents {
		if ids[a.ID] {
			violations = append(violations, Violation{
				Path:    fmt.Sprintf("/agents/%d/id", i),
				Message: fmt.Sprintf("duplicate agent id %q", a.ID),
			})
		}
		ids[a.ID] = true
		if a.IsDefault {
			defaults++
		}
	}
	switch defaults {
	case 1:
	case 0:
		violations = append(violations, Violation{
			Path:    "/agents",
			Message: "no agent is marked is_default",
		})
	default:
		violations = append(violations, Violation{
			Path:    "/agents",
			Message: fmt.Sprintf("%d agents are marked is_default, want exactly one", defaults),
		})
	}

	for i, l := range d.Links {
		if !ids[l.Source] {
			violations = append(violations, Violation{
				Path:    fmt.Sprintf("/links/%d/source", i),
				Message: fmt.Sprintf("unknown agent id %q", l.Source),
			})
		}
		if !ids[l.Target] {
			violations = append(violations, Violation{
				Path:    fmt.Sprintf("/links/%d/target", i),
				Message: fmt.Sprintf("unknown agent id %q", l.Target),
			})
		}
	}
	for i, id := range d.AgentToAgent {
		if !ids[id] {
			violations = append(violations, Violation{
				Path:    fmt.Sprintf("/agent_to_agent/%d", i),
				Message: fmt.Sprintf("unknown agent id %q", id),
			})
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// DefaultAgent returns the document's default agent. Valid documents always
// have exactly one.
func (d *Document) DefaultAgent() *Agent {
	for i := range d.Agents {
		if d.Agents[i].IsDefault {
			return &d.Agents[i]
		}
	}
	return nil
}

// EncodeJSON serializes the document with two-space indentation.
func (d *Document) EncodeJSON() ([]byte, error) {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode team document: %w", err)
	}
	return append(b, '\n'), nil
}

// EncodeYAML serializes the document as YAML for human editing.
func (d *Document) EncodeYAML() ([]byte, error) {
	// Round-trip through JSON so the yaml encoder honors the json field names.
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode team document: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("encode team document: %w", err)
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encode team document: %w", err)
	}
	return out, nil
}
