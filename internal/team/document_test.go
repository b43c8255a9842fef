package team_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/basket/clawherd/internal/team"
)

const validTeamJSON = `{
  "version": "1",
  "name": "support-crew",
  "agents": [
    {"id": "main", "name": "Lead", "is_default": true,
     "config": {"model": "claude-opus-4-1"},
     "files": {"SOUL.md": "be kind"}},
    {"id": "pm", "name": "PM", "meta": {"role": "coordinator", "tags": ["ops"]}}
  ],
  "links": [
    {"source": "main", "target": "pm", "type": "spawn"},
    {"source": "pm", "target": "main", "type": "spawn"}
  ],
  "agent_to_agent": ["main", "pm"]
}`

func TestDecode_JSON(t *testing.T) {
	doc, err := team.Decode([]byte(validTeamJSON))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Version != team.Version || len(doc.Agents) != 2 || len(doc.Links) != 2 {
		t.Fatalf("unexpected document: %+v", doc)
	}
	def := doc.DefaultAgent()
	if def == nil || def.ID != "main" {
		t.Fatalf("unexpected default agent: %+v", def)
	}
	if doc.Agents[1].Meta == nil || doc.Agents[1].Meta.Role != "coordinator" {
		t.Fatalf("meta not decoded: %+v", doc.Agents[1])
	}
}

func TestDecode_YAML(t *testing.T) {
	yamlDoc := `
version: "1"
name: support-crew
agents:
  - id: main
    name: Lead
    is_default: true
    files:
      SOUL.md: be kind
  - id: pm
    name: PM
links:
  - source: main
    target: pm
    type: spawn
`
	doc, err := team.Decode([]byte(yamlDoc))
	if err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if len(doc.Agents) != 2 || !doc.Agents[0].IsDefault {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if doc.Agents[0].Files["SOUL.md"] != "be kind" {
		t.Fatalf("files not decoded: %+v", doc.Agents[0].Files)
	}
}

func TestDecode_MalformedIsPlainError(t *testing.T) {
	_, err := team.Decode([]byte(`{"version": `))
	if err == nil {
		t.Fatalf("expected error")
	}
	var verr *team.ValidationError
	if errors.As(err, &verr) {
		t.Fatalf("decode failure must not be a validation error: %v", err)
	}
}

func TestDecode_SchemaViolationsListPaths(t *testing.T) {
	bad := `{
	  "version": "2",
	  "agents": [
	    {"id": "Bad_ID", "name": "x", "is_default": true},
	    {"id": "ok", "name": ""}
	  ]
	}`
	_, err := team.Decode([]byte(bad))
	var verr *team.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(verr.Violations) < 2 {
		t.Fatalf("every violation must be listed, got %+v", verr.Violations)
	}
	paths := make([]string, 0, len(verr.Violations))
	for _, v := range verr.Violations {
		paths = append(paths, v.Path)
	}
	joined := strings.Join(paths, " ")
	if !strings.Contains(joined, "/version") {
		t.Fatalf("version violation missing a field path: %+v", verr.Violations)
	}
}

func TestDecode_StructuralViolations(t *testing.T) {
	cases := []struct {
		name, doc, wantPath string
	}{
		{
			name: "duplicate ids",
			doc: `{"version": "1", "agents": [
				{"id": "a", "name": "A", "is_default": true},
				{"id": "a", "name": "A2"}]}`,
			wantPath: "/agents/1/id",
		},
		{
			name:     "no default",
			doc:      `{"version": "1", "agents": [{"id": "a", "name": "A"}]}`,
			wantPath: "/agents",
		},
		{
			name: "two defaults",
			doc: `{"version": "1", "agents": [
				{"id": "a", "name": "A", "is_default": true},
				{"id": "b", "name": "B", "is_default": true}]}`,
			wantPath: "/agents",
		},
		{
			name: "unknown link endpoint",
			doc: `{"version": "1",
				"agents": [{"id": "a", "name": "A", "is_default": true}],
				"links": [{"source": "a", "target": "ghost", "type": "spawn"}]}`,
			wantPath: "/links/0/target",
		},
		{
			name: "unknown a2a id",
			doc: `{"version": "1",
				"agents": [{"id": "a", "name": "A", "is_default": true}],
				"agent_to_agent": ["a", "ghost"]}`,
			wantPath: "/agent_to_agent/1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := team.Decode([]byte(tc.doc))
			var verr *team.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			found := false
			for _, v := range verr.Violations {
				if v.Path == tc.wantPath {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected a violation at %s, got %+v", tc.wantPath, verr.Violations)
			}
		})
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	doc, err := team.Decode([]byte(validTeamJSON))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, format := range []team.Format{team.FormatJSON, team.FormatYAML} {
		encoded, err := doc.Encode(format)
		if err != nil {
			t.Fatalf("encode %s: %v", format, err)
		}
		again, err := team.Decode(encoded)
		if err != nil {
			t.Fatalf("re-decode %s: %v", format, err)
		}
		if len(again.Agents) != 2 || again.Agents[0].Files["SOUL.md"] != "be kind" {
			t.Fatalf("%s round trip lost data: %+v", format, again)
		}
	}
}

func TestFormatForPath(t *testing.T) {
	if team.FormatForPath("team.yaml") != team.FormatYAML || team.FormatForPath("team.yml") != team.FormatYAML {
		t.Fatalf("yaml extensions must map to yaml")
	}
	if team.FormatForPath("team.json") != team.FormatJSON || team.FormatForPath("team") != team.FormatJSON {
		t.Fatalf("default format must be json")
	}
}
