package openclaw

import (
	"encoding/json"
	"testing"
)

const sampleConfig = `{
  "gateway": {"port": 18789, "auth": {"token": "t"}},
  "agents": {
    "defaults": {
      "name": "Claw",
      "model": {"primary": "claude-opus-4-1", "fallbacks": ["claude-sonnet-4-5"]},
      "subagents": {"allowAgents": ["pm"]}
    },
    "list": [
      {"id": "pm", "name": "PM", "model": "claude-sonnet-4-5", "subagents": {"allowAgents": ["main"]}},
      {"id": "scout", "workspace": "field-notes"},
      {"name": "no id, skipped"}
    ]
  },
  "tools": {"agentToAgent": {"allow": ["b", "a", "c"]}},
  "channels": {"telegram": {"botUsername": "claw_bot"}},
  "plugins": {"weather": {"enabled": true}}
}`

func parseSample(t *testing.T) *Document {
	t.Helper()
	doc, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func TestParse_Malformed(t *testing.T) {
	if _, err := Parse([]byte(`{"gateway": `)); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestGatewayPort(t *testing.T) {
	doc := parseSample(t)
	port, ok := doc.GatewayPort()
	if !ok || port != 18789 {
		t.Fatalf("expected port 18789, got %d (%v)", port, ok)
	}

	noPort, err := Parse([]byte(`{"gateway": {"port": "18789"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := noPort.GatewayPort(); ok {
		t.Fatalf("string port must not be recognized")
	}

	fractional, _ := Parse([]byte(`{"gateway": {"port": 18789.5}}`))
	if _, ok := fractional.GatewayPort(); ok {
		t.Fatalf("fractional port must not be recognized")
	}
}

func TestTelegramBot(t *testing.T) {
	doc := parseSample(t)
	if got := doc.TelegramBot(); got != "claw_bot" {
		t.Fatalf("expected claw_bot, got %q", got)
	}
	empty := New()
	if got := empty.TelegramBot(); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestRoster_DerivesMainAndList(t *testing.T) {
	doc := parseSample(t)
	roster := doc.Roster("/home/claw/openclaw-main")

	if len(roster) != 3 {
		t.Fatalf("expected 3 agents (entry without id skipped), got %d", len(roster))
	}

	main := roster[0]
	if main.ID != "main" || !main.IsDefault || main.Name != "Claw" {
		t.Fatalf("unexpected main agent: %+v", main)
	}
	if main.WorkspacePath != "/home/claw/openclaw-main/workspaces/workspace" {
		t.Fatalf("unexpected main workspace: %q", main.WorkspacePath)
	}
	if len(main.SubagentAllow) != 1 || main.SubagentAllow[0] != "pm" {
		t.Fatalf("unexpected main subagents: %+v", main.SubagentAllow)
	}

	pm := roster[1]
	if pm.ID != "pm" || pm.Name != "PM" || pm.IsDefault {
		t.Fatalf("unexpected pm: %+v", pm)
	}
	if pm.WorkspacePath != "/home/claw/openclaw-main/workspaces/workspace-pm" {
		t.Fatalf("unexpected pm workspace: %q", pm.WorkspacePath)
	}

	scout := roster[2]
	if scout.Name != "scout" {
		t.Fatalf("name must fall back to id, got %q", scout.Name)
	}
	if scout.WorkspacePath != "/home/claw/openclaw-main/workspaces/field-notes" {
		t.Fatalf("explicit workspace not honored: %q", scout.WorkspacePath)
	}
}

func TestModelSpec_Normalization(t *testing.T) {
	doc := parseSample(t)
	roster := doc.Roster("/s")

	// Structured model renders as stable JSON.
	display := roster[0].Model.Display("")
	var decoded map[string]any
	if err := json.Unmarshal([]byte(display), &decoded); err != nil {
		t.Fatalf("structured model not JSON: %q (%v)", display, err)
	}
	if decoded["primary"] != "claude-opus-4-1" {
		t.Fatalf("unexpected structured model: %q", display)
	}

	// String model passes through verbatim.
	if got := roster[1].Model.Display(""); got != "claude-sonnet-4-5" {
		t.Fatalf("expected verbatim model, got %q", got)
	}

	// Undeclared model falls back.
	if got := roster[2].Model.Display("fallback-model"); got != "fallback-model" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestModelSpec_StableDisplay(t *testing.T) {
	a := ModelSpec{Structured: map[string]any{"primary": "x", "fallbacks": []any{"y"}}}
	b := ModelSpec{Structured: map[string]any{"fallbacks": []any{"y"}, "primary": "x"}}
	if a.Display("") != b.Display("") {
		t.Fatalf("structured display must not depend on key order: %q vs %q", a.Display(""), b.Display(""))
	}
}

func TestConfigHash_SensitiveToAnyField(t *testing.T) {
	doc := parseSample(t)
	base := doc.Roster("/s")[1].ConfigHash()

	changed, _ := Parse([]byte(sampleConfig))
	changed.Roster("/s") // roster derivation must not mutate the doc
	list := changed.raw["agents"].(map[string]any)["list"].([]any)
	list[0].(map[string]any)["name"] = "PM renamed"
	if got := changed.Roster("/s")[1].ConfigHash(); got == base {
		t.Fatalf("hash must change when a config field changes")
	}

	same, _ := Parse([]byte(sampleConfig))
	if got := same.Roster("/s")[1].ConfigHash(); got != base {
		t.Fatalf("hash must be stable across re-parses: %q vs %q", got, base)
	}
}

func TestA2AAllow(t *testing.T) {
	doc := parseSample(t)
	allow := doc.A2AAllow()
	if len(allow) != 3 || allow[0] != "b" {
		t.Fatalf("unexpected allow list: %+v", allow)
	}
}

func TestWorkspacePath(t *testing.T) {
	cases := []struct {
		agentID, explicit, want string
	}{
		{"main", "", "/sd/workspaces/workspace"},
		{"pm", "", "/sd/workspaces/workspace-pm"},
		{"pm", "custom", "/sd/workspaces/custom"},
	}
	for _, tc := range cases {
		if got := WorkspacePath("/sd", tc.agentID, tc.explicit); got != tc.want {
			t.Fatalf("WorkspacePath(%q, %q) = %q, want %q", tc.agentID, tc.explicit, got, tc.want)
		}
	}
}

func TestSortedCopy(t *testing.T) {
	got := SortedCopy([]string{"b", "a", "b", "", "c"})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestRoster_SkipsDuplicateIDs(t *testing.T) {
	doc, err := Parse([]byte(`{
  "agents": {
    "defaults": {"name": "Claw", "model": "claude-opus-4-1"},
    "list": [
      {"id": "pm", "name": "PM"},
      {"id": "pm", "name": "PM Copy"},
      {"id": "main", "name": "Shadow Main"},
      {"id": "scout", "name": "Scout"}
    ]
  }
}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	roster := doc.Roster("/home/claw/openclaw-main")
	if len(roster) != 3 {
		t.Fatalf("expected main, pm, scout, got %d entries", len(roster))
	}
	if roster[0].ID != "main" || roster[0].Name != "Claw" {
		t.Fatalf("main must come from defaults, got %+v", roster[0])
	}
	if roster[1].ID != "pm" || roster[1].Name != "PM" {
		t.Fatalf("first pm occurrence must win, got %+v", roster[1])
	}
	if roster[2].ID != "scout" {
		t.Fatalf("unexpected third entry: %+v", roster[2])
	}
}
