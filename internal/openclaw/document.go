// Package openclaw reads and rewrites openclaw.json, the declarative config
// behind every gateway instance. The document is held as a raw map so that
// rewrites preserve every section the caller does not touch.
package openclaw

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"sort"
)

// MainAgentID is the id of the agent derived from agents.defaults.
const MainAgentID = "main"

// KnownWorkspaceFiles is the fixed set of per-agent workspace files the
// manager caches and syncs.
var KnownWorkspaceFiles = []string{
	"AGENTS.md",
	"BOOTSTRAP.md",
	"HEARTBEAT.md",
	"IDENTITY.md",
	"MEMORY.md",
	"SOUL.md",
	"TOOLS.md",
	"USER.md",
}

// ModelSpec carries the string-or-object ambiguity of a config model value.
// Exactly one of Simple/Structured is set; the zero value means "not declared".
type ModelSpec struct {
	Simple     string
	Structured map[string]any
}

// IsZero reports whether no model was declared.
func (m ModelSpec) IsZero() bool {
	return m.Simple == "" && m.Structured == nil
}

// Display renders the model for storage: simple strings verbatim, structured
// values as stable JSON (sorted keys), undeclared values as the fallback.
func (m ModelSpec) Display(fallback string) string {
	switch {
	case m.Simple != "":
		return m.Simple
	case m.Structured != nil:
		b, err := json.Marshal(m.Structured)
		if err != nil {
			return fallback
		}
		return string(b)
	default:
		return fallback
	}
}

func modelSpecOf(v any) ModelSpec {
	switch t := v.(type) {
	case string:
		return ModelSpec{Simple: t}
	case map[string]any:
		return ModelSpec{Structured: t}
	default:
		return ModelSpec{}
	}
}

// AgentEntry is one agent derived from the config: the main agent from
// agents.defaults plus one entry per agents.list[] item.
type AgentEntry struct {
	ID            string
	Name          string
	Model         ModelSpec
	Workspace     string // explicit workspace name, "" when defaulted
	WorkspacePath string
	SubagentAllow []string
	IsDefault     bool
	Raw           map[string]any
}

// ConfigHash returns the sha256 over the agent's raw config block, serialized
// with sorted keys so the hash is stable across whitespace and key order.
func (a AgentEntry) ConfigHash() string {
	b, err := json.Marshal(a.Raw)
	if err != nil {
		b = []byte("{}")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Document is a parsed openclaw.json held loosely for non-destructive rewrite.
type Document struct {
	raw map[string]any
}

// Parse decodes an openclaw.json body.
func Parse(data []byte) (*Document, error) {
	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse openclaw.json: %w", err)
	}
	return &Document{raw: raw}, nil
}

// New returns an empty document.
func New() *Document {
	return &Document{raw: make(map[string]any)}
}

// Marshal serializes the document with two-space indentation, the format the
// gateway itself writes.
func (d *Document) Marshal() ([]byte, error) {
	b, err := json.MarshalIndent(d.raw, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal openclaw.json: %w", err)
	}
	return append(b, '\n'), nil
}

// Raw exposes the underlying map for read-only inspection in tests.
func (d *Document) Raw() map[string]any { return d.raw }

// GatewayPort returns gateway.port when it is declared as an integral number.
func (d *Document) GatewayPort() (int, bool) {
	v, ok := d.get("gateway", "port")
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || f <= 0 {
		return 0, false
	}
	return int(f), true
}

// TelegramBot returns channels.telegram.botUsername, "" when absent.
func (d *Document) TelegramBot() string {
	v, _ := d.get("channels", "telegram", "botUsername")
	s, _ := v.(string)
	return s
}

// DefaultModel returns the model declared on agents.defaults.
func (d *Document) DefaultModel() ModelSpec {
	v, _ := d.get("agents", "defaults", "model")
	return modelSpecOf(v)
}

// A2AAllow returns tools.agentToAgent.allow as a string slice.
func (d *Document) A2AAllow() []string {
	v, ok := d.get("tools", "agentToAgent", "allow")
	if !ok {
		return nil
	}
	return stringSlice(v)
}

// Roster derives the expected agent list: the main agent from agents.defaults
// (always present, always default), then one entry per agents.list[] item.
// List items without an id are skipped, as is any item reusing an id already
// in the roster (first occurrence wins) — a hand-edited config must degrade,
// never abort a sync halfway. Workspace paths follow the
// {stateDir}/workspaces/{name} convention.
func (d *Document) Roster(stateDir string) []AgentEntry {
	defaults := d.section("agents", "defaults")
	main := AgentEntry{
		ID:            MainAgentID,
		Name:          stringField(defaults, "name", MainAgentID),
		Model:         modelSpecOf(defaults["model"]),
		SubagentAllow: subagentAllow(defaults),
		IsDefault:     true,
		Raw:           defaults,
	}
	main.WorkspacePath = WorkspacePath(stateDir, main.ID, "")
	roster := []AgentEntry{main}
	seen := map[string]bool{MainAgentID: true}

	listVal, _ := d.get("agents", "list")
	list, _ := listVal.([]any)
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := entry["id"].(string)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		workspace, _ := entry["workspace"].(string)
		a := AgentEntry{
			ID:            id,
			Name:          stringField(entry, "name", id),
			Model:         modelSpecOf(entry["model"]),
			Workspace:     workspace,
			SubagentAllow: subagentAllow(entry),
			Raw:           entry,
		}
		a.WorkspacePath = WorkspacePath(stateDir, id, workspace)
		roster = append(roster, a)
	}
	return roster
}

// WorkspacePath resolves an agent's workspace directory: an explicit workspace
// name wins; the main agent defaults to "workspace"; everything else gets
// "workspace-{id}".
func WorkspacePath(stateDir, agentID, explicit string) string {
	name := explicit
	if name == "" {
		if agentID == MainAgentID {
			name = "workspace"
		} else {
			name = "workspace-" + agentID
		}
	}
	return path.Join(stateDir, "workspaces", name)
}

func (d *Document) get(keys ...string) (any, bool) {
	var cur any = d.raw
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// section returns the map at the given path, or an empty map when absent.
func (d *Document) section(keys ...string) map[string]any {
	v, ok := d.get(keys...)
	if !ok {
		return map[string]any{}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return m
}

// ensure walks (creating) nested maps for in-place mutation.
func (d *Document) ensure(keys ...string) map[string]any {
	cur := d.raw
	for _, k := range keys {
		next, ok := cur[k].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[k] = next
		}
		cur = next
	}
	return cur
}

func subagentAllow(block map[string]any) []string {
	sub, ok := block["subagents"].(map[string]any)
	if !ok {
		return nil
	}
	return stringSlice(sub["allowAgents"])
}

func stringField(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SortedCopy returns a lexicographically sorted copy of ids with duplicates removed.
func SortedCopy(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
