package openclaw

// agentConfigFields is the set of structured per-agent config fields a team
// document may carry. Only fields present in the patch overwrite the config;
// everything else in agents.defaults stays as it was.
var agentConfigFields = []string{
	"model",
	"identity",
	"subagents",
	"heartbeat",
	"sandbox",
	"tools",
	"params",
	"skills",
	"humanDelay",
	"groupChat",
}

// ConfigFields returns the structured config fields of the agent's raw block,
// the same set a team merge would overwrite.
func (a AgentEntry) ConfigFields() map[string]any {
	out := make(map[string]any)
	for _, field := range agentConfigFields {
		if v, ok := a.Raw[field]; ok {
			out[field] = v
		}
	}
	return out
}

// AgentPatch is one agent's contribution to a config merge.
type AgentPatch struct {
	ID        string
	Name      string
	Workspace string
	// Config holds the structured fields from the team document.
	Config map[string]any
	// SpawnTargets is re-expressed as subagents.allowAgents so a later sync
	// reconstructs the same spawn link set. An empty slice clears the list.
	SpawnTargets []string
}

// ApplyTeam merges a team into the document, replacing only agents.defaults
// (field-by-field), agents.list (wholesale), and tools.agentToAgent. Every
// other top-level section is left untouched.
func (d *Document) ApplyTeam(defaultAgent AgentPatch, others []AgentPatch, a2aAllow []string) {
	defaults := d.ensure("agents", "defaults")
	if defaultAgent.Name != "" {
		defaults["name"] = defaultAgent.Name
	}
	for _, field := range agentConfigFields {
		if v, ok := defaultAgent.Config[field]; ok {
			defaults[field] = v
		}
	}
	applySpawnTargets(defaults, defaultAgent.SpawnTargets)

	list := make([]any, 0, len(others))
	for _, p := range others {
		entry := map[string]any{"id": p.ID}
		if p.Name != "" {
			entry["name"] = p.Name
		}
		if p.Workspace != "" {
			entry["workspace"] = p.Workspace
		}
		for _, field := range agentConfigFields {
			if v, ok := p.Config[field]; ok {
				entry[field] = v
			}
		}
		applySpawnTargets(entry, p.SpawnTargets)
		list = append(list, entry)
	}
	agents := d.ensure("agents")
	agents["list"] = list

	tools := d.ensure("tools")
	if len(a2aAllow) > 0 {
		tools["agentToAgent"] = map[string]any{"allow": toAnySlice(a2aAllow)}
	} else {
		delete(tools, "agentToAgent")
	}
}

// applySpawnTargets overrides subagents.allowAgents with the team's spawn
// links. Leaving a stale allowAgents behind would make the next sync derive
// spawn links the document never declared.
func applySpawnTargets(block map[string]any, targets []string) {
	sub, ok := block["subagents"].(map[string]any)
	if len(targets) == 0 {
		if ok {
			delete(sub, "allowAgents")
			if len(sub) == 0 {
				delete(block, "subagents")
			}
		}
		return
	}
	if !ok {
		sub = make(map[string]any)
		block["subagents"] = sub
	}
	sub["allowAgents"] = toAnySlice(targets)
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
