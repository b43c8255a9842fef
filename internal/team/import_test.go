package team_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/basket/clawherd/internal/agentsync"
	"github.com/basket/clawherd/internal/conn"
	"github.com/basket/clawherd/internal/registry"
	"github.com/basket/clawherd/internal/service"
	"github.com/basket/clawherd/internal/team"
)

const stateDir = "/home/claw/openclaw-main"

// fakeService records restarts.
type fakeService struct {
	restarted []string
	outcome   service.RestartOutcome
	err       error
}

func (f *fakeService) UnitName(slug string) string                           { return "openclaw-" + slug + ".service" }
func (f *fakeService) ListUnits(context.Context) ([]service.Unit, error)     { return nil, nil }
func (f *fakeService) ActiveState(context.Context, string) string            { return service.StateUnknown }
func (f *fakeService) StateDir(context.Context, string) (string, error)      { return "", nil }
func (f *fakeService) BinaryName() string                                    { return "systemctl" }
func (f *fakeService) Restart(_ context.Context, slug string) (service.RestartOutcome, error) {
	f.restarted = append(f.restarted, slug)
	return f.outcome, f.err
}

func openTestStore(t *testing.T) *registry.Store {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "clawherd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testInstance(t *testing.T, store *registry.Store) *registry.Instance {
	t.Helper()
	srv, err := store.EnsureLocalServer(context.Background(), "host1", "/home/claw")
	if err != nil {
		t.Fatalf("ensure server: %v", err)
	}
	inst := &registry.Instance{
		ServerID:   srv.ID,
		Slug:       "main",
		Port:       18701,
		ConfigPath: stateDir + "/openclaw.json",
		StateDir:   stateDir,
	}
	if err := store.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}

const liveConfig = `{
  "gateway": {"port": 18701, "auth": {"token": "t"}},
  "agents": {
    "defaults": {"name": "Old Lead"},
    "list": [{"id": "stale", "name": "Stale"}]
  },
  "plugins": {"weather": {"enabled": true, "units": "metric"}},
  "channels": {"telegram": {"botUsername": "claw_bot"}}
}`

func decodeTeam(t *testing.T) *team.Document {
	t.Helper()
	doc, err := team.Decode([]byte(validTeamJSON))
	if err != nil {
		t.Fatalf("decode team: %v", err)
	}
	return doc
}

func newImportEngine(store *registry.Store, mem *conn.Mem, svc *fakeService) *team.Engine {
	return team.New(team.Params{Store: store, Conn: mem, Service: svc})
}

func TestImportInstance_ReplacesRegistryRoster(t *testing.T) {
	store := openTestStore(t)
	inst := testInstance(t, store)
	mem := conn.NewMem()
	mem.Put(inst.ConfigPath, liveConfig)
	svc := &fakeService{outcome: service.Restarted}

	// Seed a pre-existing roster the import must fully replace.
	old := &registry.Agent{Parent: registry.InstanceParent(inst.ID), AgentID: "stale", Name: "Stale", IsDefault: true}
	if err := store.CreateAgent(context.Background(), old); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	result, err := newImportEngine(store, mem, svc).ImportInstance(context.Background(), inst, decodeTeam(t), false)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Summary.AgentsToImport != 2 || result.Summary.AgentsToRemove != 1 {
		t.Fatalf("unexpected summary: %+v", result.Summary)
	}
	if result.Restart != "restarted" {
		t.Fatalf("unexpected restart outcome %q", result.Restart)
	}
	if len(svc.restarted) != 1 || svc.restarted[0] != "main" {
		t.Fatalf("service not restarted: %+v", svc.restarted)
	}

	agents, err := store.ListAgents(context.Background(), registry.InstanceParent(inst.ID))
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 2 || agents[0].AgentID != "main" || !agents[0].IsDefault {
		t.Fatalf("unexpected roster: %+v", agents)
	}
	var pm *registry.Agent
	for i := range agents {
		if agents[i].AgentID == "pm" {
			pm = &agents[i]
		}
	}
	if pm == nil || pm.Role == nil || *pm.Role != "coordinator" {
		t.Fatalf("document meta must land on the row: %+v", pm)
	}

	links, err := store.ListLinks(context.Background(), registry.InstanceParent(inst.ID))
	if err != nil {
		t.Fatalf("list links: %v", err)
	}
	// One canonical a2a pair plus two spawn links.
	if len(links) != 3 {
		t.Fatalf("expected 3 links, got %+v", links)
	}
	if links[0].Type != registry.LinkA2A || links[0].Source != "main" || links[0].Target != "pm" {
		t.Fatalf("a2a pair not canonical: %+v", links[0])
	}
}

func TestImportInstance_NonDestructiveMerge(t *testing.T) {
	store := openTestStore(t)
	inst := testInstance(t, store)
	mem := conn.NewMem()
	mem.Put(inst.ConfigPath, liveConfig)

	_, err := newImportEngine(store, mem, &fakeService{}).ImportInstance(context.Background(), inst, decodeTeam(t), false)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	written, ok := mem.Content(inst.ConfigPath)
	if !ok {
		t.Fatalf("config not written")
	}
	var before, after map[string]any
	if err := json.Unmarshal([]byte(liveConfig), &before); err != nil {
		t.Fatalf("parse before: %v", err)
	}
	if err := json.Unmarshal([]byte(written), &after); err != nil {
		t.Fatalf("parse after: %v", err)
	}
	for _, key := range []string{"plugins", "gateway", "channels"} {
		if !reflect.DeepEqual(before[key], after[key]) {
			t.Fatalf("%s section must survive the import:\nbefore: %+v\nafter:  %+v", key, before[key], after[key])
		}
	}

	agentsSection := after["agents"].(map[string]any)
	defaults := agentsSection["defaults"].(map[string]any)
	if defaults["name"] != "Lead" {
		t.Fatalf("defaults not merged: %+v", defaults)
	}
	list := agentsSection["list"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["id"] != "pm" {
		t.Fatalf("agents.list must be rebuilt from the document: %+v", list)
	}
}

func TestImportInstance_WritesWorkspaceFiles(t *testing.T) {
	store := openTestStore(t)
	inst := testInstance(t, store)
	mem := conn.NewMem()
	mem.Put(inst.ConfigPath, liveConfig)

	_, err := newImportEngine(store, mem, &fakeService{}).ImportInstance(context.Background(), inst, decodeTeam(t), false)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	content, ok := mem.Content(stateDir + "/workspaces/workspace/SOUL.md")
	if !ok || content != "be kind" {
		t.Fatalf("workspace file not written: %q (%v)", content, ok)
	}
}

func TestImportInstance_ThenSyncIsNoOp(t *testing.T) {
	store := openTestStore(t)
	inst := testInstance(t, store)
	mem := conn.NewMem()
	mem.Put(inst.ConfigPath, liveConfig)

	_, err := newImportEngine(store, mem, &fakeService{}).ImportInstance(context.Background(), inst, decodeTeam(t), false)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	sync := agentsync.New(agentsync.Params{Store: store, Conn: mem})
	result, err := sync.Sync(context.Background(), inst)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	c := result.Changes
	if len(c.AgentsAdded) != 0 || len(c.AgentsUpdated) != 0 || len(c.AgentsRemoved) != 0 || c.LinksChanged != 0 {
		t.Fatalf("sync right after import must be a no-op, got %+v", c)
	}
}

func TestImportInstance_DryRunIsPure(t *testing.T) {
	store := openTestStore(t)
	inst := testInstance(t, store)
	mem := conn.NewMem()
	mem.Put(inst.ConfigPath, liveConfig)
	svc := &fakeService{}
	engine := newImportEngine(store, mem, svc)

	first, err := engine.ImportInstance(context.Background(), inst, decodeTeam(t), true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	second, err := engine.ImportInstance(context.Background(), inst, decodeTeam(t), true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if first.Summary != second.Summary {
		t.Fatalf("dry runs must be identical: %+v vs %+v", first.Summary, second.Summary)
	}
	if first.Summary.AgentsToImport != 2 || first.Summary.FilesToWrite != 1 || first.Summary.CurrentAgentCount != 0 {
		t.Fatalf("unexpected summary: %+v", first.Summary)
	}

	agents, err := store.ListAgents(context.Background(), registry.InstanceParent(inst.ID))
	if err != nil || len(agents) != 0 {
		t.Fatalf("dry run must not write agents: %d (%v)", len(agents), err)
	}
	if written, _ := mem.Content(inst.ConfigPath); written != liveConfig {
		t.Fatalf("dry run must not rewrite the config")
	}
	if len(svc.restarted) != 0 {
		t.Fatalf("dry run must not restart anything")
	}
}

func TestImportInstance_RestartFailureDoesNotFail(t *testing.T) {
	store := openTestStore(t)
	inst := testInstance(t, store)
	mem := conn.NewMem()
	mem.Put(inst.ConfigPath, liveConfig)
	svc := &fakeService{outcome: service.FailedNonFatal, err: context.DeadlineExceeded}

	result, err := newImportEngine(store, mem, svc).ImportInstance(context.Background(), inst, decodeTeam(t), false)
	if err != nil {
		t.Fatalf("a failed restart must not fail the import: %v", err)
	}
	if result.Restart != "failed" {
		t.Fatalf("restart failure must still be reported: %q", result.Restart)
	}
	agents, _ := store.ListAgents(context.Background(), registry.InstanceParent(inst.ID))
	if len(agents) != 2 {
		t.Fatalf("registry state must be committed despite restart failure")
	}
}

func TestImportBlueprint_RegistryOnly(t *testing.T) {
	store := openTestStore(t)
	bp := &registry.Blueprint{Slug: "support-crew", Name: "Support Crew"}
	if err := store.CreateBlueprint(context.Background(), bp); err != nil {
		t.Fatalf("create blueprint: %v", err)
	}
	mem := conn.NewMem()
	svc := &fakeService{}

	result, err := newImportEngine(store, mem, svc).ImportBlueprint(context.Background(), bp, decodeTeam(t), false)
	if err != nil {
		t.Fatalf("import blueprint: %v", err)
	}
	if result.Restart != "" {
		t.Fatalf("blueprint import must not restart anything")
	}
	if len(svc.restarted) != 0 {
		t.Fatalf("blueprint import must not touch the service manager")
	}

	agents, err := store.ListAgents(context.Background(), registry.BlueprintParent(bp.ID))
	if err != nil || len(agents) != 2 {
		t.Fatalf("unexpected blueprint agents: %d (%v)", len(agents), err)
	}
	if agents[0].WorkspacePath != "blueprint://support-crew/main" {
		t.Fatalf("blueprint workspace must be a logical URI, got %q", agents[0].WorkspacePath)
	}
}

func TestExportInstance_RoundTrips(t *testing.T) {
	store := openTestStore(t)
	inst := testInstance(t, store)
	mem := conn.NewMem()
	mem.Put(inst.ConfigPath, liveConfig)
	engine := newImportEngine(store, mem, &fakeService{})

	if _, err := engine.ImportInstance(context.Background(), inst, decodeTeam(t), false); err != nil {
		t.Fatalf("import: %v", err)
	}

	exported, err := engine.ExportInstance(context.Background(), inst)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exported.Version != team.Version || len(exported.Agents) != 2 {
		t.Fatalf("unexpected export: %+v", exported)
	}
	if exported.DefaultAgent() == nil || exported.DefaultAgent().ID != "main" {
		t.Fatalf("default agent lost on export: %+v", exported.Agents)
	}
	if exported.Agents[0].Files["SOUL.md"] != "be kind" {
		t.Fatalf("cached files must export: %+v", exported.Agents[0].Files)
	}
	if !reflect.DeepEqual(exported.AgentToAgent, []string{"main", "pm"}) {
		t.Fatalf("a2a allow list must export: %+v", exported.AgentToAgent)
	}

	// The exported document is itself valid and importable.
	encoded, err := exported.EncodeJSON()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := team.Decode(encoded); err != nil {
		t.Fatalf("exported document must validate: %v", err)
	}

	spawns := 0
	for _, l := range exported.Links {
		if l.Type == "spawn" {
			spawns++
		}
	}
	if spawns != 2 {
		t.Fatalf("spawn links must export explicitly: %+v", exported.Links)
	}
}

func TestExportBlueprint(t *testing.T) {
	store := openTestStore(t)
	bp := &registry.Blueprint{Slug: "support-crew", Name: "Support Crew", Description: "desc"}
	if err := store.CreateBlueprint(context.Background(), bp); err != nil {
		t.Fatalf("create blueprint: %v", err)
	}
	mem := conn.NewMem()
	engine := newImportEngine(store, mem, &fakeService{})
	if _, err := engine.ImportBlueprint(context.Background(), bp, decodeTeam(t), false); err != nil {
		t.Fatalf("import: %v", err)
	}

	exported, err := engine.ExportBlueprint(context.Background(), bp)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exported.Name != "Support Crew" || exported.Description != "desc" {
		t.Fatalf("blueprint metadata lost: %+v", exported)
	}
	if len(exported.Agents) != 2 || exported.Agents[0].Files["SOUL.md"] != "be kind" {
		t.Fatalf("unexpected export: %+v", exported.Agents)
	}
}

func TestImportInstance_ModelFallbackMatchesSync(t *testing.T) {
	store := openTestStore(t)
	inst := testInstance(t, store)
	legacy := "legacy-model"
	if err := store.UpdateInstanceMeta(context.Background(), inst.ID, nil, &legacy); err != nil {
		t.Fatalf("set instance model: %v", err)
	}
	inst.DefaultModel = &legacy

	mem := conn.NewMem()
	mem.Put(inst.ConfigPath, liveConfig)
	svc := &fakeService{}
	engine := newImportEngine(store, mem, svc)

	if _, err := engine.ImportInstance(context.Background(), inst, decodeTeam(t), false); err != nil {
		t.Fatalf("import: %v", err)
	}

	// pm declares no model; its row must fall back to the merged config's
	// defaults model, not the instance row's stale default.
	pm, err := store.GetAgent(context.Background(), registry.InstanceParent(inst.ID), "pm")
	if err != nil {
		t.Fatalf("get pm: %v", err)
	}
	if pm.Model != "claude-opus-4-1" {
		t.Fatalf("pm model %q, want merged defaults model claude-opus-4-1", pm.Model)
	}

	// A sync of the freshly written config must derive the identical model.
	syncer := agentsync.New(agentsync.Params{Store: store, Conn: mem})
	result, err := syncer.Sync(context.Background(), inst)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	for _, agent := range result.Agents {
		if agent.AgentID == "pm" && agent.Model != "claude-opus-4-1" {
			t.Fatalf("sync derived pm model %q, import wrote claude-opus-4-1", agent.Model)
		}
	}
}
