package team

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawherd/internal/conn"
	"github.com/basket/clawherd/internal/openclaw"
	"github.com/basket/clawherd/internal/otel"
	"github.com/basket/clawherd/internal/registry"
	"github.com/basket/clawherd/internal/service"
)

// Summary is what an import would (or did) touch.
type Summary struct {
	AgentsToImport    int `json:"agents_to_import"`
	LinksToImport     int `json:"links_to_import"`
	FilesToWrite      int `json:"files_to_write"`
	AgentsToRemove    int `json:"agents_to_remove"`
	CurrentAgentCount int `json:"current_agent_count"`
}

// ImportResult is the outcome of a completed (non-dry-run) import.
type ImportResult struct {
	Summary Summary `json:"summary"`
	// Restart reports the best-effort service restart, "" for blueprints
	// and dry runs.
	Restart string `json:"restart,omitempty"`
}

// Params collects the engine's collaborators.
type Params struct {
	Store   *registry.Store
	Conn    conn.Connection
	Service service.Manager
	Log     *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

// Engine imports and exports team documents.
type Engine struct {
	store   *registry.Store
	conn    conn.Connection
	svc     service.Manager
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
}

func New(p Params) *Engine {
	if p.Log == nil {
		p.Log = slog.Default()
	}
	if p.Tracer == nil {
		p.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Engine{
		store:   p.Store,
		conn:    p.Conn,
		svc:     p.Service,
		log:     p.Log.With("component", "team"),
		tracer:  p.Tracer,
		metrics: p.Metrics,
	}
}

// ImportInstance applies a team document to a live instance. Phase A swaps
// the registry roster in one transaction; Phase B merges the config, writes
// workspace files, and restarts the service best-effort. With dryRun set, it
// computes the summary and touches nothing.
func (e *Engine) ImportInstance(ctx context.Context, inst *registry.Instance, doc *Document, dryRun bool) (*ImportResult, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "team.import",
		otel.AttrSlug.String(inst.Slug),
		otel.AttrTargetKind.String("instance"),
		otel.AttrDryRun.Bool(dryRun))
	defer span.End()
	start := time.Now()

	parent := registry.InstanceParent(inst.ID)
	summary, err := e.summarize(ctx, parent, doc)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return &ImportResult{Summary: *summary}, nil
	}

	// Merge into the live config first, in memory only: the merged roster is
	// what Phase A persists, so a sync right after the import is a no-op.
	merged, err := e.readConfig(ctx, inst.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("import into %s: %w", inst.Slug, err)
	}
	defaultPatch, otherPatches, a2a := e.patches(doc)
	merged.ApplyTeam(defaultPatch, otherPatches, a2a)

	roster := merged.Roster(inst.StateDir)
	// Same fallback chain sync uses: the merged config's defaults model first,
	// the instance row's default second. The rows written here must match what
	// a sync of the merged config would derive.
	fallbackModel := merged.DefaultModel().Display(instanceModel(inst))
	rows, links := e.registryRows(doc, roster, parent, fallbackModel)

	// Phase A: one transaction, no partial roster visible.
	if err := e.store.ReplaceParentTeam(ctx, parent, rows, links); err != nil {
		return nil, fmt.Errorf("import into %s: %w", inst.Slug, err)
	}

	// Phase B: filesystem.
	body, err := merged.Marshal()
	if err != nil {
		return nil, fmt.Errorf("import into %s: %w", inst.Slug, err)
	}
	if err := e.conn.WriteFile(ctx, inst.ConfigPath, string(body), 0o644); err != nil {
		return nil, fmt.Errorf("import into %s: write config: %w", inst.Slug, err)
	}
	if err := e.writeWorkspaces(ctx, doc, roster); err != nil {
		return nil, fmt.Errorf("import into %s: %w", inst.Slug, err)
	}

	outcome, restartErr := e.svc.Restart(ctx, inst.Slug)
	if restartErr != nil {
		// Registry and filesystem are already committed; a failed restart is
		// reported, never rolled back.
		e.log.Warn("restart after import failed", "slug", inst.Slug, "error", restartErr)
	}

	e.appendImportEvent(ctx, inst.Slug, doc, summary)
	if e.metrics != nil {
		e.metrics.ImportDuration.Record(ctx, time.Since(start).Seconds())
	}
	e.log.Info("team imported", "slug", inst.Slug,
		"agents", summary.AgentsToImport, "links", summary.LinksToImport,
		"files", summary.FilesToWrite, "restart", outcome.String())

	return &ImportResult{Summary: *summary, Restart: outcome.String()}, nil
}

// ImportBlueprint applies a team document to a blueprint: registry only, no
// filesystem phase and no restart. Workspace paths become logical
// blueprint:// URIs.
func (e *Engine) ImportBlueprint(ctx context.Context, bp *registry.Blueprint, doc *Document, dryRun bool) (*ImportResult, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "team.import",
		otel.AttrSlug.String(bp.Slug),
		otel.AttrTargetKind.String("blueprint"),
		otel.AttrDryRun.Bool(dryRun))
	defer span.End()
	start := time.Now()

	parent := registry.BlueprintParent(bp.ID)
	summary, err := e.summarize(ctx, parent, doc)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return &ImportResult{Summary: *summary}, nil
	}

	rows := make([]registry.TeamAgentRow, 0, len(doc.Agents))
	ids := make(map[string]bool, len(doc.Agents))
	for _, a := range doc.Agents {
		ids[a.ID] = true
		row := registry.Agent{
			Parent:        parent,
			AgentID:       a.ID,
			Name:          a.Name,
			Model:         docAgentModel(a, ""),
			WorkspacePath: fmt.Sprintf("blueprint://%s/%s", bp.Slug, a.ID),
			IsDefault:     a.IsDefault,
			ConfigHash:    docConfigHash(a),
		}
		applyMeta(&row, a.Meta)
		rows = append(rows, registry.TeamAgentRow{Agent: row, Files: a.Files})
	}
	links := docLinks(doc, ids, "")

	if err := e.store.ReplaceParentTeam(ctx, parent, rows, links); err != nil {
		return nil, fmt.Errorf("import into blueprint %s: %w", bp.Slug, err)
	}

	e.appendImportEvent(ctx, bp.Slug, doc, summary)
	if e.metrics != nil {
		e.metrics.ImportDuration.Record(ctx, time.Since(start).Seconds())
	}
	return &ImportResult{Summary: *summary}, nil
}

// summarize computes the dry-run numbers without mutating anything.
func (e *Engine) summarize(ctx context.Context, parent registry.ParentRef, doc *Document) (*Summary, error) {
	current, err := e.store.ListAgents(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("summarize import: %w", err)
	}
	files := 0
	for _, a := range doc.Agents {
		files += len(a.Files)
	}
	return &Summary{
		AgentsToImport:    len(doc.Agents),
		LinksToImport:     len(doc.Links),
		FilesToWrite:      files,
		AgentsToRemove:    len(current),
		CurrentAgentCount: len(current),
	}, nil
}

func (e *Engine) readConfig(ctx context.Context, path string) (*openclaw.Document, error) {
	raw, err := e.conn.ReadFile(ctx, path)
	if err != nil {
		if errors.Is(err, conn.ErrNotFound) {
			return openclaw.New(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	doc, err := openclaw.Parse([]byte(raw))
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// patches translates the document into config merge patches. The default
// agent's id is normalized to "main": its definition lands in agents.defaults,
// which the sync engine always reads back under that id.
func (e *Engine) patches(doc *Document) (openclaw.AgentPatch, []openclaw.AgentPatch, []string) {
	def := doc.DefaultAgent()
	rename := func(id string) string {
		if def != nil && id == def.ID {
			return openclaw.MainAgentID
		}
		return id
	}

	spawnTargets := make(map[string][]string)
	for _, l := range doc.Links {
		if l.Type != string(registry.LinkSpawn) {
			continue
		}
		src, dst := rename(l.Source), rename(l.Target)
		spawnTargets[src] = append(spawnTargets[src], dst)
	}

	var defaultPatch openclaw.AgentPatch
	var others []openclaw.AgentPatch
	for _, a := range doc.Agents {
		id := rename(a.ID)
		patch := openclaw.AgentPatch{
			ID:           id,
			Name:         a.Name,
			Workspace:    a.Workspace,
			Config:       a.Config,
			SpawnTargets: openclaw.SortedCopy(spawnTargets[id]),
		}
		if a.IsDefault {
			defaultPatch = patch
		} else {
			others = append(others, patch)
		}
	}

	a2a := make([]string, 0, len(doc.AgentToAgent))
	for _, id := range doc.AgentToAgent {
		a2a = append(a2a, rename(id))
	}
	return defaultPatch, others, openclaw.SortedCopy(a2a)
}

// registryRows builds the Phase A rows from the merged roster, so hashes and
// workspace paths match what the next sync will derive, and carries over the
// document's files and meta keyed by the roster's (renamed) ids.
func (e *Engine) registryRows(doc *Document, roster []openclaw.AgentEntry, parent registry.ParentRef, fallbackModel string) ([]registry.TeamAgentRow, []registry.Link) {
	def := doc.DefaultAgent()
	byID := make(map[string]*Agent, len(doc.Agents))
	for i := range doc.Agents {
		id := doc.Agents[i].ID
		if def != nil && id == def.ID {
			id = openclaw.MainAgentID
		}
		byID[id] = &doc.Agents[i]
	}

	now := time.Now().UTC()
	known := make(map[string]bool, len(roster))
	rows := make([]registry.TeamAgentRow, 0, len(roster))
	for _, entry := range roster {
		known[entry.ID] = true
		row := registry.Agent{
			Parent:        parent,
			AgentID:       entry.ID,
			Name:          entry.Name,
			Model:         entry.Model.Display(fallbackModel),
			WorkspacePath: entry.WorkspacePath,
			IsDefault:     entry.IsDefault,
			ConfigHash:    entry.ConfigHash(),
			SyncedAt:      &now,
		}
		var files map[string]string
		if src, ok := byID[entry.ID]; ok {
			applyMeta(&row, src.Meta)
			files = src.Files
		}
		rows = append(rows, registry.TeamAgentRow{Agent: row, Files: files})
	}

	return rows, docLinks(doc, known, defIDOf(def))
}

// docLinks derives the link rows the document declares: its explicit links
// plus the canonical a2a pairs from agent_to_agent. renameDefault, when
// non-empty, maps that id to "main".
func docLinks(doc *Document, known map[string]bool, renameDefault string) []registry.Link {
	rename := func(id string) string {
		if renameDefault != "" && id == renameDefault {
			return openclaw.MainAgentID
		}
		return id
	}

	var links []registry.Link
	a2a := make([]string, 0, len(doc.AgentToAgent))
	for _, id := range doc.AgentToAgent {
		if id = rename(id); known[id] {
			a2a = append(a2a, id)
		}
	}
	a2a = openclaw.SortedCopy(a2a)
	for i := 0; i < len(a2a); i++ {
		for j := i + 1; j < len(a2a); j++ {
			links = append(links, registry.Link{Source: a2a[i], Target: a2a[j], Type: registry.LinkA2A})
		}
	}

	for _, l := range doc.Links {
		src, dst := rename(l.Source), rename(l.Target)
		if !known[src] || !known[dst] || src == dst {
			continue
		}
		if l.Type == string(registry.LinkA2A) {
			if src > dst {
				src, dst = dst, src
			}
			if containsLink(links, src, dst, registry.LinkA2A) {
				continue
			}
			links = append(links, registry.Link{Source: src, Target: dst, Type: registry.LinkA2A})
			continue
		}
		links = append(links, registry.Link{Source: src, Target: dst, Type: registry.LinkSpawn})
	}
	return links
}

func containsLink(links []registry.Link, src, dst string, typ registry.LinkType) bool {
	for _, l := range links {
		if l.Source == src && l.Target == dst && l.Type == typ {
			return true
		}
	}
	return false
}

func defIDOf(def *Agent) string {
	if def == nil {
		return ""
	}
	return def.ID
}

// writeWorkspaces materializes the document's files at the paths the sync
// engine expects.
func (e *Engine) writeWorkspaces(ctx context.Context, doc *Document, roster []openclaw.AgentEntry) error {
	def := doc.DefaultAgent()
	paths := make(map[string]string, len(roster))
	for _, entry := range roster {
		paths[entry.ID] = entry.WorkspacePath
	}
	for _, a := range doc.Agents {
		id := a.ID
		if def != nil && id == def.ID {
			id = openclaw.MainAgentID
		}
		dir, ok := paths[id]
		if !ok || len(a.Files) == 0 {
			continue
		}
		if err := e.conn.MkdirAll(ctx, dir); err != nil {
			return fmt.Errorf("create workspace %s: %w", dir, err)
		}
		for filename, content := range a.Files {
			if err := e.conn.WriteFile(ctx, dir+"/"+filename, content, 0o644); err != nil {
				return fmt.Errorf("write %s/%s: %w", dir, filename, err)
			}
		}
	}
	return nil
}

func (e *Engine) appendImportEvent(ctx context.Context, slug string, doc *Document, summary *Summary) {
	payload, _ := json.Marshal(map[string]any{
		"team":   doc.Name,
		"agents": summary.AgentsToImport,
		"links":  summary.LinksToImport,
	})
	if err := e.store.AppendEvent(ctx, slug, "team_imported",
		fmt.Sprintf("imported team with %d agents", summary.AgentsToImport), string(payload)); err != nil {
		e.log.Warn("append team_imported event", "slug", slug, "error", err)
	}
}

func applyMeta(row *registry.Agent, meta *Meta) {
	if meta == nil {
		return
	}
	if meta.Role != "" {
		role := meta.Role
		row.Role = &role
	}
	if len(meta.Tags) > 0 {
		row.Tags = meta.Tags
	}
	if meta.Notes != "" {
		notes := meta.Notes
		row.Notes = &notes
	}
}

func instanceModel(inst *registry.Instance) string {
	if inst.DefaultModel != nil {
		return *inst.DefaultModel
	}
	return ""
}

// docAgentModel renders the model a document agent declares in its config.
func docAgentModel(a Agent, fallback string) string {
	v, ok := a.Config["model"]
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return fallback
		}
		return string(b)
	default:
		return fallback
	}
}

// docConfigHash hashes a blueprint agent's config block the way sync hashes a
// live agent's raw block.
func docConfigHash(a Agent) string {
	b, err := json.Marshal(a.Config)
	if err != nil {
		b = []byte("{}")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
