// Package agentsync reconciles one instance's openclaw.json and workspace
// files into its registry rows. Hashing keeps repeat runs cheap: a second sync
// with no filesystem change reports zero changes.
package agentsync

import (
	"context"
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
)

// Changes is what one sync pass actually did.
type Changes struct {
	AgentsAdded   []string `json:"agents_added"`
	AgentsRemoved []string `json:"agents_removed"`
	AgentsUpdated []string `json:"agents_updated"`
	FilesChanged  int      `json:"files_changed"`
	LinksChanged  int      `json:"links_changed"`
}

// FileSummary describes one workspace file after a sync, changed or not.
type FileSummary struct {
	Filename  string    `json:"filename"`
	Hash      string    `json:"hash"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncedAgent is one agent row plus its workspace file summaries.
type SyncedAgent struct {
	registry.Agent
	Files []FileSummary `json:"files"`
}

// Result is the full outcome of one sync pass.
type Result struct {
	Agents  []SyncedAgent   `json:"agents"`
	Links   []registry.Link `json:"links"`
	Changes Changes         `json:"changes"`
}

// Params collects the engine's collaborators.
type Params struct {
	Store   *registry.Store
	Conn    conn.Connection
	Log     *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

// Engine syncs instances one at a time.
type Engine struct {
	store   *registry.Store
	conn    conn.Connection
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
		log:     p.Log.With("component", "agentsync"),
		tracer:  p.Tracer,
		metrics: p.Metrics,
	}
}

// Sync reconciles the instance's registry rows with its config and workspace
// files. An unreadable or unparsable top-level config is fatal: no partial
// state is written. Individual workspace file failures are absorbed.
func (e *Engine) Sync(ctx context.Context, inst *registry.Instance) (*Result, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "agentsync.sync",
		otel.AttrSlug.String(inst.Slug))
	defer span.End()
	start := time.Now()

	result, err := e.sync(ctx, inst)
	if e.metrics != nil {
		e.metrics.SyncDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			e.metrics.SyncFailures.Add(ctx, 1)
		} else {
			e.metrics.AgentsSynced.Add(ctx, int64(len(result.Agents)))
		}
	}
	return result, err
}

func (e *Engine) sync(ctx context.Context, inst *registry.Instance) (*Result, error) {
	raw, err := e.conn.ReadFile(ctx, inst.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("sync %s: read config: %w", inst.Slug, err)
	}
	doc, err := openclaw.Parse([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", inst.Slug, err)
	}

	fallbackModel := ""
	if inst.DefaultModel != nil {
		fallbackModel = *inst.DefaultModel
	}
	fallbackModel = doc.DefaultModel().Display(fallbackModel)

	parent := registry.InstanceParent(inst.ID)
	existing, err := e.store.ListAgents(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", inst.Slug, err)
	}
	byAgentID := make(map[string]*registry.Agent, len(existing))
	for i := range existing {
		byAgentID[existing[i].AgentID] = &existing[i]
	}

	roster := doc.Roster(inst.StateDir)
	changes := Changes{AgentsAdded: []string{}, AgentsRemoved: []string{}, AgentsUpdated: []string{}}
	seen := make(map[string]bool, len(roster))
	synced := make([]SyncedAgent, 0, len(roster))

	for _, entry := range roster {
		seen[entry.ID] = true
		hash := entry.ConfigHash()
		model := entry.Model.Display(fallbackModel)

		row, ok := byAgentID[entry.ID]
		switch {
		case !ok:
			now := time.Now().UTC()
			row = &registry.Agent{
				Parent:        parent,
				AgentID:       entry.ID,
				Name:          entry.Name,
				Model:         model,
				WorkspacePath: entry.WorkspacePath,
				IsDefault:     entry.IsDefault,
				ConfigHash:    hash,
				SyncedAt:      &now,
			}
			if err := e.store.CreateAgent(ctx, row); err != nil {
				return nil, fmt.Errorf("sync %s: create agent %s: %w", inst.Slug, entry.ID, err)
			}
			changes.AgentsAdded = append(changes.AgentsAdded, entry.ID)
		case row.ConfigHash != hash:
			if err := e.store.UpdateAgentSynced(ctx, row.ID, entry.Name, model, entry.WorkspacePath, entry.IsDefault, hash); err != nil {
				return nil, fmt.Errorf("sync %s: update agent %s: %w", inst.Slug, entry.ID, err)
			}
			row.Name, row.Model, row.WorkspacePath, row.IsDefault = entry.Name, model, entry.WorkspacePath, entry.IsDefault
			changes.AgentsUpdated = append(changes.AgentsUpdated, entry.ID)
		default:
			// Unchanged rows still get a fresh synced_at and hash.
			if err := e.store.TouchAgentSync(ctx, row.ID, hash); err != nil {
				return nil, fmt.Errorf("sync %s: touch agent %s: %w", inst.Slug, entry.ID, err)
			}
		}
		row.ConfigHash = hash

		files, filesChanged, err := e.syncFiles(ctx, row.ID, entry.WorkspacePath)
		if err != nil {
			return nil, fmt.Errorf("sync %s: files for %s: %w", inst.Slug, entry.ID, err)
		}
		changes.FilesChanged += filesChanged
		synced = append(synced, SyncedAgent{Agent: *row, Files: files})
	}

	for _, row := range existing {
		if seen[row.AgentID] {
			continue
		}
		if err := e.store.DeleteAgent(ctx, row.ID); err != nil {
			return nil, fmt.Errorf("sync %s: remove agent %s: %w", inst.Slug, row.AgentID, err)
		}
		changes.AgentsRemoved = append(changes.AgentsRemoved, row.AgentID)
	}

	links, linksChanged, err := e.syncLinks(ctx, parent, doc, roster)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", inst.Slug, err)
	}
	changes.LinksChanged = linksChanged

	e.log.Info("sync complete", "slug", inst.Slug,
		"agents", len(synced),
		"added", len(changes.AgentsAdded),
		"updated", len(changes.AgentsUpdated),
		"removed", len(changes.AgentsRemoved),
		"files_changed", changes.FilesChanged,
		"links_changed", changes.LinksChanged)

	return &Result{Agents: synced, Links: links, Changes: changes}, nil
}

// syncFiles reconciles the known workspace files for one agent. A summary is
// emitted for every readable file whether or not its content moved; cached
// rows whose file disappeared are dropped.
func (e *Engine) syncFiles(ctx context.Context, agentRowID, workspacePath string) ([]FileSummary, int, error) {
	summaries := make([]FileSummary, 0, len(openclaw.KnownWorkspaceFiles))
	changed := 0

	for _, filename := range openclaw.KnownWorkspaceFiles {
		content, readErr := e.conn.ReadFile(ctx, workspacePath+"/"+filename)
		cached, cacheErr := e.store.GetAgentFile(ctx, agentRowID, filename)
		if cacheErr != nil {
			if !errors.Is(cacheErr, registry.ErrNotFound) {
				return nil, 0, cacheErr
			}
			cached = nil
		}

		if readErr != nil {
			// Unreadable counts the same as deleted. Drop the cached row if
			// one exists; an instance file that never existed is a no-op.
			if cached != nil {
				if err := e.store.DeleteAgentFile(ctx, agentRowID, filename); err != nil {
					return nil, 0, err
				}
				changed++
			}
			continue
		}

		hash := registry.HashContent(content)
		if cached == nil || cached.ContentHash != hash {
			updated, err := e.store.UpsertAgentFile(ctx, agentRowID, filename, content)
			if err != nil {
				return nil, 0, err
			}
			cached = updated
			changed++
		}
		summaries = append(summaries, FileSummary{
			Filename:  filename,
			Hash:      cached.ContentHash,
			SizeBytes: cached.SizeBytes,
			UpdatedAt: cached.UpdatedAt,
		})
	}
	return summaries, changed, nil
}

// syncLinks recomputes the full link set from the config and swaps it in
// atomically. The reported count is the exact symmetric difference between
// the old and new sets.
func (e *Engine) syncLinks(ctx context.Context, parent registry.ParentRef, doc *openclaw.Document, roster []openclaw.AgentEntry) ([]registry.Link, int, error) {
	known := make(map[string]bool, len(roster))
	for _, entry := range roster {
		known[entry.ID] = true
	}

	links := DeriveLinks(doc.A2AAllow(), roster, known)

	old, err := e.store.ListLinks(ctx, parent)
	if err != nil {
		return nil, 0, err
	}
	if err := e.store.ReplaceLinks(ctx, parent, links); err != nil {
		return nil, 0, err
	}

	fresh, err := e.store.ListLinks(ctx, parent)
	if err != nil {
		return nil, 0, err
	}
	return fresh, linkSetDiff(old, fresh), nil
}

// DeriveLinks turns the declared allow lists into canonical link rows. a2a
// pairs are undirected and stored once with the lexicographically smaller id
// as source; spawn links are directed, one per subagent grant. Ids not in the
// roster are dropped rather than failing the whole swap.
func DeriveLinks(a2aAllow []string, roster []openclaw.AgentEntry, known map[string]bool) []registry.Link {
	var links []registry.Link

	allow := make([]string, 0, len(a2aAllow))
	for _, id := range openclaw.SortedCopy(a2aAllow) {
		if known[id] {
			allow = append(allow, id)
		}
	}
	for i := 0; i < len(allow); i++ {
		for j := i + 1; j < len(allow); j++ {
			links = append(links, registry.Link{
				Source: allow[i],
				Target: allow[j],
				Type:   registry.LinkA2A,
			})
		}
	}

	for _, entry := range roster {
		for _, target := range openclaw.SortedCopy(entry.SubagentAllow) {
			if !known[target] || target == entry.ID {
				continue
			}
			links = append(links, registry.Link{
				Source: entry.ID,
				Target: target,
				Type:   registry.LinkSpawn,
			})
		}
	}
	return links
}

func linkKey(l registry.Link) string {
	return string(l.Type) + "\x00" + l.Source + "\x00" + l.Target
}

func linkSetDiff(old, fresh []registry.Link) int {
	oldSet := make(map[string]bool, len(old))
	for _, l := range old {
		oldSet[linkKey(l)] = true
	}
	diff := 0
	for _, l := range fresh {
		if oldSet[linkKey(l)] {
			delete(oldSet, linkKey(l))
		} else {
			diff++
		}
	}
	return diff + len(oldSet)
}
