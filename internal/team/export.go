package team

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/clawherd/internal/openclaw"
	"github.com/basket/clawherd/internal/registry"
)

// ExportInstance builds a portable team document from a live instance: the
// config supplies each agent's structured fields, the registry supplies
// enrichment, cached files, and links.
func (e *Engine) ExportInstance(ctx context.Context, inst *registry.Instance) (*Document, error) {
	raw, err := e.conn.ReadFile(ctx, inst.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("export %s: read config: %w", inst.Slug, err)
	}
	cfg, err := openclaw.Parse([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", inst.Slug, err)
	}

	parent := registry.InstanceParent(inst.ID)
	doc := &Document{
		Version:      Version,
		Name:         inst.Slug,
		AgentToAgent: openclaw.SortedCopy(cfg.A2AAllow()),
	}

	rows, err := e.store.ListAgents(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", inst.Slug, err)
	}
	byAgentID := make(map[string]*registry.Agent, len(rows))
	for i := range rows {
		byAgentID[rows[i].AgentID] = &rows[i]
	}

	for _, entry := range cfg.Roster(inst.StateDir) {
		agent := Agent{
			ID:        entry.ID,
			Name:      entry.Name,
			IsDefault: entry.IsDefault,
			Workspace: entry.Workspace,
			Config:    entry.ConfigFields(),
		}
		if row, ok := byAgentID[entry.ID]; ok {
			agent.Meta = metaOf(row)
			files, err := e.store.ListAgentFiles(ctx, row.ID)
			if err != nil {
				return nil, fmt.Errorf("export %s: files for %s: %w", inst.Slug, entry.ID, err)
			}
			agent.Files = fileMap(files)
		}
		doc.Agents = append(doc.Agents, agent)
	}

	links, err := e.store.ListLinks(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", inst.Slug, err)
	}
	doc.Links = exportLinks(links, doc.AgentToAgent)
	return doc, nil
}

// ExportBlueprint builds a team document from registry rows alone.
func (e *Engine) ExportBlueprint(ctx context.Context, bp *registry.Blueprint) (*Document, error) {
	parent := registry.BlueprintParent(bp.ID)
	rows, err := e.store.ListAgents(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("export blueprint %s: %w", bp.Slug, err)
	}

	doc := &Document{
		Version:     Version,
		Name:        bp.Name,
		Description: bp.Description,
	}
	for i := range rows {
		row := &rows[i]
		agent := Agent{
			ID:        row.AgentID,
			Name:      row.Name,
			IsDefault: row.IsDefault,
			Meta:      metaOf(row),
		}
		files, err := e.store.ListAgentFiles(ctx, row.ID)
		if err != nil {
			return nil, fmt.Errorf("export blueprint %s: files for %s: %w", bp.Slug, row.AgentID, err)
		}
		agent.Files = fileMap(files)
		doc.Agents = append(doc.Agents, agent)
	}

	links, err := e.store.ListLinks(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("export blueprint %s: %w", bp.Slug, err)
	}
	doc.Links = exportLinks(links, nil)
	return doc, nil
}

// exportLinks keeps the explicit link list free of the a2a pairs already
// implied by agent_to_agent, so a re-import derives the identical set.
func exportLinks(links []registry.Link, a2aAllow []string) []Link {
	implied := make(map[string]bool)
	for i := 0; i < len(a2aAllow); i++ {
		for j := i + 1; j < len(a2aAllow); j++ {
			a, b := a2aAllow[i], a2aAllow[j]
			if a > b {
				a, b = b, a
			}
			implied[a+"\x00"+b] = true
		}
	}
	var out []Link
	for _, l := range links {
		if l.Type == registry.LinkA2A && implied[l.Source+"\x00"+l.Target] {
			continue
		}
		out = append(out, Link{Source: l.Source, Target: l.Target, Type: string(l.Type)})
	}
	return out
}

func metaOf(row *registry.Agent) *Meta {
	meta := &Meta{Tags: row.Tags}
	if row.Role != nil {
		meta.Role = *row.Role
	}
	if row.Notes != nil {
		meta.Notes = *row.Notes
	}
	if meta.Role == "" && meta.Notes == "" && len(meta.Tags) == 0 {
		return nil
	}
	return meta
}

func fileMap(files []registry.AgentFile) map[string]string {
	if len(files) == 0 {
		return nil
	}
	out := make(map[string]string, len(files))
	for _, f := range files {
		out[f.Filename] = f.Content
	}
	return out
}

// Format names the two encodings a team document ships in.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the encoding from a filename extension.
func FormatForPath(path string) Format {
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		return FormatYAML
	}
	return FormatJSON
}

// Encode serializes the document in the requested format.
func (d *Document) Encode(format Format) ([]byte, error) {
	if format == FormatYAML {
		return d.EncodeYAML()
	}
	return d.EncodeJSON()
}
