package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/clawherd/internal/agentsync"
	"github.com/basket/clawherd/internal/audit"
	"github.com/basket/clawherd/internal/registry"
)

func runSyncCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "emit the sync result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s sync <slug> [-json]\n", os.Args[0])
		return 2
	}
	slug := fs.Arg(0)

	inst, err := a.store.GetInstanceBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "No instance %q; run %s scan -adopt first\n", slug, os.Args[0])
			return 1
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	release, err := acquireLock(a.cfg.HomeDir, slug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer release()

	engine := agentsync.New(agentsync.Params{
		Store:   a.store,
		Conn:    a.conn,
		Log:     a.log,
		Tracer:  a.provider.Tracer,
		Metrics: a.metrics(),
	})
	result, err := engine.Sync(ctx, inst)
	if err != nil {
		audit.Record("sync", slug, "failed", err.Error())
		fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
		return 1
	}
	audit.Record("sync", slug, "ok", describeChanges(result.Changes))

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("Synced %s: %d agent(s), %d link(s)\n", slug, len(result.Agents), len(result.Links))
	fmt.Printf("  %s\n", describeChanges(result.Changes))
	for _, agent := range result.Agents {
		def := ""
		if agent.IsDefault {
			def = " (default)"
		}
		fmt.Printf("  %-12s %-20s %s%s\n", agent.AgentID, agent.Name, agent.Model, def)
	}
	return 0
}

func describeChanges(c agentsync.Changes) string {
	if len(c.AgentsAdded) == 0 && len(c.AgentsRemoved) == 0 && len(c.AgentsUpdated) == 0 &&
		c.FilesChanged == 0 && c.LinksChanged == 0 {
		return "no changes"
	}
	parts := []string{}
	if n := len(c.AgentsAdded); n > 0 {
		parts = append(parts, fmt.Sprintf("+%d agent(s)", n))
	}
	if n := len(c.AgentsRemoved); n > 0 {
		parts = append(parts, fmt.Sprintf("-%d agent(s)", n))
	}
	if n := len(c.AgentsUpdated); n > 0 {
		parts = append(parts, fmt.Sprintf("%d updated", n))
	}
	if c.FilesChanged > 0 {
		parts = append(parts, fmt.Sprintf("%d file(s)", c.FilesChanged))
	}
	if c.LinksChanged > 0 {
		parts = append(parts, fmt.Sprintf("%d link(s)", c.LinksChanged))
	}
	return strings.Join(parts, ", ")
}
