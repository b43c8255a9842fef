package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/clawherd/internal/registry"
)

func runStatusCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "emit status as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s status [slug] [-json]\n", os.Args[0])
		return 2
	}
	if fs.NArg() == 1 {
		return instanceStatus(ctx, a, fs.Arg(0), *jsonOutput)
	}
	return fleetStatus(ctx, a, *jsonOutput)
}

func fleetStatus(ctx context.Context, a *app, jsonOutput bool) int {
	instances, err := a.store.ListInstances(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if jsonOutput {
		return emitJSON(instances)
	}
	if len(instances) == 0 {
		fmt.Printf("No instances registered; run %s scan -adopt\n", os.Args[0])
		return 0
	}
	fmt.Printf("%-15s %-8s %-6s %s\n", "SLUG", "STATE", "PORT", "STATE DIR")
	for _, inst := range instances {
		fmt.Printf("%-15s %-8s %-6d %s\n", inst.Slug, inst.State, inst.Port, inst.StateDir)
	}
	return 0
}

func instanceStatus(ctx context.Context, a *app, slug string, jsonOutput bool) int {
	inst, err := a.store.GetInstanceBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "No instance %q\n", slug)
			return 1
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	agents, err := a.store.ListAgents(ctx, registry.InstanceParent(inst.ID))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	events, err := a.store.ListEvents(ctx, slug, 5)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if jsonOutput {
		return emitJSON(struct {
			Instance *registry.Instance `json:"instance"`
			Agents   []registry.Agent   `json:"agents"`
			Events   []registry.Event   `json:"events"`
		}{inst, agents, events})
	}

	fmt.Printf("Instance %s\n", inst.Slug)
	fmt.Printf("  State:   %s\n", inst.State)
	fmt.Printf("  Port:    %d\n", inst.Port)
	fmt.Printf("  Unit:    %s\n", inst.ServiceUnit)
	fmt.Printf("  Config:  %s\n", inst.ConfigPath)
	if inst.DefaultModel != nil {
		fmt.Printf("  Model:   %s\n", *inst.DefaultModel)
	}
	if inst.TelegramBot != nil {
		fmt.Printf("  Bot:     %s\n", *inst.TelegramBot)
	}

	fmt.Printf("\nAgents (%d):\n", len(agents))
	for _, agent := range agents {
		def := ""
		if agent.IsDefault {
			def = " (default)"
		}
		synced := "never"
		if agent.SyncedAt != nil {
			synced = agent.SyncedAt.Format(time.RFC3339)
		}
		fmt.Printf("  %-12s %-20s %-24s synced %s%s\n", agent.AgentID, agent.Name, agent.Model, synced, def)
	}

	if len(events) > 0 {
		fmt.Println("\nRecent events:")
		for _, ev := range events {
			fmt.Printf("  %s  %-14s %s\n", ev.CreatedAt.Format("2006-01-02 15:04"), ev.Type, ev.Message)
		}
	}
	return 0
}

func emitJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
		return 1
	}
	return 0
}
