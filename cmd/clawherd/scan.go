package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/basket/clawherd/internal/audit"
	"github.com/basket/clawherd/internal/discovery"
)

func runScanCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	adopt := fs.Bool("adopt", false, "register every newly discovered instance")
	jsonOutput := fs.Bool("json", false, "emit the scan result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	engine := discovery.New(discovery.Params{
		Store:     a.store,
		Conn:      a.conn,
		Service:   a.svc,
		Probe:     a.probe,
		Log:       a.log,
		ClawHome:  a.cfg.ClawHome,
		PortStart: a.cfg.Ports.Start,
		PortEnd:   a.cfg.Ports.End,
		Tracer:    a.provider.Tracer,
		Metrics:   a.metrics(),
	})

	result, err := engine.Scan(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
		return 1
	}

	var adopted []string
	if *adopt {
		for i := range result.NewInstances {
			d := &result.NewInstances[i]
			release, lockErr := acquireLock(a.cfg.HomeDir, d.Slug)
			if lockErr != nil {
				fmt.Fprintf(os.Stderr, "Skipping %s: %v\n", d.Slug, lockErr)
				continue
			}
			inst, adoptErr := engine.Adopt(ctx, d, a.server.ID)
			release()
			if adoptErr != nil {
				audit.Record("adopt", d.Slug, "failed", adoptErr.Error())
				fmt.Fprintf(os.Stderr, "Adopt %s failed: %v\n", d.Slug, adoptErr)
				continue
			}
			audit.Record("adopt", d.Slug, "ok", fmt.Sprintf("port=%d source=%s", inst.Port, d.Source))
			adopted = append(adopted, d.Slug)
		}
	}

	if *jsonOutput {
		out := struct {
			*discovery.ScanResult
			Adopted []string `json:"adopted,omitempty"`
		}{result, adopted}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("Found %d instance(s): %d new, %d known, %d gone\n",
		len(result.Instances), len(result.NewInstances), len(result.UnchangedSlugs), len(result.RemovedSlugs))
	for _, d := range result.Instances {
		marker := " "
		if isNew(result, d.Slug) {
			marker = "+"
		}
		health := "down"
		if d.Healthy {
			health = "up"
		}
		fmt.Printf("%s %-15s port %-6d %-12s %-8s agents=%d\n",
			marker, d.Slug, d.Port, d.Source, health, len(d.Agents))
	}
	for _, slug := range result.RemovedSlugs {
		fmt.Printf("- %-15s registered but no longer present on host\n", slug)
	}
	for _, slug := range adopted {
		fmt.Printf("Adopted %s\n", slug)
	}
	if len(result.NewInstances) > 0 && !*adopt {
		fmt.Printf("\nRun %s scan -adopt to register the new instances.\n", os.Args[0])
	}
	return 0
}

func isNew(result *discovery.ScanResult, slug string) bool {
	for _, d := range result.NewInstances {
		if d.Slug == slug {
			return true
		}
	}
	return false
}
