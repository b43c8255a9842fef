package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/clawherd/internal/audit"
	"github.com/basket/clawherd/internal/registry"
	"github.com/basket/clawherd/internal/team"
)

func printTeamUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s team <action>

ACTIONS:
  import <file> -instance <slug>|-blueprint <slug> [-dry-run]
      Apply a team document to a live instance or a blueprint.
  plan <file> -instance <slug>|-blueprint <slug>
      Show what import would change without touching anything.
  export -instance <slug>|-blueprint <slug> [-o <file>]
      Write the current team as a portable document. The output
      format follows the file extension (.yaml/.yml for YAML,
      JSON otherwise); stdout defaults to JSON.
`, os.Args[0])
}

func runTeamCommand(ctx context.Context, a *app, args []string) int {
	if len(args) == 0 {
		printTeamUsage()
		return 2
	}
	switch strings.ToLower(args[0]) {
	case "import":
		return runTeamImport(ctx, a, args[1:], false)
	case "plan":
		return runTeamImport(ctx, a, args[1:], true)
	case "export":
		return runTeamExport(ctx, a, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown team action %q\n\n", args[0])
		printTeamUsage()
		return 2
	}
}

func newTeamEngine(a *app) *team.Engine {
	return team.New(team.Params{
		Store:   a.store,
		Conn:    a.conn,
		Service: a.svc,
		Log:     a.log,
		Tracer:  a.provider.Tracer,
		Metrics: a.metrics(),
	})
}

func runTeamImport(ctx context.Context, a *app, args []string, planOnly bool) int {
	name := "import"
	if planOnly {
		name = "plan"
	}
	fs := flag.NewFlagSet("team "+name, flag.ContinueOnError)
	instanceSlug := fs.String("instance", "", "target instance slug")
	blueprintSlug := fs.String("blueprint", "", "target blueprint slug")
	dryRun := fs.Bool("dry-run", false, "compute the summary without applying")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 || (*instanceSlug == "") == (*blueprintSlug == "") {
		printTeamUsage()
		return 2
	}
	dry := *dryRun || planOnly

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", fs.Arg(0), err)
		return 1
	}
	doc, err := team.Decode(data)
	if err != nil {
		var verr *team.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stderr, "Invalid team document (%d problem(s)):\n", len(verr.Violations))
			for _, v := range verr.Violations {
				fmt.Fprintf(os.Stderr, "  %-30s %s\n", v.Path, v.Message)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Cannot parse %s: %v\n", fs.Arg(0), err)
		}
		return 1
	}

	engine := newTeamEngine(a)
	var result *team.ImportResult
	if *instanceSlug != "" {
		inst, getErr := a.store.GetInstanceBySlug(ctx, *instanceSlug)
		if getErr != nil {
			fmt.Fprintf(os.Stderr, "Instance %q: %v\n", *instanceSlug, getErr)
			return 1
		}
		if !dry {
			release, lockErr := acquireLock(a.cfg.HomeDir, inst.Slug)
			if lockErr != nil {
				fmt.Fprintln(os.Stderr, lockErr)
				return 1
			}
			defer release()
		}
		result, err = engine.ImportInstance(ctx, inst, doc, dry)
	} else {
		bp, getErr := ensureBlueprint(ctx, a, *blueprintSlug, doc)
		if getErr != nil {
			fmt.Fprintf(os.Stderr, "Blueprint %q: %v\n", *blueprintSlug, getErr)
			return 1
		}
		result, err = engine.ImportBlueprint(ctx, bp, doc, dry)
	}
	if err != nil {
		if !dry {
			audit.Record("team_import", *instanceSlug+*blueprintSlug, "failed", err.Error())
		}
		fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
		return 1
	}
	if !dry {
		audit.Record("team_import", *instanceSlug+*blueprintSlug, "ok",
			fmt.Sprintf("agents=%d links=%d files=%d", result.Summary.AgentsToImport,
				result.Summary.LinksToImport, result.Summary.FilesToWrite))
	}

	s := result.Summary
	verb := "Imported"
	if dry {
		verb = "Would import"
	}
	fmt.Printf("%s %d agent(s), %d link(s), %d workspace file(s)\n", verb, s.AgentsToImport, s.LinksToImport, s.FilesToWrite)
	if s.AgentsToRemove > 0 {
		fmt.Printf("Replaces %d existing agent(s)\n", s.AgentsToRemove)
	}
	if result.Restart != "" {
		fmt.Printf("Service restart: %s\n", result.Restart)
	}
	return 0
}

// ensureBlueprint resolves the target blueprint, creating it from the
// document's name and description on first import.
func ensureBlueprint(ctx context.Context, a *app, slug string, doc *team.Document) (*registry.Blueprint, error) {
	bp, err := a.store.GetBlueprintBySlug(ctx, slug)
	if err == nil {
		return bp, nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}
	name := doc.Name
	if name == "" {
		name = slug
	}
	bp = &registry.Blueprint{Slug: slug, Name: name, Description: doc.Description}
	if err := a.store.CreateBlueprint(ctx, bp); err != nil {
		return nil, err
	}
	return bp, nil
}

func runTeamExport(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("team export", flag.ContinueOnError)
	instanceSlug := fs.String("instance", "", "source instance slug")
	blueprintSlug := fs.String("blueprint", "", "source blueprint slug")
	outPath := fs.String("o", "", "output file (default stdout, JSON)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*instanceSlug == "") == (*blueprintSlug == "") {
		printTeamUsage()
		return 2
	}

	engine := newTeamEngine(a)
	var doc *team.Document
	var err error
	if *instanceSlug != "" {
		var inst *registry.Instance
		inst, err = a.store.GetInstanceBySlug(ctx, *instanceSlug)
		if err == nil {
			doc, err = engine.ExportInstance(ctx, inst)
		}
	} else {
		var bp *registry.Blueprint
		bp, err = a.store.GetBlueprintBySlug(ctx, *blueprintSlug)
		if err == nil {
			doc, err = engine.ExportBlueprint(ctx, bp)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
		return 1
	}

	format := team.FormatJSON
	if *outPath != "" {
		format = team.FormatForPath(*outPath)
	}
	data, err := doc.Encode(format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding document: %v\n", err)
		return 1
	}
	if *outPath == "" {
		_, _ = os.Stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(*outPath, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", *outPath, err)
		return 1
	}
	fmt.Printf("Wrote %d agent(s) to %s\n", len(doc.Agents), *outPath)
	return 0
}
