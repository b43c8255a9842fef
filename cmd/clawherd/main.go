package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/clawherd/internal/audit"
	"github.com/basket/clawherd/internal/config"
	"github.com/basket/clawherd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s scan [-adopt] [-json]    Scan the host for gateway instances
                              -adopt registers every new instance found
  %s sync <slug> [-json]      Sync one instance's config into the registry
  %s team <action>            Import/export portable team documents
                              Actions: import, export, plan
  %s status [slug] [-json]    Show fleet or per-instance state
  %s monitor [-once]          Run the scheduled health sweep
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the version

ENVIRONMENT VARIABLES:
  CLAWHERD_HOME           Data directory (default: ~/.clawherd)

EXAMPLES:
  Adopt everything found:   %s scan -adopt
  Sync one instance:        %s sync main
  Plan a team import:       %s team plan team.yaml -instance main
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		return 2
	}
	cmd := strings.ToLower(strings.TrimSpace(args[0]))
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version":
		fmt.Printf("clawherd %s\n", Version)
		return 0
	case "doctor":
		// Doctor diagnoses broken environments, so it builds nothing up front.
		return runDoctorCommand(ctx, args[1:])
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error opening audit log: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	// Terminal sessions get file-only logs so command output stays clean;
	// redirected runs (cron, systemd) get the log stream on stdout too.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close(context.Background())

	switch cmd {
	case "scan":
		return runScanCommand(ctx, a, args[1:])
	case "sync":
		return runSyncCommand(ctx, a, args[1:])
	case "team":
		return runTeamCommand(ctx, a, args[1:])
	case "status":
		return runStatusCommand(ctx, a, args[1:])
	case "monitor":
		return runMonitorCommand(ctx, a, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", cmd)
		printUsage()
		return 2
	}
}
