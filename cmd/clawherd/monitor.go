package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/clawherd/internal/monitor"
)

func runMonitorCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	once := fs.Bool("once", false, "run a single sweep and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	mon, err := monitor.New(monitor.Config{
		Store:    a.store,
		Service:  a.svc,
		Probe:    a.probe,
		Logger:   a.log,
		Schedule: a.cfg.SweepSchedule,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid sweep schedule %q: %v\n", a.cfg.SweepSchedule, err)
		return 1
	}

	if *once {
		if err := mon.Sweep(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Sweep failed: %v\n", err)
			return 1
		}
		return 0
	}

	a.log.Info("monitor started", "schedule", a.cfg.SweepSchedule)
	mon.Start(ctx)
	<-ctx.Done()
	mon.Stop()
	a.log.Info("monitor stopped")
	return 0
}
