// Package monitor runs the background health sweep: on each due tick it
// probes every registered instance and records state transitions in the
// registry.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/clawherd/internal/health"
	"github.com/basket/clawherd/internal/registry"
	"github.com/basket/clawherd/internal/service"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Prober matches health.Probe; tests script it.
type Prober interface {
	Alive(ctx context.Context, port int) bool
}

var _ Prober = (*health.Probe)(nil)

// Config holds the sweep's dependencies.
type Config struct {
	Store   *registry.Store
	Service service.Manager
	Probe   Prober
	Logger  *slog.Logger

	// Schedule is a 5-field cron expression deciding when sweeps run.
	Schedule string
	// Interval is the tick resolution, default one minute.
	Interval time.Duration
}

// Monitor sweeps instance health on a cron schedule.
type Monitor struct {
	store    *registry.Store
	svc      service.Manager
	probe    Prober
	log      *slog.Logger
	schedule cronlib.Schedule
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses the schedule and builds a monitor.
func New(cfg Config) (*Monitor, error) {
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		store:    cfg.Store,
		svc:      cfg.Service,
		probe:    cfg.Probe,
		log:      logger.With("component", "monitor"),
		schedule: schedule,
		interval: interval,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.log.Info("health sweep started", "interval", m.interval)
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.log.Info("health sweep stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	next := m.schedule.Next(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			next = m.schedule.Next(now)
			if err := m.Sweep(ctx); err != nil {
				m.log.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep probes every instance once and persists any state transition with a
// state_changed event. One unreachable instance never aborts the pass.
func (m *Monitor) Sweep(ctx context.Context) error {
	instances, err := m.store.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	for _, inst := range instances {
		observed := m.observe(ctx, &inst)
		if observed == inst.State {
			continue
		}
		if err := m.store.UpdateInstanceState(ctx, inst.ID, observed); err != nil {
			m.log.Warn("update instance state", "slug", inst.Slug, "error", err)
			continue
		}
		msg := fmt.Sprintf("state %s -> %s", inst.State, observed)
		if err := m.store.AppendEvent(ctx, inst.Slug, "state_changed", msg, ""); err != nil {
			m.log.Warn("append state_changed event", "slug", inst.Slug, "error", err)
		}
		m.log.Info("instance state changed", "slug", inst.Slug, "from", inst.State, "to", observed)
	}
	return nil
}

// observe derives the current state: a live HTTP endpoint wins, then the
// service unit's own verdict.
func (m *Monitor) observe(ctx context.Context, inst *registry.Instance) registry.InstanceState {
	if m.probe.Alive(ctx, inst.Port) {
		return registry.StateRunning
	}
	switch m.svc.ActiveState(ctx, inst.Slug) {
	case service.StateActive:
		return registry.StateRunning
	case service.StateFailed:
		return registry.StateError
	case service.StateInactive:
		return registry.StateStopped
	default:
		return registry.StateUnknown
	}
}
