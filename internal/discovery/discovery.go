// Package discovery finds gateway instances on a host that the registry does
// not yet know about. Four strategies feed one accumulator: directory scan,
// service-unit scan, port probing, and the legacy un-prefixed directory. The
// first strategy to find a slug owns its state dir and config; later
// strategies only enrich.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawherd/internal/conn"
	"github.com/basket/clawherd/internal/health"
	"github.com/basket/clawherd/internal/openclaw"
	"github.com/basket/clawherd/internal/otel"
	"github.com/basket/clawherd/internal/registry"
	"github.com/basket/clawherd/internal/service"
)

// Source names the strategy that first found an instance.
type Source string

const (
	SourceDirectory   Source = "directory"
	SourceServiceUnit Source = "service-unit"
	SourcePortProbe   Source = "port-probe"
	SourceLegacy      Source = "legacy"
)

const (
	instanceDirPrefix = "openclaw-"
	legacyDirName     = "openclaw"
	legacySlug        = "default"
	configFileName    = "openclaw.json"
	vhostDir          = "/etc/nginx/sites-enabled"
)

// Discovered is one instance found on disk, with everything adoption needs.
type Discovered struct {
	Slug         string
	StateDir     string
	ConfigPath   string
	Port         int
	Source       Source
	UnitState    string
	Healthy      bool
	TelegramBot  string
	DefaultModel string
	HasVhost     bool
	Agents       []openclaw.AgentEntry
}

// ScanResult is a full host scan reconciled against the registry.
type ScanResult struct {
	Instances      []Discovered `json:"instances"`
	NewInstances   []Discovered `json:"new_instances"`
	RemovedSlugs   []string     `json:"removed_slugs"`
	UnchangedSlugs []string     `json:"unchanged_slugs"`
}

// Prober answers liveness questions about local ports. Satisfied by
// health.Probe; tests substitute a scripted one.
type Prober interface {
	Alive(ctx context.Context, port int) bool
}

var _ Prober = (*health.Probe)(nil)

// Params collects the engine's collaborators.
type Params struct {
	Store   *registry.Store
	Conn    conn.Connection
	Service service.Manager
	Probe   Prober
	Log     *slog.Logger

	// ClawHome is the directory instance state dirs live under.
	ClawHome string
	// PortStart/PortEnd bound the port-probe strategy, inclusive.
	PortStart int
	PortEnd   int

	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

// Engine scans a host and adopts what it finds.
type Engine struct {
	store   *registry.Store
	conn    conn.Connection
	svc     service.Manager
	probe   Prober
	log     *slog.Logger
	home    string
	portLo  int
	portHi  int
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
		probe:   p.Probe,
		log:     p.Log.With("component", "discovery"),
		home:    p.ClawHome,
		portLo:  p.PortStart,
		portHi:  p.PortEnd,
		tracer:  p.Tracer,
		metrics: p.Metrics,
	}
}

// Scan runs all four strategies and reconciles the result against the
// registry. One broken instance never aborts the scan; it is logged and
// skipped.
func (e *Engine) Scan(ctx context.Context) (*ScanResult, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "discovery.scan")
	defer span.End()
	start := time.Now()

	acc := newAccumulator()
	e.scanDirectories(ctx, acc)
	e.scanServiceUnits(ctx, acc)
	e.scanPorts(ctx, acc)
	e.scanLegacy(ctx, acc)

	registered, err := e.store.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list registered instances: %w", err)
	}

	result := reconcile(acc, registered)
	if e.metrics != nil {
		e.metrics.ScanDuration.Record(ctx, time.Since(start).Seconds())
		e.metrics.InstancesDiscovered.Add(ctx, int64(len(result.NewInstances)))
	}
	e.log.Info("scan complete",
		"found", len(result.Instances),
		"new", len(result.NewInstances),
		"removed", len(result.RemovedSlugs))
	return result, nil
}

// accumulator keeps first-writer-wins entries in discovery order.
type accumulator struct {
	bySlug map[string]*Discovered
	order  []string
}

func newAccumulator() *accumulator {
	return &accumulator{bySlug: make(map[string]*Discovered)}
}

func (a *accumulator) has(slug string) bool {
	_, ok := a.bySlug[slug]
	return ok
}

func (a *accumulator) add(d *Discovered) {
	if a.has(d.Slug) {
		return
	}
	a.bySlug[d.Slug] = d
	a.order = append(a.order, d.Slug)
}

func (a *accumulator) portTaken(port int) bool {
	for _, d := range a.bySlug {
		if d.Port == port {
			return true
		}
	}
	return false
}

func (e *Engine) scanDirectories(ctx context.Context, acc *accumulator) {
	_, span := otel.StartSpan(ctx, e.tracer, "discovery.strategy",
		otel.AttrStrategy.String(string(SourceDirectory)))
	defer span.End()

	entries, err := e.conn.ListDir(ctx, e.home)
	if err != nil {
		e.log.Warn("directory scan failed", "dir", e.home, "error", err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir {
			continue
		}
		slug, ok := strings.CutPrefix(entry.Name, instanceDirPrefix)
		if !ok || slug == "" || acc.has(slug) {
			continue
		}
		stateDir := e.home + "/" + entry.Name
		if d := e.parseInstance(ctx, slug, stateDir, SourceDirectory); d != nil {
			acc.add(d)
		}
	}
}

// scanServiceUnits enriches already-found instances with their live unit state
// and resolves unseen units through their declared state directory. It never
// overwrites state dir or config of an earlier strategy's find.
func (e *Engine) scanServiceUnits(ctx context.Context, acc *accumulator) {
	_, span := otel.StartSpan(ctx, e.tracer, "discovery.strategy",
		otel.AttrStrategy.String(string(SourceServiceUnit)))
	defer span.End()

	units, err := e.svc.ListUnits(ctx)
	if err != nil {
		e.log.Warn("service-unit scan failed", "error", err)
		return
	}
	for _, unit := range units {
		if existing, ok := acc.bySlug[unit.Slug]; ok {
			existing.UnitState = unit.State
			continue
		}
		stateDir, err := e.svc.StateDir(ctx, unit.Slug)
		if err != nil || stateDir == "" {
			e.log.Warn("unit declares no state dir", "slug", unit.Slug, "error", err)
			continue
		}
		if d := e.parseInstance(ctx, unit.Slug, stateDir, SourceServiceUnit); d != nil {
			d.UnitState = unit.State
			acc.add(d)
		}
	}
}

// scanPorts probes every port in the configured range that no found instance
// claims; a live port is reverse-resolved to its slug by re-reading every
// instance dir's config.
func (e *Engine) scanPorts(ctx context.Context, acc *accumulator) {
	_, span := otel.StartSpan(ctx, e.tracer, "discovery.strategy",
		otel.AttrStrategy.String(string(SourcePortProbe)))
	defer span.End()

	for port := e.portLo; port <= e.portHi; port++ {
		if acc.portTaken(port) || !e.probe.Alive(ctx, port) {
			continue
		}
		slug, stateDir := e.resolvePortOwner(ctx, port)
		if slug == "" || acc.has(slug) {
			continue
		}
		if d := e.parseInstance(ctx, slug, stateDir, SourcePortProbe); d != nil {
			acc.add(d)
		}
	}
}

// resolvePortOwner finds the instance dir whose config declares the port,
// checking prefixed dirs and the legacy location.
func (e *Engine) resolvePortOwner(ctx context.Context, port int) (slug, stateDir string) {
	entries, err := e.conn.ListDir(ctx, e.home)
	if err != nil {
		return "", ""
	}
	for _, entry := range entries {
		if !entry.IsDir {
			continue
		}
		name, ok := strings.CutPrefix(entry.Name, instanceDirPrefix)
		if entry.Name == legacyDirName {
			name, ok = legacySlug, true
		}
		if !ok || name == "" {
			continue
		}
		dir := e.home + "/" + entry.Name
		if e.declaredPort(ctx, dir) == port {
			return name, dir
		}
	}
	return "", ""
}

func (e *Engine) declaredPort(ctx context.Context, stateDir string) int {
	raw, err := e.conn.ReadFile(ctx, stateDir+"/"+configFileName)
	if err != nil {
		return 0
	}
	doc, err := openclaw.Parse([]byte(raw))
	if err != nil {
		return 0
	}
	port, _ := doc.GatewayPort()
	return port
}

func (e *Engine) scanLegacy(ctx context.Context, acc *accumulator) {
	_, span := otel.StartSpan(ctx, e.tracer, "discovery.strategy",
		otel.AttrStrategy.String(string(SourceLegacy)))
	defer span.End()

	if acc.has(legacySlug) {
		return
	}
	stateDir := e.home + "/" + legacyDirName
	exists, err := e.conn.Exists(ctx, stateDir)
	if err != nil || !exists {
		return
	}
	if d := e.parseInstance(ctx, legacySlug, stateDir, SourceLegacy); d != nil {
		acc.add(d)
	}
}

// parseInstance reads and validates one candidate. Anything short of a
// well-formed config with a numeric gateway port disqualifies it; failures
// are logged, never propagated, so one broken instance cannot sink a scan.
func (e *Engine) parseInstance(ctx context.Context, slug, stateDir string, source Source) *Discovered {
	configPath := stateDir + "/" + configFileName
	raw, err := e.conn.ReadFile(ctx, configPath)
	if err != nil {
		e.log.Warn("skipping instance: config unreadable", "slug", slug, "path", configPath, "error", err)
		return nil
	}
	doc, err := openclaw.Parse([]byte(raw))
	if err != nil {
		e.log.Warn("skipping instance: config malformed", "slug", slug, "path", configPath, "error", err)
		return nil
	}
	port, ok := doc.GatewayPort()
	if !ok {
		e.log.Warn("skipping instance: no numeric gateway port", "slug", slug, "path", configPath)
		return nil
	}

	d := &Discovered{
		Slug:         slug,
		StateDir:     stateDir,
		ConfigPath:   configPath,
		Port:         port,
		Source:       source,
		TelegramBot:  doc.TelegramBot(),
		DefaultModel: doc.DefaultModel().Display(""),
		Agents:       doc.Roster(stateDir),
	}

	d.Healthy = e.probe.Alive(ctx, port)
	if !d.Healthy && e.metrics != nil {
		e.metrics.ProbeFailures.Add(ctx, 1)
	}
	d.UnitState = e.svc.ActiveState(ctx, slug)
	d.HasVhost = e.detectVhost(ctx, slug)
	return d
}

// detectVhost looks for a reverse-proxy site file named after the instance.
func (e *Engine) detectVhost(ctx context.Context, slug string) bool {
	entries, err := e.conn.ListDir(ctx, vhostDir)
	if err != nil {
		return false
	}
	want := instanceDirPrefix + slug
	for _, entry := range entries {
		if entry.Name == want || entry.Name == want+".conf" {
			return true
		}
	}
	return false
}

// reconcile diffs the accumulator against registered slugs. Instances the
// registry knows but the scan missed are reported, never deleted.
func reconcile(acc *accumulator, registered []registry.Instance) *ScanResult {
	result := &ScanResult{
		Instances:      make([]Discovered, 0, len(acc.order)),
		NewInstances:   []Discovered{},
		RemovedSlugs:   []string{},
		UnchangedSlugs: []string{},
	}
	known := make(map[string]bool, len(registered))
	for _, inst := range registered {
		known[inst.Slug] = true
	}
	for _, slug := range acc.order {
		d := acc.bySlug[slug]
		result.Instances = append(result.Instances, *d)
		if known[slug] {
			result.UnchangedSlugs = append(result.UnchangedSlugs, slug)
		} else {
			result.NewInstances = append(result.NewInstances, *d)
		}
	}
	for _, inst := range registered {
		if !acc.has(inst.Slug) {
			result.RemovedSlugs = append(result.RemovedSlugs, inst.Slug)
		}
	}
	return result
}

// InstanceState derives the registry state for a discovered instance: a live
// HTTP endpoint always wins, then the unit state.
func (d *Discovered) InstanceState() registry.InstanceState {
	if d.Healthy {
		return registry.StateRunning
	}
	switch d.UnitState {
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

// Adopt persists one discovered instance: the port reservation, the instance
// row, one agent row per discovered agent, and a "discovered" event.
// Re-adopting an existing slug fails with the registry's conflict error.
func (e *Engine) Adopt(ctx context.Context, d *Discovered, serverID string) (*registry.Instance, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "discovery.adopt",
		otel.AttrSlug.String(d.Slug), otel.AttrPort.Int(d.Port))
	defer span.End()

	if err := e.store.ReservePort(ctx, serverID, d.Port, d.Slug); err != nil {
		return nil, fmt.Errorf("reserve port %d: %w", d.Port, err)
	}

	inst := &registry.Instance{
		ServerID:    serverID,
		Slug:        d.Slug,
		Port:        d.Port,
		State:       d.InstanceState(),
		ConfigPath:  d.ConfigPath,
		StateDir:    d.StateDir,
		ServiceUnit: e.svc.UnitName(d.Slug),
		Discovered:  true,
	}
	if d.TelegramBot != "" {
		inst.TelegramBot = &d.TelegramBot
	}
	if d.DefaultModel != "" {
		inst.DefaultModel = &d.DefaultModel
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		if relErr := e.store.ReleasePort(ctx, serverID, d.Port); relErr != nil {
			e.log.Warn("release port after failed adopt", "slug", d.Slug, "error", relErr)
		}
		return nil, fmt.Errorf("adopt %s: %w", d.Slug, err)
	}

	parent := registry.InstanceParent(inst.ID)
	for _, entry := range d.Agents {
		agent := &registry.Agent{
			Parent:        parent,
			AgentID:       entry.ID,
			Name:          entry.Name,
			Model:         entry.Model.Display(d.DefaultModel),
			WorkspacePath: entry.WorkspacePath,
			IsDefault:     entry.IsDefault,
			ConfigHash:    entry.ConfigHash(),
		}
		if err := e.store.CreateAgent(ctx, agent); err != nil {
			return nil, fmt.Errorf("adopt %s: agent %s: %w", d.Slug, entry.ID, err)
		}
	}

	payload, _ := json.Marshal(map[string]any{
		"source": d.Source,
		"port":   d.Port,
		"agents": len(d.Agents),
	})
	if err := e.store.AppendEvent(ctx, d.Slug, "discovered",
		fmt.Sprintf("adopted via %s scan", d.Source), string(payload)); err != nil {
		e.log.Warn("append discovered event", "slug", d.Slug, "error", err)
	}

	e.log.Info("adopted instance", "slug", d.Slug, "port", d.Port, "source", d.Source, "agents", len(d.Agents))
	return inst, nil
}
