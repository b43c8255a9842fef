package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all clawherd metrics instruments.
type Metrics struct {
	ScanDuration        metric.Float64Histogram
	SyncDuration        metric.Float64Histogram
	ImportDuration      metric.Float64Histogram
	InstancesDiscovered metric.Int64Counter
	AgentsSynced        metric.Int64Counter
	SyncFailures        metric.Int64Counter
	ProbeFailures       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ScanDuration, err = meter.Float64Histogram("clawherd.scan.duration",
		metric.WithDescription("Discovery scan duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncDuration, err = meter.Float64Histogram("clawherd.sync.duration",
		metric.WithDescription("Agent sync duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ImportDuration, err = meter.Float64Histogram("clawherd.team.import.duration",
		metric.WithDescription("Team import duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InstancesDiscovered, err = meter.Int64Counter("clawherd.discovery.instances",
		metric.WithDescription("Instances found by discovery scans"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsSynced, err = meter.Int64Counter("clawherd.sync.agents",
		metric.WithDescription("Agent rows written by sync"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncFailures, err = meter.Int64Counter("clawherd.sync.failures",
		metric.WithDescription("Failed sync runs"),
	)
	if err != nil {
		return nil, err
	}

	m.ProbeFailures, err = meter.Int64Counter("clawherd.probe.failures",
		metric.WithDescription("Health probes that timed out or errored"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
