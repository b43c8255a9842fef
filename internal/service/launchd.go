package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/clawherd/internal/conn"
)

const launchdPrefix = "com.openclaw."

// launchdManager drives per-user launchd agents in the gui domain.
type launchdManager struct {
	conn    conn.Connection
	timeout time.Duration
}

func (m *launchdManager) execOpts() conn.ExecOptions {
	return conn.ExecOptions{Timeout: m.timeout}
}

func (m *launchdManager) BinaryName() string { return "launchctl" }

func (m *launchdManager) UnitName(slug string) string {
	return launchdPrefix + slug
}

func (m *launchdManager) domainTarget(ctx context.Context) string {
	res, err := m.conn.Run(ctx, "id", []string{"-u"}, m.execOpts())
	if err != nil || !res.Ok() {
		return "gui/501"
	}
	return "gui/" + strings.TrimSpace(res.Stdout)
}

func (m *launchdManager) ListUnits(ctx context.Context) ([]Unit, error) {
	res, err := m.conn.Run(ctx, "launchctl", []string{"list"}, m.execOpts())
	if err != nil {
		return nil, fmt.Errorf("list launchd agents: %w", err)
	}
	if !res.Ok() {
		return nil, fmt.Errorf("list launchd agents: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var units []Unit
	for _, line := range strings.Split(res.Stdout, "\n") {
		// PID STATUS LABEL; PID is "-" when not running.
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		label := fields[2]
		slug, ok := strings.CutPrefix(label, launchdPrefix)
		if !ok || slug == "" {
			continue
		}
		state := StateInactive
		if fields[0] != "-" {
			state = StateActive
		} else if fields[1] != "0" {
			state = StateFailed
		}
		units = append(units, Unit{Slug: slug, Name: label, State: state})
	}
	return units, nil
}

func (m *launchdManager) ActiveState(ctx context.Context, slug string) string {
	units, err := m.ListUnits(ctx)
	if err != nil {
		return StateUnknown
	}
	for _, u := range units {
		if u.Slug == slug {
			return u.State
		}
	}
	return StateUnknown
}

func (m *launchdManager) StateDir(ctx context.Context, slug string) (string, error) {
	res, err := m.conn.Run(ctx, "launchctl", []string{
		"print", m.domainTarget(ctx) + "/" + m.UnitName(slug),
	}, m.execOpts())
	if err != nil {
		return "", fmt.Errorf("print launchd agent: %w", err)
	}
	if !res.Ok() {
		return "", fmt.Errorf("print launchd agent: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	// Environment shows up inside the print output as "KEY => value" lines.
	for _, line := range strings.Split(res.Stdout, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=>")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == stateDirEnvVar {
			return strings.TrimSpace(value), nil
		}
	}
	return "", nil
}

func (m *launchdManager) Restart(ctx context.Context, slug string) (RestartOutcome, error) {
	target := m.domainTarget(ctx) + "/" + m.UnitName(slug)
	check, err := m.conn.Run(ctx, "launchctl", []string{"print", target}, m.execOpts())
	if err == nil && !check.Ok() {
		return Skipped, nil
	}

	res, err := m.conn.Run(ctx, "launchctl", []string{"kickstart", "-k", target}, m.execOpts())
	if err != nil {
		return FailedNonFatal, fmt.Errorf("restart %s: %w", slug, err)
	}
	if !res.Ok() {
		return FailedNonFatal, restartErr(slug, res)
	}
	return Restarted, nil
}
