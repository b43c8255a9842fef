package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/clawherd/internal/conn"
)

const (
	systemdPrefix = "openclaw-"
	systemdSuffix = ".service"
)

// systemdManager drives systemd user units via systemctl --user.
type systemdManager struct {
	conn    conn.Connection
	timeout time.Duration
}

func (m *systemdManager) execOpts() conn.ExecOptions {
	return conn.ExecOptions{Timeout: m.timeout}
}

func (m *systemdManager) BinaryName() string { return "systemctl" }

func (m *systemdManager) UnitName(slug string) string {
	return systemdPrefix + slug + systemdSuffix
}

// slugFromUnit inverts UnitName, "" when the unit is not instance-shaped.
func slugFromUnit(unit string) string {
	name, ok := strings.CutPrefix(unit, systemdPrefix)
	if !ok {
		return ""
	}
	name, ok = strings.CutSuffix(name, systemdSuffix)
	if !ok {
		return ""
	}
	return name
}

func (m *systemdManager) ListUnits(ctx context.Context) ([]Unit, error) {
	res, err := m.conn.Run(ctx, "systemctl", []string{
		"--user", "list-units", "--all", "--no-legend", "--plain",
		systemdPrefix + "*" + systemdSuffix,
	}, m.execOpts())
	if err != nil {
		return nil, fmt.Errorf("list systemd units: %w", err)
	}
	if !res.Ok() {
		return nil, fmt.Errorf("list systemd units: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var units []Unit
	for _, line := range strings.Split(res.Stdout, "\n") {
		// UNIT LOAD ACTIVE SUB DESCRIPTION
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		slug := slugFromUnit(fields[0])
		if slug == "" {
			continue
		}
		units = append(units, Unit{
			Slug:  slug,
			Name:  fields[0],
			State: normalizeState(fields[2]),
		})
	}
	return units, nil
}

func (m *systemdManager) ActiveState(ctx context.Context, slug string) string {
	res, err := m.conn.Run(ctx, "systemctl", []string{
		"--user", "is-active", m.UnitName(slug),
	}, m.execOpts())
	if err != nil {
		return StateUnknown
	}
	// is-active exits nonzero for anything but "active"; the state is still
	// on stdout.
	return normalizeState(res.Stdout)
}

func (m *systemdManager) StateDir(ctx context.Context, slug string) (string, error) {
	res, err := m.conn.Run(ctx, "systemctl", []string{
		"--user", "show", "-p", "Environment", m.UnitName(slug),
	}, m.execOpts())
	if err != nil {
		return "", fmt.Errorf("query unit environment: %w", err)
	}
	if !res.Ok() {
		return "", fmt.Errorf("query unit environment: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	// Output is "Environment=KEY=v KEY2=v2" or bare "Environment=".
	line := strings.TrimSpace(res.Stdout)
	line = strings.TrimPrefix(line, "Environment=")
	return parseEnvAssignments(line, stateDirEnvVar), nil
}

func (m *systemdManager) Restart(ctx context.Context, slug string) (RestartOutcome, error) {
	unit := m.UnitName(slug)
	check, err := m.conn.Run(ctx, "systemctl", []string{
		"--user", "cat", unit,
	}, m.execOpts())
	if err == nil && !check.Ok() {
		return Skipped, nil
	}

	res, err := m.conn.Run(ctx, "systemctl", []string{
		"--user", "restart", unit,
	}, m.execOpts())
	if err != nil {
		return FailedNonFatal, fmt.Errorf("restart %s: %w", slug, err)
	}
	if !res.Ok() {
		return FailedNonFatal, restartErr(slug, res)
	}
	return Restarted, nil
}
