// Package service queries and restarts the OS service units behind gateway
// instances: systemd user units on Linux, launchd agents on macOS. Every call
// goes through a conn.Connection so the same code drives local and remote
// hosts.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/clawherd/internal/conn"
)

// Unit active states, normalized across systemd and launchd.
const (
	StateActive   = "active"
	StateInactive = "inactive"
	StateFailed   = "failed"
	StateUnknown  = "unknown"
)

// RestartOutcome reports what a best-effort restart actually did.
type RestartOutcome int

const (
	// Restarted means the service manager accepted the restart.
	Restarted RestartOutcome = iota
	// Skipped means no unit exists for the slug, so there was nothing to restart.
	Skipped
	// FailedNonFatal means the restart command ran and failed.
	FailedNonFatal
)

func (o RestartOutcome) String() string {
	switch o {
	case Restarted:
		return "restarted"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Unit is one instance-shaped service unit found on the host.
type Unit struct {
	Slug  string
	Name  string
	State string
}

// Manager answers unit questions for one host.
type Manager interface {
	// UnitName returns the platform unit name for a slug.
	UnitName(slug string) string
	// ListUnits lists units matching the instance naming convention.
	ListUnits(ctx context.Context) ([]Unit, error)
	// ActiveState returns the normalized unit state for a slug.
	ActiveState(ctx context.Context, slug string) string
	// StateDir resolves the instance state directory from the unit's
	// environment, "" when the unit does not declare one.
	StateDir(ctx context.Context, slug string) (string, error)
	// Restart restarts the unit best-effort.
	Restart(ctx context.Context, slug string) (RestartOutcome, error)
	// BinaryName is the service-manager binary, for preflight checks.
	BinaryName() string
}

// defaultExecTimeout caps service-manager calls when the caller passes no
// bound. A hung systemctl/launchctl must never stall a scan or import.
const defaultExecTimeout = 5 * time.Second

// New picks the manager for the connection's platform. Hosts whose platform
// cannot be determined get the systemd manager. Every process call the
// manager makes is bounded by execTimeout; zero or negative selects the
// default.
func New(ctx context.Context, c conn.Connection, execTimeout time.Duration) Manager {
	if execTimeout <= 0 {
		execTimeout = defaultExecTimeout
	}
	platform, err := c.Platform(ctx)
	if err == nil && platform == "darwin" {
		return &launchdManager{conn: c, timeout: execTimeout}
	}
	return &systemdManager{conn: c, timeout: execTimeout}
}

// stateDirEnvVar is the variable the gateway units export to locate their
// state directory.
const stateDirEnvVar = "OPENCLAW_STATE_DIR"

// parseEnvAssignments pulls a variable out of space-separated KEY=value
// assignments, the format systemd's Environment= property uses.
func parseEnvAssignments(line, key string) string {
	for _, field := range strings.Fields(line) {
		if v, ok := strings.CutPrefix(field, key+"="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

func normalizeState(raw string) string {
	switch strings.TrimSpace(raw) {
	case "active", "running":
		return StateActive
	case "inactive", "dead":
		return StateInactive
	case "failed", "crashed":
		return StateFailed
	default:
		return StateUnknown
	}
}

func restartErr(slug string, res conn.ExecResult) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	return fmt.Errorf("restart %s: exit %d: %s", slug, res.ExitCode, msg)
}
