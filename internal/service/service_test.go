package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawherd/internal/conn"
	"github.com/basket/clawherd/internal/service"
)

func systemdMem(t *testing.T, run func(name string, args []string) (conn.ExecResult, error)) service.Manager {
	t.Helper()
	mem := conn.NewMem()
	mem.RunFunc = run
	return service.New(context.Background(), mem, 0)
}

func TestNew_PlatformSelection(t *testing.T) {
	mem := conn.NewMem()
	if got := service.New(context.Background(), mem, 0).BinaryName(); got != "systemctl" {
		t.Fatalf("linux must get systemd, got %q", got)
	}
	mem.OS = "darwin"
	if got := service.New(context.Background(), mem, 0).BinaryName(); got != "launchctl" {
		t.Fatalf("darwin must get launchd, got %q", got)
	}
}

func TestSystemd_UnitName(t *testing.T) {
	mgr := systemdMem(t, nil)
	if got := mgr.UnitName("main"); got != "openclaw-main.service" {
		t.Fatalf("unexpected unit name %q", got)
	}
}

func TestSystemd_ListUnits(t *testing.T) {
	mgr := systemdMem(t, func(name string, args []string) (conn.ExecResult, error) {
		if name != "systemctl" || args[1] != "list-units" {
			t.Fatalf("unexpected command %s %v", name, args)
		}
		out := "openclaw-main.service loaded active running OpenClaw gateway\n" +
			"openclaw-dev.service loaded failed failed OpenClaw gateway\n" +
			"openclaw-lab.service loaded inactive dead OpenClaw gateway\n"
		return conn.ExecResult{Stdout: out}, nil
	})

	units, err := mgr.ListUnits(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(units))
	}
	want := map[string]string{
		"main": service.StateActive,
		"dev":  service.StateFailed,
		"lab":  service.StateInactive,
	}
	for _, u := range units {
		if want[u.Slug] != u.State {
			t.Fatalf("unit %s: state %q, want %q", u.Slug, u.State, want[u.Slug])
		}
	}
}

func TestSystemd_ActiveState_NonzeroExit(t *testing.T) {
	// is-active exits 3 for inactive units but still prints the state.
	mgr := systemdMem(t, func(name string, args []string) (conn.ExecResult, error) {
		return conn.ExecResult{Stdout: "inactive\n", ExitCode: 3}, nil
	})
	if got := mgr.ActiveState(context.Background(), "main"); got != service.StateInactive {
		t.Fatalf("expected inactive, got %q", got)
	}
}

func TestSystemd_StateDir(t *testing.T) {
	mgr := systemdMem(t, func(name string, args []string) (conn.ExecResult, error) {
		out := "Environment=PATH=/usr/bin OPENCLAW_STATE_DIR=/home/claw/openclaw-main NODE_ENV=production\n"
		return conn.ExecResult{Stdout: out}, nil
	})
	dir, err := mgr.StateDir(context.Background(), "main")
	if err != nil {
		t.Fatalf("state dir: %v", err)
	}
	if dir != "/home/claw/openclaw-main" {
		t.Fatalf("unexpected state dir %q", dir)
	}
}

func TestSystemd_StateDir_NotDeclared(t *testing.T) {
	mgr := systemdMem(t, func(name string, args []string) (conn.ExecResult, error) {
		return conn.ExecResult{Stdout: "Environment=\n"}, nil
	})
	dir, err := mgr.StateDir(context.Background(), "main")
	if err != nil || dir != "" {
		t.Fatalf("expected empty dir, got %q (%v)", dir, err)
	}
}

func TestSystemd_Restart(t *testing.T) {
	var restarted bool
	mgr := systemdMem(t, func(name string, args []string) (conn.ExecResult, error) {
		switch args[1] {
		case "cat":
			return conn.ExecResult{Stdout: "[Unit]\n"}, nil
		case "restart":
			restarted = true
			return conn.ExecResult{}, nil
		}
		t.Fatalf("unexpected command %v", args)
		return conn.ExecResult{}, nil
	})
	outcome, err := mgr.Restart(context.Background(), "main")
	if err != nil || outcome != service.Restarted {
		t.Fatalf("expected restart, got %v (%v)", outcome, err)
	}
	if !restarted {
		t.Fatalf("restart command never issued")
	}
}

func TestSystemd_Restart_MissingUnitSkips(t *testing.T) {
	mgr := systemdMem(t, func(name string, args []string) (conn.ExecResult, error) {
		if args[1] == "cat" {
			return conn.ExecResult{ExitCode: 1, Stderr: "No files found"}, nil
		}
		t.Fatalf("restart must not run for a missing unit")
		return conn.ExecResult{}, nil
	})
	outcome, err := mgr.Restart(context.Background(), "ghost")
	if err != nil || outcome != service.Skipped {
		t.Fatalf("expected skip, got %v (%v)", outcome, err)
	}
}

func TestSystemd_Restart_FailureIsNonFatalOutcome(t *testing.T) {
	mgr := systemdMem(t, func(name string, args []string) (conn.ExecResult, error) {
		if args[1] == "cat" {
			return conn.ExecResult{}, nil
		}
		return conn.ExecResult{ExitCode: 1, Stderr: "Job failed"}, nil
	})
	outcome, err := mgr.Restart(context.Background(), "main")
	if outcome != service.FailedNonFatal {
		t.Fatalf("expected failed outcome, got %v", outcome)
	}
	if err == nil || !strings.Contains(err.Error(), "Job failed") {
		t.Fatalf("error must carry stderr, got %v", err)
	}
}

func launchdMem(t *testing.T, run func(name string, args []string) (conn.ExecResult, error)) service.Manager {
	t.Helper()
	mem := conn.NewMem()
	mem.OS = "darwin"
	mem.RunFunc = run
	return service.New(context.Background(), mem, 0)
}

func TestLaunchd_ListUnits(t *testing.T) {
	mgr := launchdMem(t, func(name string, args []string) (conn.ExecResult, error) {
		out := "412\t0\tcom.openclaw.main\n" +
			"-\t0\tcom.openclaw.lab\n" +
			"-\t78\tcom.openclaw.dev\n" +
			"633\t0\tcom.apple.Finder\n"
		return conn.ExecResult{Stdout: out}, nil
	})
	units, err := mgr.ListUnits(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(units) != 3 {
		t.Fatalf("non-openclaw labels must be filtered, got %d units", len(units))
	}
	want := map[string]string{
		"main": service.StateActive,
		"lab":  service.StateInactive,
		"dev":  service.StateFailed,
	}
	for _, u := range units {
		if want[u.Slug] != u.State {
			t.Fatalf("unit %s: state %q, want %q", u.Slug, u.State, want[u.Slug])
		}
	}
}

func TestLaunchd_StateDir(t *testing.T) {
	mgr := launchdMem(t, func(name string, args []string) (conn.ExecResult, error) {
		if name == "id" {
			return conn.ExecResult{Stdout: "501\n"}, nil
		}
		out := "com.openclaw.main = {\n" +
			"\tenvironment = {\n" +
			"\t\tOPENCLAW_STATE_DIR => /Users/claw/openclaw-main\n" +
			"\t}\n}\n"
		return conn.ExecResult{Stdout: out}, nil
	})
	dir, err := mgr.StateDir(context.Background(), "main")
	if err != nil {
		t.Fatalf("state dir: %v", err)
	}
	if dir != "/Users/claw/openclaw-main" {
		t.Fatalf("unexpected state dir %q", dir)
	}
}

// execRecorder captures the ExecOptions of every Run so tests can assert the
// manager bounds each process call.
type execRecorder struct {
	*conn.Mem
	timeouts []time.Duration
}

func (r *execRecorder) Run(ctx context.Context, name string, args []string, opts conn.ExecOptions) (conn.ExecResult, error) {
	r.timeouts = append(r.timeouts, opts.Timeout)
	return r.Mem.Run(ctx, name, args, opts)
}

func TestManagerBoundsEveryExec(t *testing.T) {
	for _, os := range []string{"linux", "darwin"} {
		rec := &execRecorder{Mem: conn.NewMem()}
		rec.Mem.OS = os
		rec.Mem.RunFunc = func(name string, args []string) (conn.ExecResult, error) {
			return conn.ExecResult{Stdout: ""}, nil
		}
		mgr := service.New(context.Background(), rec, 2*time.Second)

		_, _ = mgr.ListUnits(context.Background())
		_ = mgr.ActiveState(context.Background(), "main")
		_, _ = mgr.StateDir(context.Background(), "main")
		_, _ = mgr.Restart(context.Background(), "main")

		if len(rec.timeouts) == 0 {
			t.Fatalf("%s: no exec calls recorded", os)
		}
		for i, timeout := range rec.timeouts {
			if timeout != 2*time.Second {
				t.Fatalf("%s: exec call %d ran with timeout %v, want 2s", os, i, timeout)
			}
		}
	}
}

func TestNewDefaultsExecTimeout(t *testing.T) {
	rec := &execRecorder{Mem: conn.NewMem()}
	mgr := service.New(context.Background(), rec, 0)
	_, _ = mgr.ListUnits(context.Background())
	if len(rec.timeouts) == 0 {
		t.Fatalf("no exec calls recorded")
	}
	if rec.timeouts[0] != 5*time.Second {
		t.Fatalf("zero timeout must fall back to 5s, got %v", rec.timeouts[0])
	}
}
