// Package doctor runs environment diagnostics for the fleet manager.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/clawherd/internal/config"
	"github.com/basket/clawherd/internal/registry"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkHomeWritable,
		checkRegistry,
		checkServiceManager,
		checkPortRange,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkHomeWritable(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home Dir", Status: "SKIP", Message: "Config missing"}
	}
	probe := filepath.Join(cfg.HomeDir, ".doctor-write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name:    "Home Dir",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s is not writable", cfg.HomeDir),
			Detail:  err.Error(),
		}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "Home Dir", Status: "PASS", Message: fmt.Sprintf("%s is writable", cfg.HomeDir)}
}

func checkRegistry(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Registry", Status: "SKIP", Message: "Config missing"}
	}
	path := config.DBPath(cfg.HomeDir)
	store, err := registry.Open(path)
	if err != nil {
		return CheckResult{
			Name:    "Registry",
			Status:  "FAIL",
			Message: fmt.Sprintf("Cannot open %s", path),
			Detail:  err.Error(),
		}
	}
	defer store.Close()

	instances, err := store.ListInstances(ctx)
	if err != nil {
		return CheckResult{Name: "Registry", Status: "FAIL", Message: "Schema query failed", Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Registry",
		Status:  "PASS",
		Message: fmt.Sprintf("Open at %s (%d instances)", path, len(instances)),
	}
}

func checkServiceManager(_ context.Context, _ *config.Config) CheckResult {
	binary := "systemctl"
	if runtime.GOOS == "darwin" {
		binary = "launchctl"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return CheckResult{
			Name:    "Service Mgr",
			Status:  "WARN",
			Message: fmt.Sprintf("%s not found in PATH", binary),
			Detail:  "Unit state and restarts will be unavailable",
		}
	}
	return CheckResult{Name: "Service Mgr", Status: "PASS", Message: path}
}

func checkPortRange(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Port Range", Status: "SKIP", Message: "Config missing"}
	}
	p := cfg.Ports
	if p.Start <= 0 || p.End < p.Start {
		return CheckResult{
			Name:    "Port Range",
			Status:  "FAIL",
			Message: fmt.Sprintf("Invalid range %d-%d", p.Start, p.End),
		}
	}
	if p.End-p.Start > 1000 {
		return CheckResult{
			Name:    "Port Range",
			Status:  "WARN",
			Message: fmt.Sprintf("Range %d-%d is large; scans will probe %d ports", p.Start, p.End, p.End-p.Start+1),
		}
	}
	return CheckResult{Name: "Port Range", Status: "PASS", Message: fmt.Sprintf("%d-%d", p.Start, p.End)}
}
