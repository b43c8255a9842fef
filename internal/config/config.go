// Package config loads the manager's own configuration from config.yaml.
// Instance configuration (openclaw.json) is handled by the openclaw package;
// this file covers only the fleet manager itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/clawherd/internal/otel"
)

// PortRange bounds the port-probe discovery strategy.
type PortRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// ClawHome is the directory instance state dirs live under. Defaults to the
	// invoking user's home directory, where openclaw-{slug} dirs are created.
	ClawHome string `yaml:"claw_home"`

	// Ports is the range scanned by the port-probe discovery strategy.
	Ports PortRange `yaml:"ports"`

	// ProbeTimeoutSeconds bounds each HTTP health probe. Default 2.
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`

	// ExecTimeoutSeconds bounds each service-manager/shell call. Default 5.
	ExecTimeoutSeconds int `yaml:"exec_timeout_seconds"`

	// SweepSchedule is a 5-field cron expression for the background health sweep.
	SweepSchedule string `yaml:"sweep_schedule"`

	OTel otel.Config `yaml:"otel"`
}

// HomeDir resolves the manager's own data directory.
func HomeDir() string {
	if override := os.Getenv("CLAWHERD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawherd")
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		Ports:               PortRange{Start: 18700, End: 18800},
		ProbeTimeoutSeconds: 2,
		ExecTimeoutSeconds:  5,
		SweepSchedule:       "*/5 * * * *",
	}
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawherd home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.ClawHome) == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		cfg.ClawHome = home
	}
	if cfg.Ports.Start <= 0 || cfg.Ports.End < cfg.Ports.Start {
		cfg.Ports = PortRange{Start: 18700, End: 18800}
	}
	if cfg.ProbeTimeoutSeconds <= 0 {
		cfg.ProbeTimeoutSeconds = 2
	}
	if cfg.ExecTimeoutSeconds <= 0 {
		cfg.ExecTimeoutSeconds = 5
	}
	if strings.TrimSpace(cfg.SweepSchedule) == "" {
		cfg.SweepSchedule = "*/5 * * * *"
	}
}

// ProbeTimeout returns the per-probe deadline as a duration.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// ExecTimeout returns the per-exec deadline as a duration.
func (c Config) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutSeconds) * time.Second
}

// DBPath returns the registry database path under the manager home.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "clawherd.db")
}
